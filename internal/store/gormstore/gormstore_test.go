package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/teocoin.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	return store
}

func mustUserID(test *testing.T, raw string) teocoin.UserID {
	test.Helper()
	userID, err := teocoin.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustAddress(test *testing.T, raw string) teocoin.Address {
	test.Helper()
	address, err := teocoin.NewAddress(raw)
	if err != nil {
		test.Fatalf("address %q: %v", raw, err)
	}
	return address
}

func mustOrderID(test *testing.T, raw string) teocoin.OrderID {
	test.Helper()
	orderID, err := teocoin.NewOrderID(raw)
	if err != nil {
		test.Fatalf("order id %q: %v", raw, err)
	}
	return orderID
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func TestLockBalanceCreatesZeroRow(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-g1")

	balance, err := store.LockBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("lock balance: %v", err)
	}
	if !balance.Available.IsZero() || !balance.Staked.IsZero() || !balance.PendingWithdrawal.IsZero() {
		test.Fatalf("expected zero balance, got %+v", balance)
	}

	balance.Available = mustDecimal(test, "12.5")
	balance.UpdatedAt = time.Now().UTC()
	if err := store.SaveBalance(context.Background(), balance); err != nil {
		test.Fatalf("save balance: %v", err)
	}
	reloaded, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if !reloaded.Available.Equal(mustDecimal(test, "12.5")) {
		test.Fatalf("expected 12.5 after save, got %s", reloaded.Available)
	}
}

func TestGetBalanceForUnknownUserIsZero(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	balance, err := store.GetBalance(context.Background(), mustUserID(test, "user-g2"))
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if !balance.Available.IsZero() {
		test.Fatalf("expected zero balance, got %+v", balance)
	}
}

func TestSaveBalanceForMissingRow(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	err := store.SaveBalance(context.Background(), teocoin.Balance{
		UserID:    mustUserID(test, "user-g3"),
		Available: mustDecimal(test, "1"),
		UpdatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, teocoin.ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateDepositHashConflicts(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-g4")
	hash := "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

	first := teocoin.LedgerTransaction{
		UserID:        userID,
		Kind:          teocoin.KindDeposit,
		Amount:        mustDecimal(test, "5"),
		DepositTxHash: hash,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.InsertTransaction(context.Background(), &first); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	second := first
	second.ID = ""
	if err := store.InsertTransaction(context.Background(), &second); !errors.Is(err, teocoin.ErrConflict) {
		test.Fatalf("expected ErrConflict on duplicate deposit hash, got %v", err)
	}

	txHash, err := teocoin.NewTxHash(hash)
	if err != nil {
		test.Fatalf("tx hash: %v", err)
	}
	found, exists, err := store.FindDeposit(context.Background(), txHash)
	if err != nil {
		test.Fatalf("find deposit: %v", err)
	}
	if !exists || found.ID != first.ID {
		test.Fatalf("expected the first entry, got exists=%v id=%s", exists, found.ID)
	}
}

func TestHoldTerminalEntryIsUnique(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-g5")

	capture := teocoin.LedgerTransaction{
		UserID:    userID,
		Kind:      teocoin.KindHoldCapture,
		Amount:    decimal.Zero,
		HoldRef:   "hold-1",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertTransaction(context.Background(), &capture); err != nil {
		test.Fatalf("capture insert: %v", err)
	}
	release := teocoin.LedgerTransaction{
		UserID:    userID,
		Kind:      teocoin.KindHoldRelease,
		Amount:    mustDecimal(test, "3"),
		HoldRef:   "hold-1",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertTransaction(context.Background(), &release); !errors.Is(err, teocoin.ErrConflict) {
		test.Fatalf("expected ErrConflict on second terminal entry, got %v", err)
	}

	holdID, err := teocoin.NewHoldID("hold-1")
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}
	terminal, exists, err := store.FindHoldTerminal(context.Background(), holdID)
	if err != nil {
		test.Fatalf("find hold terminal: %v", err)
	}
	if !exists || terminal.Kind != teocoin.KindHoldCapture {
		test.Fatalf("expected the capture to win, got exists=%v kind=%s", exists, terminal.Kind)
	}
}

func TestUpdateWithdrawalStatusIsCompareAndSet(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	request := teocoin.WithdrawalRequest{
		UserID:    mustUserID(test, "user-g6"),
		Amount:    mustDecimal(test, "30"),
		Address:   mustAddress(test, "0xabcdef0123456789abcdef0123456789abcdef01"),
		Status:    teocoin.WithdrawalPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertWithdrawal(context.Background(), &request); err != nil {
		test.Fatalf("insert withdrawal: %v", err)
	}
	if err := store.UpdateWithdrawalStatus(context.Background(), request.ID, teocoin.WithdrawalPending, teocoin.WithdrawalProcessing); err != nil {
		test.Fatalf("first cas: %v", err)
	}
	err := store.UpdateWithdrawalStatus(context.Background(), request.ID, teocoin.WithdrawalPending, teocoin.WithdrawalCancelled)
	if !errors.Is(err, teocoin.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition on stale cas, got %v", err)
	}
	current, err := store.GetWithdrawal(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("get withdrawal: %v", err)
	}
	if current.Status != teocoin.WithdrawalProcessing {
		test.Fatalf("expected processing, got %s", current.Status)
	}
}

func TestSnapshotOrderIDIsUnique(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	orderID := mustOrderID(test, "local-order-g1")

	first := teocoin.DiscountSnapshot{
		OrderID:   orderID,
		CourseID:  "course-1",
		StudentID: mustUserID(test, "student-g1"),
		TeacherID: mustUserID(test, "teacher-g1"),
		Price:     mustDecimal(test, "90"),
		Source:    "local",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertSnapshot(context.Background(), &first); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	second := first
	second.ID = ""
	if err := store.InsertSnapshot(context.Background(), &second); !errors.Is(err, teocoin.ErrConflict) {
		test.Fatalf("expected ErrConflict on duplicate order, got %v", err)
	}
}

func TestSyntheticSnapshotAttachment(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	studentID := mustUserID(test, "student-g2")

	synthetic := teocoin.DiscountSnapshot{
		OrderID:   mustOrderID(test, "local-intent-g2"),
		CourseID:  "course-2",
		StudentID: studentID,
		TeacherID: mustUserID(test, "teacher-g2"),
		Price:     mustDecimal(test, "50"),
		Source:    "local",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertSnapshot(context.Background(), &synthetic); err != nil {
		test.Fatalf("insert: %v", err)
	}

	found, exists, err := store.FindSyntheticSnapshot(context.Background(), studentID, "course-2", "local-")
	if err != nil {
		test.Fatalf("find synthetic: %v", err)
	}
	if !exists || found.ID != synthetic.ID {
		test.Fatalf("expected the synthetic row, got exists=%v id=%s", exists, found.ID)
	}

	if err := store.AttachExternalTxn(context.Background(), synthetic.ID, "pi_g2"); err != nil {
		test.Fatalf("attach: %v", err)
	}
	// A second attach must lose: the slot is taken.
	if err := store.AttachExternalTxn(context.Background(), synthetic.ID, "pi_g3"); !errors.Is(err, teocoin.ErrConflict) {
		test.Fatalf("expected ErrConflict on second attach, got %v", err)
	}
	if _, exists, err = store.FindSyntheticSnapshot(context.Background(), studentID, "course-2", "local-"); err != nil {
		test.Fatalf("find after attach: %v", err)
	} else if exists {
		test.Fatal("claimed snapshot must no longer be offered")
	}
}

func TestAbsorptionOrderIDIsUnique(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	decision := teocoin.AbsorptionDecision{
		OrderID:     mustOrderID(test, "order-g3"),
		TeacherID:   mustUserID(test, "teacher-g3"),
		StudentID:   mustUserID(test, "student-g3"),
		CourseID:    "course-3",
		CoursePrice: mustDecimal(test, "90"),
		Status:      teocoin.AbsorptionPending,
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.InsertAbsorption(context.Background(), &decision); err != nil {
		test.Fatalf("insert: %v", err)
	}
	duplicate := decision
	duplicate.ID = ""
	if err := store.InsertAbsorption(context.Background(), &duplicate); !errors.Is(err, teocoin.ErrConflict) {
		test.Fatalf("expected ErrConflict on duplicate order, got %v", err)
	}

	found, exists, err := store.FindAbsorptionByOrder(context.Background(), decision.OrderID)
	if err != nil {
		test.Fatalf("find by order: %v", err)
	}
	if !exists || found.ID != decision.ID {
		test.Fatalf("expected the first decision, got exists=%v id=%s", exists, found.ID)
	}
}

func TestRegisterAddressMapsUser(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-g7")
	address := mustAddress(test, "0x3333333333333333333333333333333333333333")

	if err := store.RegisterAddress(context.Background(), userID, address); err != nil {
		test.Fatalf("register: %v", err)
	}
	if err := store.RegisterAddress(context.Background(), userID, address); !errors.Is(err, teocoin.ErrConflict) {
		test.Fatalf("expected ErrConflict on re-register, got %v", err)
	}

	mapped, exists, err := store.UserForAddress(context.Background(), address)
	if err != nil {
		test.Fatalf("user for address: %v", err)
	}
	if !exists || mapped != userID {
		test.Fatalf("expected %s, got exists=%v user=%s", userID, exists, mapped)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-g8")
	sentinel := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore teocoin.Store) error {
		entry := teocoin.LedgerTransaction{
			UserID:    userID,
			Kind:      teocoin.KindDeposit,
			Amount:    mustDecimal(test, "5"),
			CreatedAt: time.Now().UTC(),
		}
		if err := txStore.InsertTransaction(ctx, &entry); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected the sentinel, got %v", err)
	}
	entries, err := store.ListTransactions(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		test.Fatalf("rollback must discard the insert, got %d entries", len(entries))
	}
}

func TestListTransactionsNewestFirstWithLimit(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-g9")
	base := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	for index := 0; index < 3; index++ {
		entry := teocoin.LedgerTransaction{
			UserID:    userID,
			Kind:      teocoin.KindDeposit,
			Amount:    mustDecimal(test, "1"),
			CreatedAt: base.Add(time.Duration(index) * time.Minute),
		}
		if err := store.InsertTransaction(context.Background(), &entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}
	entries, err := store.ListTransactions(context.Background(), userID, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].CreatedAt.After(entries[1].CreatedAt) {
		test.Fatalf("expected newest first, got %v then %v", entries[0].CreatedAt, entries[1].CreatedAt)
	}
}

func TestWithdrawalStatisticsSumsExactly(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-g10")
	address := mustAddress(test, "0xabcdef0123456789abcdef0123456789abcdef01")

	amounts := []string{"10.1", "20.2"}
	for _, amount := range amounts {
		request := teocoin.WithdrawalRequest{
			UserID:    userID,
			Amount:    mustDecimal(test, amount),
			Address:   address,
			Status:    teocoin.WithdrawalCompleted,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.InsertWithdrawal(context.Background(), &request); err != nil {
			test.Fatalf("insert %s: %v", amount, err)
		}
	}
	stats, err := store.WithdrawalStatistics(context.Background())
	if err != nil {
		test.Fatalf("statistics: %v", err)
	}
	if !stats.TotalMinted.Equal(mustDecimal(test, "30.3")) {
		test.Fatalf("expected exact 30.3, got %s", stats.TotalMinted)
	}
	if stats.ByStatus[teocoin.WithdrawalCompleted].Count != 2 {
		test.Fatalf("expected 2 completed, got %+v", stats.ByStatus)
	}
}
