package withdraw

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PyZenMatt/lms-backend-sub001/internal/store/memstore"
	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

const (
	testAddress = "0xabcdef0123456789abcdef0123456789abcdef01"
	testHashRaw = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type stubChain struct {
	mintHash      teocoin.TxHash
	mintErr       error
	mintCalls     int
	receiptStatus teocoin.ReceiptStatus
	receiptErr    error
	findHash      teocoin.TxHash
	findOK        bool
	findErr       error
	rejectAddress bool
}

func (chain *stubChain) Mint(ctx context.Context, idempotencyKey string, to teocoin.Address, amount decimal.Decimal) (teocoin.TxHash, error) {
	chain.mintCalls++
	if chain.mintErr != nil {
		return teocoin.TxHash{}, chain.mintErr
	}
	return chain.mintHash, nil
}

func (chain *stubChain) Receipt(ctx context.Context, hash teocoin.TxHash) (teocoin.Receipt, error) {
	if chain.receiptErr != nil {
		return teocoin.Receipt{}, chain.receiptErr
	}
	return teocoin.Receipt{TxHash: hash, Status: chain.receiptStatus}, nil
}

func (chain *stubChain) FindMint(ctx context.Context, idempotencyKey string) (teocoin.TxHash, bool, error) {
	return chain.findHash, chain.findOK, chain.findErr
}

func (chain *stubChain) ValidateAddress(raw string) bool {
	return !chain.rejectAddress
}

func (chain *stubChain) TokenDecimals() int32 { return 18 }

func mustUserID(test *testing.T, raw string) teocoin.UserID {
	test.Helper()
	userID, err := teocoin.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func mustHash(test *testing.T, raw string) teocoin.TxHash {
	test.Helper()
	hash, err := teocoin.NewTxHash(raw)
	if err != nil {
		test.Fatalf("tx hash %q: %v", raw, err)
	}
	return hash
}

func fixedClock() time.Time {
	return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func defaultLimits() teocoin.WithdrawalLimits {
	return teocoin.DefaultConfig().Withdrawal
}

func mustNewService(test *testing.T, store teocoin.Store, chain teocoin.ChainAdapter, limits teocoin.WithdrawalLimits) *Service {
	test.Helper()
	service, err := NewService(store, chain, fixedClock, limits)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func seedBalance(test *testing.T, store teocoin.Store, userID teocoin.UserID, available string) {
	test.Helper()
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore teocoin.Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance.Available = mustDecimal(test, available)
		return txStore.SaveBalance(ctx, balance)
	})
	if err != nil {
		test.Fatalf("seed balance: %v", err)
	}
}

func mustBalance(test *testing.T, store teocoin.Store, userID teocoin.UserID) teocoin.Balance {
	test.Helper()
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	return balance
}

func TestRequestReservesBalance(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := mustNewService(test, store, &stubChain{}, defaultLimits())
	userID := mustUserID(test, "user-w1")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{IP: "10.0.0.1"})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if request.Status != teocoin.WithdrawalPending {
		test.Fatalf("expected pending, got %s", request.Status)
	}
	balance := mustBalance(test, store, userID)
	if !balance.Available.Equal(mustDecimal(test, "70")) {
		test.Fatalf("expected available 70, got %s", balance.Available)
	}
	if !balance.PendingWithdrawal.Equal(mustDecimal(test, "30")) {
		test.Fatalf("expected pending 30, got %s", balance.PendingWithdrawal)
	}
	entries, err := store.ListTransactions(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != teocoin.KindWithdrawalReserve {
		test.Fatalf("expected one withdrawal_reserve entry, got %+v", entries)
	}
	if !entries[0].Amount.Equal(mustDecimal(test, "-30")) {
		test.Fatalf("expected reserve amount -30, got %s", entries[0].Amount)
	}
}

func TestRequestRejectsAmountOutsideBounds(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := mustNewService(test, store, &stubChain{}, defaultLimits())
	userID := mustUserID(test, "user-w2")
	seedBalance(test, store, userID, "20000")

	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "9.99999999"), testAddress, RequestMeta{}); !errors.Is(err, teocoin.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount below minimum, got %v", err)
	}
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "10000.00000001"), testAddress, RequestMeta{}); !errors.Is(err, teocoin.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount above maximum, got %v", err)
	}
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "10"), testAddress, RequestMeta{}); err != nil {
		test.Fatalf("minimum amount rejected: %v", err)
	}
}

func TestRequestRejectsBadAddress(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	userID := mustUserID(test, "user-w3")
	seedBalance(test, store, userID, "100")

	service := mustNewService(test, store, &stubChain{}, defaultLimits())
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "20"), "0x123", RequestMeta{}); !errors.Is(err, teocoin.ErrInvalidAddress) {
		test.Fatalf("expected ErrInvalidAddress for malformed, got %v", err)
	}

	rejecting := mustNewService(test, store, &stubChain{rejectAddress: true}, defaultLimits())
	if _, err := rejecting.Request(context.Background(), userID, mustDecimal(test, "20"), testAddress, RequestMeta{}); !errors.Is(err, teocoin.ErrInvalidAddress) {
		test.Fatalf("expected ErrInvalidAddress from adapter, got %v", err)
	}
}

func TestRequestInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := mustNewService(test, store, &stubChain{}, defaultLimits())
	userID := mustUserID(test, "user-w4")
	seedBalance(test, store, userID, "15")

	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "16"), testAddress, RequestMeta{}); !errors.Is(err, teocoin.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	balance := mustBalance(test, store, userID)
	if !balance.Available.Equal(mustDecimal(test, "15")) || !balance.PendingWithdrawal.IsZero() {
		test.Fatalf("failed request must not move balance, got %+v", balance)
	}
}

func TestRequestEnforcesConcurrentLimit(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	limits := defaultLimits()
	limits.MaxConcurrent = 2
	service := mustNewService(test, store, &stubChain{}, limits)
	userID := mustUserID(test, "user-w5")
	seedBalance(test, store, userID, "1000")

	for index := 0; index < 2; index++ {
		if _, err := service.Request(context.Background(), userID, mustDecimal(test, "10"), testAddress, RequestMeta{}); err != nil {
			test.Fatalf("request %d: %v", index, err)
		}
	}
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "10"), testAddress, RequestMeta{}); !errors.Is(err, teocoin.ErrRateLimited) {
		test.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRequestEnforcesDailyCount(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	limits := defaultLimits()
	limits.DailyCount = 3
	limits.MaxConcurrent = 100
	service := mustNewService(test, store, &stubChain{}, limits)
	userID := mustUserID(test, "user-w6")
	seedBalance(test, store, userID, "1000")

	for index := 0; index < 3; index++ {
		if _, err := service.Request(context.Background(), userID, mustDecimal(test, "10"), testAddress, RequestMeta{}); err != nil {
			test.Fatalf("request %d: %v", index, err)
		}
	}
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "10"), testAddress, RequestMeta{}); !errors.Is(err, teocoin.ErrRateLimited) {
		test.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRequestEnforcesDailyAmount(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	limits := defaultLimits()
	limits.DailyAmount = mustDecimal(test, "100")
	limits.MaxConcurrent = 100
	service := mustNewService(test, store, &stubChain{}, limits)
	userID := mustUserID(test, "user-w7")
	seedBalance(test, store, userID, "1000")

	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "60"), testAddress, RequestMeta{}); err != nil {
		test.Fatalf("first request: %v", err)
	}
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "41"), testAddress, RequestMeta{}); !errors.Is(err, teocoin.ErrRateLimited) {
		test.Fatalf("expected ErrRateLimited over daily amount, got %v", err)
	}
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "40"), testAddress, RequestMeta{}); err != nil {
		test.Fatalf("request filling the daily amount exactly: %v", err)
	}
}

func TestProcessCompletesOnSuccess(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{mintHash: mustHash(test, testHashRaw), receiptStatus: teocoin.ReceiptSuccess}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w8")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	processed, err := service.Process(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if processed.Status != teocoin.WithdrawalCompleted {
		test.Fatalf("expected completed, got %s", processed.Status)
	}
	if processed.TxHash != testHashRaw {
		test.Fatalf("expected tx hash %s, got %s", testHashRaw, processed.TxHash)
	}
	balance := mustBalance(test, store, userID)
	if !balance.Available.Equal(mustDecimal(test, "70")) || !balance.PendingWithdrawal.IsZero() {
		test.Fatalf("expected {70, pending 0}, got %+v", balance)
	}
	entries, err := store.ListTransactions(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected reserve + complete entries, got %d", len(entries))
	}
	if entries[0].Kind != teocoin.KindWithdrawalComplete || !entries[0].Amount.IsZero() {
		test.Fatalf("expected zero-amount completion marker, got %+v", entries[0])
	}
}

func TestProcessRefundsOnChainFailure(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{mintHash: mustHash(test, testHashRaw), receiptStatus: teocoin.ReceiptFailed}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w9")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	processed, err := service.Process(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if processed.Status != teocoin.WithdrawalFailed {
		test.Fatalf("expected failed, got %s", processed.Status)
	}
	balance := mustBalance(test, store, userID)
	if !balance.Available.Equal(mustDecimal(test, "100")) || !balance.PendingWithdrawal.IsZero() {
		test.Fatalf("expected full refund, got %+v", balance)
	}
	entries, err := store.ListTransactions(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected reserve + refund entries, got %d", len(entries))
	}
	if entries[0].Kind != teocoin.KindWithdrawalRefund || !entries[0].Amount.Equal(mustDecimal(test, "30")) {
		test.Fatalf("expected +30 refund entry, got %+v", entries[0])
	}
	if entries[1].Kind != teocoin.KindWithdrawalReserve || !entries[1].Amount.Equal(mustDecimal(test, "-30")) {
		test.Fatalf("expected -30 reserve entry, got %+v", entries[1])
	}
}

func TestProcessStaysProcessingWhileReceiptPending(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{mintHash: mustHash(test, testHashRaw), receiptStatus: teocoin.ReceiptPending}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w10")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := service.Process(context.Background(), request.ID); !errors.Is(err, teocoin.ErrExternalUnavailable) {
		test.Fatalf("expected ErrExternalUnavailable, got %v", err)
	}
	current, err := store.GetWithdrawal(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("get withdrawal: %v", err)
	}
	if current.Status != teocoin.WithdrawalProcessing {
		test.Fatalf("expected request to stay processing, got %s", current.Status)
	}
	balance := mustBalance(test, store, userID)
	if !balance.PendingWithdrawal.Equal(mustDecimal(test, "30")) {
		test.Fatalf("pending must stay reserved while unresolved, got %s", balance.PendingWithdrawal)
	}
}

func TestProcessIsNoOpOnTerminalRequest(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{mintHash: mustHash(test, testHashRaw), receiptStatus: teocoin.ReceiptSuccess}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w11")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := service.Process(context.Background(), request.ID); err != nil {
		test.Fatalf("process: %v", err)
	}
	again, err := service.Process(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("repeat process: %v", err)
	}
	if again.Status != teocoin.WithdrawalCompleted {
		test.Fatalf("expected completed snapshot, got %s", again.Status)
	}
	if chain.mintCalls != 1 {
		test.Fatalf("repeat process must not mint again, got %d calls", chain.mintCalls)
	}
}

func TestCancelPendingRefundsReservation(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := mustNewService(test, store, &stubChain{}, defaultLimits())
	userID := mustUserID(test, "user-w12")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	refunded, err := service.Cancel(context.Background(), request.ID, userID)
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if !refunded.Equal(mustDecimal(test, "30")) {
		test.Fatalf("expected 30 refunded, got %s", refunded)
	}
	balance := mustBalance(test, store, userID)
	if !balance.Available.Equal(mustDecimal(test, "100")) || !balance.PendingWithdrawal.IsZero() {
		test.Fatalf("expected restored balance, got %+v", balance)
	}
}

func TestCancelByStrangerIsNotFound(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service := mustNewService(test, store, &stubChain{}, defaultLimits())
	owner := mustUserID(test, "user-w13")
	stranger := mustUserID(test, "user-w14")
	seedBalance(test, store, owner, "100")

	request, err := service.Request(context.Background(), owner, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := service.Cancel(context.Background(), request.ID, stranger); !errors.Is(err, teocoin.ErrNotFound) {
		test.Fatalf("expected ErrNotFound for stranger, got %v", err)
	}
}

func TestCancelAfterProcessingFails(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{mintHash: mustHash(test, testHashRaw), receiptStatus: teocoin.ReceiptSuccess}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w15")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := service.Process(context.Background(), request.ID); err != nil {
		test.Fatalf("process: %v", err)
	}
	if _, err := service.Cancel(context.Background(), request.ID, userID); !errors.Is(err, teocoin.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecoverResetsRequestWithoutMint(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{mintErr: errors.New("bridge down")}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w16")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := service.Process(context.Background(), request.ID); !errors.Is(err, teocoin.ErrExternalUnavailable) {
		test.Fatalf("expected mint failure, got %v", err)
	}

	report, err := service.Recover(context.Background(), 10)
	if err != nil {
		test.Fatalf("recover: %v", err)
	}
	if report.Reset != 1 {
		test.Fatalf("expected 1 reset, got %+v", report)
	}
	current, err := store.GetWithdrawal(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("get withdrawal: %v", err)
	}
	if current.Status != teocoin.WithdrawalPending {
		test.Fatalf("expected pending after reset, got %s", current.Status)
	}
}

func TestRecoverFinalizesFoundMint(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{
		mintErr:       errors.New("crash after submit"),
		findHash:      mustHash(test, testHashRaw),
		findOK:        true,
		receiptStatus: teocoin.ReceiptSuccess,
	}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w17")
	seedBalance(test, store, userID, "100")

	request, err := service.Request(context.Background(), userID, mustDecimal(test, "30"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := service.Process(context.Background(), request.ID); !errors.Is(err, teocoin.ErrExternalUnavailable) {
		test.Fatalf("expected mint failure, got %v", err)
	}

	report, err := service.Recover(context.Background(), 10)
	if err != nil {
		test.Fatalf("recover: %v", err)
	}
	if report.Finalized != 1 {
		test.Fatalf("expected 1 finalized, got %+v", report)
	}
	current, err := store.GetWithdrawal(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("get withdrawal: %v", err)
	}
	if current.Status != teocoin.WithdrawalCompleted {
		test.Fatalf("expected completed after recovery, got %s", current.Status)
	}
	balance := mustBalance(test, store, userID)
	if !balance.Available.Equal(mustDecimal(test, "70")) || !balance.PendingWithdrawal.IsZero() {
		test.Fatalf("expected settled balance, got %+v", balance)
	}
}

func TestStatisticsGroupsByStatus(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	chain := &stubChain{mintHash: mustHash(test, testHashRaw), receiptStatus: teocoin.ReceiptSuccess}
	service := mustNewService(test, store, chain, defaultLimits())
	userID := mustUserID(test, "user-w18")
	seedBalance(test, store, userID, "1000")

	completed, err := service.Request(context.Background(), userID, mustDecimal(test, "40"), testAddress, RequestMeta{})
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := service.Process(context.Background(), completed.ID); err != nil {
		test.Fatalf("process: %v", err)
	}
	if _, err := service.Request(context.Background(), userID, mustDecimal(test, "25"), testAddress, RequestMeta{}); err != nil {
		test.Fatalf("second request: %v", err)
	}

	stats, err := service.Statistics(context.Background())
	if err != nil {
		test.Fatalf("statistics: %v", err)
	}
	if stats.ByStatus[teocoin.WithdrawalCompleted].Count != 1 {
		test.Fatalf("expected 1 completed, got %+v", stats.ByStatus)
	}
	if stats.ByStatus[teocoin.WithdrawalPending].Count != 1 {
		test.Fatalf("expected 1 pending, got %+v", stats.ByStatus)
	}
	if !stats.TotalMinted.Equal(mustDecimal(test, "40")) {
		test.Fatalf("expected 40 minted, got %s", stats.TotalMinted)
	}
}
