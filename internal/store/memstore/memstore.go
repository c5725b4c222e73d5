// Package memstore provides an in-memory teocoin.Store used by tests and the
// demo tooling. Transactions take a coarse lock and roll back by restoring a
// deep copy, which models the serialization the relational store gets from
// row locks.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

// Store implements teocoin.Store against process memory.
type Store struct {
	mu    *sync.Mutex
	inTx  bool
	state *state
}

type state struct {
	balances    map[string]teocoin.Balance
	txns        []teocoin.LedgerTransaction
	withdrawals map[string]teocoin.WithdrawalRequest
	snapshots   map[string]teocoin.DiscountSnapshot
	absorptions map[string]teocoin.AbsorptionDecision
	addresses   map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		mu: &sync.Mutex{},
		state: &state{
			balances:    make(map[string]teocoin.Balance),
			withdrawals: make(map[string]teocoin.WithdrawalRequest),
			snapshots:   make(map[string]teocoin.DiscountSnapshot),
			absorptions: make(map[string]teocoin.AbsorptionDecision),
			addresses:   make(map[string]string),
		},
	}
}

func (store *Store) lockIfNeeded() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

// WithTx serializes on the store mutex and restores a snapshot when fn fails.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore teocoin.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	txStore := &Store{mu: store.mu, inTx: true, state: store.state}
	if err := fn(ctx, txStore); err != nil {
		*store.state = *snapshot
		return err
	}
	return nil
}

func (store *Store) LockBalance(ctx context.Context, userID teocoin.UserID) (teocoin.Balance, error) {
	defer store.lockIfNeeded()()
	balance, ok := store.state.balances[userID.String()]
	if !ok {
		balance = zeroBalance(userID)
		store.state.balances[userID.String()] = balance
	}
	return balance, nil
}

func (store *Store) GetBalance(ctx context.Context, userID teocoin.UserID) (teocoin.Balance, error) {
	defer store.lockIfNeeded()()
	balance, ok := store.state.balances[userID.String()]
	if !ok {
		return zeroBalance(userID), nil
	}
	return balance, nil
}

func (store *Store) SaveBalance(ctx context.Context, balance teocoin.Balance) error {
	defer store.lockIfNeeded()()
	if _, ok := store.state.balances[balance.UserID.String()]; !ok {
		return fmt.Errorf("save balance %q: %w", balance.UserID.String(), teocoin.ErrNotFound)
	}
	store.state.balances[balance.UserID.String()] = balance
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction *teocoin.LedgerTransaction) error {
	defer store.lockIfNeeded()()
	for _, existing := range store.state.txns {
		if transaction.DepositTxHash != "" && existing.DepositTxHash == transaction.DepositTxHash {
			return fmt.Errorf("insert transaction: %w", teocoin.ErrConflict)
		}
		if transaction.HoldRef != "" && existing.HoldRef == transaction.HoldRef {
			return fmt.Errorf("insert transaction: %w", teocoin.ErrConflict)
		}
	}
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	if transaction.CreatedAt.IsZero() {
		transaction.CreatedAt = time.Now().UTC()
	}
	store.state.txns = append(store.state.txns, *transaction)
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, id string) (teocoin.LedgerTransaction, error) {
	defer store.lockIfNeeded()()
	for _, transaction := range store.state.txns {
		if transaction.ID == id {
			return transaction, nil
		}
	}
	return teocoin.LedgerTransaction{}, fmt.Errorf("get transaction %q: %w", id, teocoin.ErrNotFound)
}

func (store *Store) ListTransactions(ctx context.Context, userID teocoin.UserID, limit int) ([]teocoin.LedgerTransaction, error) {
	defer store.lockIfNeeded()()
	var matched []teocoin.LedgerTransaction
	for index := len(store.state.txns) - 1; index >= 0; index-- {
		transaction := store.state.txns[index]
		if transaction.UserID != userID {
			continue
		}
		matched = append(matched, transaction)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *Store) FindDeposit(ctx context.Context, hash teocoin.TxHash) (teocoin.LedgerTransaction, bool, error) {
	defer store.lockIfNeeded()()
	for _, transaction := range store.state.txns {
		if transaction.DepositTxHash == hash.String() {
			return transaction, true, nil
		}
	}
	return teocoin.LedgerTransaction{}, false, nil
}

func (store *Store) FindHoldTerminal(ctx context.Context, holdID teocoin.HoldID) (teocoin.LedgerTransaction, bool, error) {
	defer store.lockIfNeeded()()
	for _, transaction := range store.state.txns {
		if transaction.HoldRef == holdID.String() {
			return transaction, true, nil
		}
	}
	return teocoin.LedgerTransaction{}, false, nil
}

func (store *Store) InsertWithdrawal(ctx context.Context, request *teocoin.WithdrawalRequest) error {
	defer store.lockIfNeeded()()
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}
	if _, ok := store.state.withdrawals[request.ID]; ok {
		return fmt.Errorf("insert withdrawal: %w", teocoin.ErrConflict)
	}
	store.state.withdrawals[request.ID] = *request
	return nil
}

func (store *Store) GetWithdrawal(ctx context.Context, id string) (teocoin.WithdrawalRequest, error) {
	defer store.lockIfNeeded()()
	request, ok := store.state.withdrawals[id]
	if !ok {
		return teocoin.WithdrawalRequest{}, fmt.Errorf("get withdrawal %q: %w", id, teocoin.ErrNotFound)
	}
	return request, nil
}

func (store *Store) SaveWithdrawal(ctx context.Context, request teocoin.WithdrawalRequest) error {
	defer store.lockIfNeeded()()
	if _, ok := store.state.withdrawals[request.ID]; !ok {
		return fmt.Errorf("save withdrawal %q: %w", request.ID, teocoin.ErrNotFound)
	}
	store.state.withdrawals[request.ID] = request
	return nil
}

func (store *Store) UpdateWithdrawalStatus(ctx context.Context, id string, from, to teocoin.WithdrawalStatus) error {
	defer store.lockIfNeeded()()
	request, ok := store.state.withdrawals[id]
	if !ok || request.Status != from {
		return fmt.Errorf("update withdrawal %q %s->%s: %w", id, from, to, teocoin.ErrInvalidTransition)
	}
	request.Status = to
	store.state.withdrawals[id] = request
	return nil
}

func (store *Store) ListWithdrawalsByStatus(ctx context.Context, status teocoin.WithdrawalStatus, limit int) ([]teocoin.WithdrawalRequest, error) {
	defer store.lockIfNeeded()()
	var matched []teocoin.WithdrawalRequest
	for _, request := range store.state.withdrawals {
		if request.Status == status {
			matched = append(matched, request)
		}
	}
	sortWithdrawals(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *Store) ListWithdrawalsSince(ctx context.Context, userID teocoin.UserID, since time.Time) ([]teocoin.WithdrawalRequest, error) {
	defer store.lockIfNeeded()()
	var matched []teocoin.WithdrawalRequest
	for _, request := range store.state.withdrawals {
		if request.UserID != userID {
			continue
		}
		if !since.IsZero() && request.CreatedAt.Before(since) {
			continue
		}
		matched = append(matched, request)
	}
	sortWithdrawals(matched)
	return matched, nil
}

func (store *Store) CountActiveWithdrawals(ctx context.Context, userID teocoin.UserID) (int, error) {
	defer store.lockIfNeeded()()
	count := 0
	for _, request := range store.state.withdrawals {
		if request.UserID != userID {
			continue
		}
		if request.Status == teocoin.WithdrawalPending || request.Status == teocoin.WithdrawalProcessing {
			count++
		}
	}
	return count, nil
}

func (store *Store) WithdrawalStatistics(ctx context.Context) (teocoin.WithdrawalStats, error) {
	defer store.lockIfNeeded()()
	stats := teocoin.WithdrawalStats{
		ByStatus:    make(map[teocoin.WithdrawalStatus]teocoin.WithdrawalBucket),
		TotalMinted: decimal.Zero,
	}
	for _, request := range store.state.withdrawals {
		bucket := stats.ByStatus[request.Status]
		bucket.Count++
		bucket.Amount = bucket.Amount.Add(request.Amount)
		stats.ByStatus[request.Status] = bucket
		if request.Status == teocoin.WithdrawalCompleted {
			stats.TotalMinted = stats.TotalMinted.Add(request.Amount)
		}
	}
	return stats, nil
}

func (store *Store) InsertSnapshot(ctx context.Context, snapshot *teocoin.DiscountSnapshot) error {
	defer store.lockIfNeeded()()
	for _, existing := range store.state.snapshots {
		if existing.OrderID == snapshot.OrderID {
			return fmt.Errorf("insert snapshot: %w", teocoin.ErrConflict)
		}
	}
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	store.state.snapshots[snapshot.ID] = *snapshot
	return nil
}

func (store *Store) GetSnapshotByOrderID(ctx context.Context, orderID teocoin.OrderID) (teocoin.DiscountSnapshot, bool, error) {
	defer store.lockIfNeeded()()
	for _, snapshot := range store.state.snapshots {
		if snapshot.OrderID == orderID {
			return snapshot, true, nil
		}
	}
	return teocoin.DiscountSnapshot{}, false, nil
}

func (store *Store) FindSyntheticSnapshot(ctx context.Context, studentID teocoin.UserID, courseID string, localPrefix string) (teocoin.DiscountSnapshot, bool, error) {
	defer store.lockIfNeeded()()
	var best teocoin.DiscountSnapshot
	found := false
	for _, snapshot := range store.state.snapshots {
		if snapshot.StudentID != studentID || snapshot.CourseID != courseID {
			continue
		}
		if !strings.HasPrefix(snapshot.OrderID.String(), localPrefix) {
			continue
		}
		if snapshot.ExternalTxnID != "" {
			continue
		}
		if !found || snapshot.CreatedAt.After(best.CreatedAt) {
			best = snapshot
			found = true
		}
	}
	return best, found, nil
}

func (store *Store) AttachExternalTxn(ctx context.Context, snapshotID string, externalTxnID string) error {
	defer store.lockIfNeeded()()
	snapshot, ok := store.state.snapshots[snapshotID]
	if !ok || snapshot.ExternalTxnID != "" {
		return fmt.Errorf("attach external txn to %q: %w", snapshotID, teocoin.ErrConflict)
	}
	snapshot.ExternalTxnID = externalTxnID
	store.state.snapshots[snapshotID] = snapshot
	return nil
}

func (store *Store) InsertAbsorption(ctx context.Context, decision *teocoin.AbsorptionDecision) error {
	defer store.lockIfNeeded()()
	for _, existing := range store.state.absorptions {
		if existing.OrderID == decision.OrderID {
			return fmt.Errorf("insert absorption: %w", teocoin.ErrConflict)
		}
	}
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}
	store.state.absorptions[decision.ID] = *decision
	return nil
}

func (store *Store) GetAbsorption(ctx context.Context, id string) (teocoin.AbsorptionDecision, error) {
	defer store.lockIfNeeded()()
	decision, ok := store.state.absorptions[id]
	if !ok {
		return teocoin.AbsorptionDecision{}, fmt.Errorf("get absorption %q: %w", id, teocoin.ErrNotFound)
	}
	return decision, nil
}

func (store *Store) GetAbsorptionForUpdate(ctx context.Context, id string) (teocoin.AbsorptionDecision, error) {
	return store.GetAbsorption(ctx, id)
}

func (store *Store) SaveAbsorption(ctx context.Context, decision teocoin.AbsorptionDecision) error {
	defer store.lockIfNeeded()()
	if _, ok := store.state.absorptions[decision.ID]; !ok {
		return fmt.Errorf("save absorption %q: %w", decision.ID, teocoin.ErrNotFound)
	}
	store.state.absorptions[decision.ID] = decision
	return nil
}

func (store *Store) FindAbsorptionByOrder(ctx context.Context, orderID teocoin.OrderID) (teocoin.AbsorptionDecision, bool, error) {
	defer store.lockIfNeeded()()
	for _, decision := range store.state.absorptions {
		if decision.OrderID == orderID {
			return decision, true, nil
		}
	}
	return teocoin.AbsorptionDecision{}, false, nil
}

func (store *Store) ListAbsorptionsByTeacher(ctx context.Context, teacherID teocoin.UserID, status teocoin.AbsorptionStatus, limit int) ([]teocoin.AbsorptionDecision, error) {
	defer store.lockIfNeeded()()
	var matched []teocoin.AbsorptionDecision
	for _, decision := range store.state.absorptions {
		if decision.TeacherID != teacherID {
			continue
		}
		if status != "" && decision.Status != status {
			continue
		}
		matched = append(matched, decision)
	}
	sort.Slice(matched, func(left, right int) bool {
		return matched[left].CreatedAt.After(matched[right].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *Store) ListExpiredPendingAbsorptions(ctx context.Context, now time.Time, limit int) ([]teocoin.AbsorptionDecision, error) {
	defer store.lockIfNeeded()()
	var matched []teocoin.AbsorptionDecision
	for _, decision := range store.state.absorptions {
		if decision.Status == teocoin.AbsorptionPending && !now.Before(decision.ExpiresAt) {
			matched = append(matched, decision)
		}
	}
	sort.Slice(matched, func(left, right int) bool {
		return matched[left].ExpiresAt.Before(matched[right].ExpiresAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *Store) AbsorptionStatistics(ctx context.Context, teacherID teocoin.UserID, since time.Time) (teocoin.AbsorptionStats, error) {
	defer store.lockIfNeeded()()
	stats := teocoin.AbsorptionStats{
		TotalTeacherEUR: decimal.Zero,
		TotalTeacherTEO: decimal.Zero,
	}
	for _, decision := range store.state.absorptions {
		if decision.TeacherID != teacherID {
			continue
		}
		if !since.IsZero() && decision.CreatedAt.Before(since) {
			continue
		}
		switch decision.Status {
		case teocoin.AbsorptionPending:
			stats.Pending++
		case teocoin.AbsorptionAbsorbed:
			stats.Absorbed++
		case teocoin.AbsorptionRefused:
			stats.Refused++
		case teocoin.AbsorptionExpired:
			stats.Expired++
		}
		if decision.Status.Terminal() {
			stats.TotalTeacherEUR = stats.TotalTeacherEUR.Add(decision.FinalTeacherEUR)
			stats.TotalTeacherTEO = stats.TotalTeacherTEO.Add(decision.FinalTeacherTEO)
		}
	}
	return stats, nil
}

func (store *Store) UserForAddress(ctx context.Context, address teocoin.Address) (teocoin.UserID, bool, error) {
	defer store.lockIfNeeded()()
	raw, ok := store.state.addresses[address.String()]
	if !ok {
		return teocoin.UserID{}, false, nil
	}
	userID, err := teocoin.NewUserID(raw)
	if err != nil {
		return teocoin.UserID{}, false, err
	}
	return userID, true, nil
}

func (store *Store) RegisterAddress(ctx context.Context, userID teocoin.UserID, address teocoin.Address) error {
	defer store.lockIfNeeded()()
	if _, ok := store.state.addresses[address.String()]; ok {
		return fmt.Errorf("register address %q: %w", address.String(), teocoin.ErrConflict)
	}
	store.state.addresses[address.String()] = userID.String()
	return nil
}

func zeroBalance(userID teocoin.UserID) teocoin.Balance {
	return teocoin.Balance{
		UserID:            userID,
		Available:         decimal.Zero,
		Staked:            decimal.Zero,
		PendingWithdrawal: decimal.Zero,
		UpdatedAt:         time.Now().UTC(),
	}
}

func sortWithdrawals(requests []teocoin.WithdrawalRequest) {
	sort.Slice(requests, func(left, right int) bool {
		return requests[left].CreatedAt.Before(requests[right].CreatedAt)
	})
}

func (snapshot *state) clone() *state {
	copied := &state{
		balances:    make(map[string]teocoin.Balance, len(snapshot.balances)),
		txns:        append([]teocoin.LedgerTransaction(nil), snapshot.txns...),
		withdrawals: make(map[string]teocoin.WithdrawalRequest, len(snapshot.withdrawals)),
		snapshots:   make(map[string]teocoin.DiscountSnapshot, len(snapshot.snapshots)),
		absorptions: make(map[string]teocoin.AbsorptionDecision, len(snapshot.absorptions)),
		addresses:   make(map[string]string, len(snapshot.addresses)),
	}
	for key, value := range snapshot.balances {
		copied.balances[key] = value
	}
	for key, value := range snapshot.withdrawals {
		copied.withdrawals[key] = value
	}
	for key, value := range snapshot.snapshots {
		copied.snapshots[key] = value
	}
	for key, value := range snapshot.absorptions {
		copied.absorptions[key] = value
	}
	for key, value := range snapshot.addresses {
		copied.addresses[key] = value
	}
	return copied
}
