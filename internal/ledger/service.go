package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

const (
	operationCredit  = "credit"
	operationDebit   = "debit"
	operationStake   = "stake"
	operationUnstake = "unstake"
	operationHold    = "hold"
	operationCapture = "capture"
	operationRelease = "release"
)

// StakingPredicate decides whether a user's role permits staking. The
// "students cannot stake" rule is policy, so it is injected rather than
// hard-wired into the ledger.
type StakingPredicate func(ctx context.Context, userID teocoin.UserID) (bool, error)

var creditKinds = map[teocoin.TransactionKind]struct{}{
	teocoin.KindCredit:           {},
	teocoin.KindDeposit:          {},
	teocoin.KindReward:           {},
	teocoin.KindAbsorptionPayout: {},
}

var debitKinds = map[teocoin.TransactionKind]struct{}{
	teocoin.KindDebit:         {},
	teocoin.KindDiscountSpend: {},
}

// EntryMeta carries optional references attached to a ledger transaction.
type EntryMeta struct {
	CourseID string
	TxHash   string
	SourceID string
	Metadata string
}

// Service is the ledger store front: serialized balance mutation plus the
// two-phase hold primitive. Every mutation locks the user's balance row and
// re-checks its preconditions after the lock is held.
type Service struct {
	store    teocoin.Store
	nowFn    teocoin.Clock
	canStake StakingPredicate
	logger   *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger wires a structured logger for operation outcomes.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStakingPredicate wires the role policy consulted by Stake and Unstake.
func WithStakingPredicate(predicate StakingPredicate) ServiceOption {
	return func(service *Service) {
		service.canStake = predicate
	}
}

// NewService wires a Service.
func NewService(store teocoin.Store, now teocoin.Clock, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Credit adds to the user's available balance and appends a ledger entry.
// The balance row is created lazily on first credit.
func (service *Service) Credit(ctx context.Context, userID teocoin.UserID, amount decimal.Decimal, kind teocoin.TransactionKind, description string, meta EntryMeta) (teocoin.LedgerTransaction, error) {
	validated, err := teocoin.NewTokenAmount(amount)
	if err != nil {
		return teocoin.LedgerTransaction{}, err
	}
	if kind == "" {
		kind = teocoin.KindCredit
	}
	if _, ok := creditKinds[kind]; !ok {
		return teocoin.LedgerTransaction{}, fmt.Errorf("%w: %q is not a crediting kind", teocoin.ErrInvalidTransactionKind, kind)
	}
	var out teocoin.LedgerTransaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance.Available = balance.Available.Add(validated)
		balance.UpdatedAt = service.nowFn()
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		transaction := teocoin.LedgerTransaction{
			UserID:      userID,
			Kind:        kind,
			Amount:      validated,
			Description: description,
			CourseID:    meta.CourseID,
			TxHash:      meta.TxHash,
			SourceID:    meta.SourceID,
			Metadata:    meta.Metadata,
			CreatedAt:   service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, &transaction); err != nil {
			return err
		}
		out = transaction
		return nil
	})
	service.logOperation(operationCredit, userID, validated, operationError)
	return out, operationError
}

// Debit subtracts from the user's available balance. The available check is
// performed after the row lock is acquired so that concurrent debits cannot
// both observe a stale balance.
func (service *Service) Debit(ctx context.Context, userID teocoin.UserID, amount decimal.Decimal, kind teocoin.TransactionKind, description string, meta EntryMeta) (teocoin.LedgerTransaction, error) {
	validated, err := teocoin.NewTokenAmount(amount)
	if err != nil {
		return teocoin.LedgerTransaction{}, err
	}
	if kind == "" {
		kind = teocoin.KindDebit
	}
	if _, ok := debitKinds[kind]; !ok {
		return teocoin.LedgerTransaction{}, fmt.Errorf("%w: %q is not a debiting kind", teocoin.ErrInvalidTransactionKind, kind)
	}
	var out teocoin.LedgerTransaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.Available.LessThan(validated) {
			return teocoin.ErrInsufficientBalance
		}
		balance.Available = balance.Available.Sub(validated)
		balance.UpdatedAt = service.nowFn()
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		transaction := teocoin.LedgerTransaction{
			UserID:      userID,
			Kind:        kind,
			Amount:      validated.Neg(),
			Description: description,
			CourseID:    meta.CourseID,
			TxHash:      meta.TxHash,
			SourceID:    meta.SourceID,
			Metadata:    meta.Metadata,
			CreatedAt:   service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, &transaction); err != nil {
			return err
		}
		out = transaction
		return nil
	})
	service.logOperation(operationDebit, userID, validated, operationError)
	return out, operationError
}

// Stake moves tokens from available to staked. The entry amount is the
// signed effect on available (negative); the category move nets to zero on
// the user's total.
func (service *Service) Stake(ctx context.Context, userID teocoin.UserID, amount decimal.Decimal) error {
	validated, err := teocoin.NewTokenAmount(amount)
	if err != nil {
		return err
	}
	if err := service.checkStakingAllowed(ctx, userID); err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.Available.LessThan(validated) {
			return teocoin.ErrInsufficientBalance
		}
		balance.Available = balance.Available.Sub(validated)
		balance.Staked = balance.Staked.Add(validated)
		balance.UpdatedAt = service.nowFn()
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		transaction := teocoin.LedgerTransaction{
			UserID:      userID,
			Kind:        teocoin.KindStake,
			Amount:      validated.Neg(),
			Description: fmt.Sprintf("stake %s TEO", validated.String()),
			CreatedAt:   service.nowFn(),
		}
		return txStore.InsertTransaction(ctx, &transaction)
	})
	service.logOperation(operationStake, userID, validated, operationError)
	return operationError
}

// Unstake moves tokens from staked back to available.
func (service *Service) Unstake(ctx context.Context, userID teocoin.UserID, amount decimal.Decimal) error {
	validated, err := teocoin.NewTokenAmount(amount)
	if err != nil {
		return err
	}
	if err := service.checkStakingAllowed(ctx, userID); err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.Staked.LessThan(validated) {
			return teocoin.ErrInsufficientBalance
		}
		balance.Staked = balance.Staked.Sub(validated)
		balance.Available = balance.Available.Add(validated)
		balance.UpdatedAt = service.nowFn()
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		transaction := teocoin.LedgerTransaction{
			UserID:      userID,
			Kind:        teocoin.KindUnstake,
			Amount:      validated,
			Description: fmt.Sprintf("unstake %s TEO", validated.String()),
			CreatedAt:   service.nowFn(),
		}
		return txStore.InsertTransaction(ctx, &transaction)
	})
	service.logOperation(operationUnstake, userID, validated, operationError)
	return operationError
}

// Balance returns a committed snapshot of the user's balance.
func (service *Service) Balance(ctx context.Context, userID teocoin.UserID) (teocoin.Balance, error) {
	return service.store.GetBalance(ctx, userID)
}

// History lists the user's ledger transactions, newest first.
func (service *Service) History(ctx context.Context, userID teocoin.UserID, limit int) ([]teocoin.LedgerTransaction, error) {
	return service.store.ListTransactions(ctx, userID, limit)
}

// Reconcile rebuilds the balance from the ledger and compares it against the
// materialized row. Available is the sum of all signed amounts; staked is the
// negated sum of stake/unstake moves; pending_withdrawal is the sum of
// amounts over requests still in flight.
func (service *Service) Reconcile(ctx context.Context, userID teocoin.UserID) (teocoin.ReconcileReport, error) {
	var report teocoin.ReconcileReport
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		stored, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		transactions, err := txStore.ListTransactions(ctx, userID, 0)
		if err != nil {
			return err
		}
		available := decimal.Zero
		stakeMoves := decimal.Zero
		for _, transaction := range transactions {
			available = available.Add(transaction.Amount)
			if transaction.Kind.MovesCategory() {
				stakeMoves = stakeMoves.Add(transaction.Amount)
			}
		}
		withdrawals, err := txStore.ListWithdrawalsSince(ctx, userID, time.Time{})
		if err != nil {
			return err
		}
		pending := decimal.Zero
		for _, request := range withdrawals {
			if request.Status == teocoin.WithdrawalPending || request.Status == teocoin.WithdrawalProcessing {
				pending = pending.Add(request.Amount)
			}
		}
		rebuilt := teocoin.Balance{
			UserID:            userID,
			Available:         available,
			Staked:            stakeMoves.Neg(),
			PendingWithdrawal: pending,
			UpdatedAt:         stored.UpdatedAt,
		}
		report = teocoin.ReconcileReport{
			UserID:  userID,
			Stored:  stored,
			Rebuilt: rebuilt,
			Balanced: stored.Available.Equal(rebuilt.Available) &&
				stored.Staked.Equal(rebuilt.Staked) &&
				stored.PendingWithdrawal.Equal(rebuilt.PendingWithdrawal),
		}
		return nil
	})
	return report, operationError
}

// StakingOverview resolves the user's staking position against the tier
// table.
func (service *Service) StakingOverview(ctx context.Context, userID teocoin.UserID, tiers teocoin.TierTable) (teocoin.StakingOverview, error) {
	balance, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return teocoin.StakingOverview{}, err
	}
	return tiers.OverviewFor(userID, balance.Staked), nil
}

func (service *Service) checkStakingAllowed(ctx context.Context, userID teocoin.UserID) error {
	if service.canStake == nil {
		return nil
	}
	allowed, err := service.canStake(ctx, userID)
	if err != nil {
		return err
	}
	if !allowed {
		return teocoin.ErrStakingDisallowed
	}
	return nil
}

func (service *Service) logOperation(operation string, userID teocoin.UserID, amount decimal.Decimal, err error) {
	if service.logger == nil {
		return
	}
	if err != nil {
		service.logger.Warn("ledger operation failed",
			zap.String("operation", operation),
			zap.String("user_id", userID.String()),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return
	}
	service.logger.Info("ledger operation",
		zap.String("operation", operation),
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.String()))
}
