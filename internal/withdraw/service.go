package withdraw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

const (
	operationRequest = "request"
	operationProcess = "process"
	operationCancel  = "cancel"
	operationRecover = "recover"

	notifyKindRequested = "withdrawal_requested"
	notifyKindCompleted = "withdrawal_completed"
	notifyKindFailed    = "withdrawal_failed"
	notifyKindCancelled = "withdrawal_cancelled"
)

// RequestMeta carries client metadata persisted with a withdrawal request.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// RecoveryReport summarizes one reconciliation pass over in-flight requests.
type RecoveryReport struct {
	Finalized int
	Refunded  int
	Reset     int
	Skipped   int
}

// Service drives the withdrawal lifecycle: reserve available balance, mint on
// chain, settle or refund. Status transitions are compare-and-set so that a
// racing cancel and process resolve deterministically, and the chain adapter
// is never invoked while a row lock is held.
type Service struct {
	store    teocoin.Store
	chain    teocoin.ChainAdapter
	notifier teocoin.Notifier
	nowFn    teocoin.Clock
	limits   teocoin.WithdrawalLimits
	logger   *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the fire-and-forget notifier.
func WithNotifier(notifier teocoin.Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// NewService wires a Service.
func NewService(store teocoin.Store, chain teocoin.ChainAdapter, now teocoin.Clock, limits teocoin.WithdrawalLimits, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	if chain == nil {
		return nil, fmt.Errorf("%w: chain adapter dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	service := &Service{store: store, chain: chain, nowFn: now, limits: limits}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Request validates limits, reserves the amount out of available balance, and
// persists a pending withdrawal. The reservation and the ledger entry commit
// atomically; the available check is repeated after the balance row lock.
func (service *Service) Request(ctx context.Context, userID teocoin.UserID, amount decimal.Decimal, addressRaw string, meta RequestMeta) (teocoin.WithdrawalRequest, error) {
	validated, err := teocoin.NewTokenAmount(amount)
	if err != nil {
		return teocoin.WithdrawalRequest{}, err
	}
	if validated.LessThan(service.limits.MinAmount) || validated.GreaterThan(service.limits.MaxAmount) {
		return teocoin.WithdrawalRequest{}, fmt.Errorf("%w: amount outside [%s, %s]",
			teocoin.ErrInvalidAmount, service.limits.MinAmount.String(), service.limits.MaxAmount.String())
	}
	address, err := teocoin.NewAddress(addressRaw)
	if err != nil {
		return teocoin.WithdrawalRequest{}, err
	}
	if !service.chain.ValidateAddress(address.String()) {
		return teocoin.WithdrawalRequest{}, fmt.Errorf("%w: rejected by chain adapter", teocoin.ErrInvalidAddress)
	}

	var request teocoin.WithdrawalRequest
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		if err := service.checkRateLimits(ctx, txStore, userID, validated); err != nil {
			return err
		}
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.Available.LessThan(validated) {
			return teocoin.ErrInsufficientBalance
		}
		now := service.nowFn()
		balance.Available = balance.Available.Sub(validated)
		balance.PendingWithdrawal = balance.PendingWithdrawal.Add(validated)
		balance.UpdatedAt = now
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		request = teocoin.WithdrawalRequest{
			UserID:    userID,
			Amount:    validated,
			Address:   address,
			Status:    teocoin.WithdrawalPending,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
			CreatedAt: now,
		}
		if err := txStore.InsertWithdrawal(ctx, &request); err != nil {
			return err
		}
		reserve := teocoin.LedgerTransaction{
			UserID:      userID,
			Kind:        teocoin.KindWithdrawalReserve,
			Amount:      validated.Neg(),
			Description: fmt.Sprintf("withdrawal %s reserved", request.ID),
			SourceID:    request.ID,
			CreatedAt:   now,
		}
		return txStore.InsertTransaction(ctx, &reserve)
	})
	service.logOperation(operationRequest, request.ID, userID, validated, operationError)
	if operationError != nil {
		return teocoin.WithdrawalRequest{}, operationError
	}
	service.notify(ctx, userID, notifyKindRequested, map[string]any{
		"withdrawal_id": request.ID,
		"amount":        validated.String(),
		"address":       address.String(),
	})
	return request, nil
}

// Process drives a pending request to a terminal state. Calls observing a
// status other than pending are no-ops returning the current snapshot. A
// mint or receipt failure of the external kind leaves the request in
// processing for the recovery pass; only an explicit on-chain failure
// refunds.
func (service *Service) Process(ctx context.Context, id string) (teocoin.WithdrawalRequest, error) {
	request, err := service.store.GetWithdrawal(ctx, id)
	if err != nil {
		return teocoin.WithdrawalRequest{}, err
	}
	if request.Status != teocoin.WithdrawalPending {
		return request, nil
	}
	if err := service.store.UpdateWithdrawalStatus(ctx, id, teocoin.WithdrawalPending, teocoin.WithdrawalProcessing); err != nil {
		if errors.Is(err, teocoin.ErrInvalidTransition) {
			// Lost the CAS to a concurrent processor or cancel.
			return service.store.GetWithdrawal(ctx, id)
		}
		return teocoin.WithdrawalRequest{}, err
	}
	now := service.nowFn()
	request.Status = teocoin.WithdrawalProcessing
	request.ProcessedAt = &now
	if err := service.store.SaveWithdrawal(ctx, request); err != nil {
		return teocoin.WithdrawalRequest{}, err
	}

	hash, err := service.chain.Mint(ctx, request.ID, request.Address, request.Amount)
	if err != nil {
		service.logOperation(operationProcess, request.ID, request.UserID, request.Amount, err)
		return request, fmt.Errorf("%w: mint: %v", teocoin.ErrExternalUnavailable, err)
	}
	return service.settle(ctx, request, hash)
}

// settle fetches the receipt for a mint and finalizes or refunds. A receipt
// that is not yet mined keeps the request in processing; refunding here would
// double-spend if the mint later succeeds.
func (service *Service) settle(ctx context.Context, request teocoin.WithdrawalRequest, hash teocoin.TxHash) (teocoin.WithdrawalRequest, error) {
	receipt, err := service.chain.Receipt(ctx, hash)
	if err != nil {
		service.logOperation(operationProcess, request.ID, request.UserID, request.Amount, err)
		return request, fmt.Errorf("%w: receipt: %v", teocoin.ErrExternalUnavailable, err)
	}
	switch receipt.Status {
	case teocoin.ReceiptSuccess:
		return service.finalize(ctx, request, hash)
	case teocoin.ReceiptFailed:
		return service.refund(ctx, request, teocoin.WithdrawalProcessing, teocoin.WithdrawalFailed, "mint reverted on chain")
	default:
		return request, fmt.Errorf("%w: receipt for %s still pending", teocoin.ErrExternalUnavailable, hash.String())
	}
}

func (service *Service) finalize(ctx context.Context, request teocoin.WithdrawalRequest, hash teocoin.TxHash) (teocoin.WithdrawalRequest, error) {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		if err := txStore.UpdateWithdrawalStatus(ctx, request.ID, teocoin.WithdrawalProcessing, teocoin.WithdrawalCompleted); err != nil {
			return err
		}
		balance, err := txStore.LockBalance(ctx, request.UserID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		balance.PendingWithdrawal = balance.PendingWithdrawal.Sub(request.Amount)
		balance.UpdatedAt = now
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		request.Status = teocoin.WithdrawalCompleted
		request.TxHash = hash.String()
		request.CompletedAt = &now
		if err := txStore.SaveWithdrawal(ctx, request); err != nil {
			return err
		}
		complete := teocoin.LedgerTransaction{
			UserID:      request.UserID,
			Kind:        teocoin.KindWithdrawalComplete,
			Amount:      decimal.Zero,
			Description: fmt.Sprintf("withdrawal %s minted", request.ID),
			TxHash:      hash.String(),
			SourceID:    request.ID,
			CreatedAt:   now,
		}
		return txStore.InsertTransaction(ctx, &complete)
	})
	service.logOperation(operationProcess, request.ID, request.UserID, request.Amount, operationError)
	if operationError != nil {
		return teocoin.WithdrawalRequest{}, operationError
	}
	service.notify(ctx, request.UserID, notifyKindCompleted, map[string]any{
		"withdrawal_id": request.ID,
		"tx_hash":       hash.String(),
	})
	return request, nil
}

func (service *Service) refund(ctx context.Context, request teocoin.WithdrawalRequest, from, to teocoin.WithdrawalStatus, reason string) (teocoin.WithdrawalRequest, error) {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		if err := txStore.UpdateWithdrawalStatus(ctx, request.ID, from, to); err != nil {
			return err
		}
		balance, err := txStore.LockBalance(ctx, request.UserID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		balance.Available = balance.Available.Add(request.Amount)
		balance.PendingWithdrawal = balance.PendingWithdrawal.Sub(request.Amount)
		balance.UpdatedAt = now
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		request.Status = to
		request.Error = reason
		request.CompletedAt = &now
		if err := txStore.SaveWithdrawal(ctx, request); err != nil {
			return err
		}
		refundEntry := teocoin.LedgerTransaction{
			UserID:      request.UserID,
			Kind:        teocoin.KindWithdrawalRefund,
			Amount:      request.Amount,
			Description: fmt.Sprintf("withdrawal %s refunded: %s", request.ID, reason),
			SourceID:    request.ID,
			CreatedAt:   now,
		}
		return txStore.InsertTransaction(ctx, &refundEntry)
	})
	service.logOperation(operationProcess, request.ID, request.UserID, request.Amount, operationError)
	if operationError != nil {
		return teocoin.WithdrawalRequest{}, operationError
	}
	kind := notifyKindFailed
	if to == teocoin.WithdrawalCancelled {
		kind = notifyKindCancelled
	}
	service.notify(ctx, request.UserID, kind, map[string]any{
		"withdrawal_id": request.ID,
		"reason":        reason,
	})
	return request, nil
}

// Cancel returns a pending request's amount to the user. Only the owner may
// cancel, and only while the request is still pending; the race against the
// orchestrator is resolved by the status CAS.
func (service *Service) Cancel(ctx context.Context, id string, userID teocoin.UserID) (decimal.Decimal, error) {
	request, err := service.store.GetWithdrawal(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if request.UserID != userID {
		return decimal.Zero, fmt.Errorf("%w: withdrawal %s", teocoin.ErrNotFound, id)
	}
	updated, err := service.refund(ctx, request, teocoin.WithdrawalPending, teocoin.WithdrawalCancelled, "cancelled by user")
	if err != nil {
		service.logOperation(operationCancel, id, userID, request.Amount, err)
		return decimal.Zero, err
	}
	service.logOperation(operationCancel, id, userID, updated.Amount, nil)
	return updated.Amount, nil
}

// Status returns a snapshot of an owned request.
func (service *Service) Status(ctx context.Context, id string, userID teocoin.UserID) (teocoin.WithdrawalRequest, error) {
	request, err := service.store.GetWithdrawal(ctx, id)
	if err != nil {
		return teocoin.WithdrawalRequest{}, err
	}
	if request.UserID != userID {
		return teocoin.WithdrawalRequest{}, fmt.Errorf("%w: withdrawal %s", teocoin.ErrNotFound, id)
	}
	return request, nil
}

// ListPending returns pending requests, oldest first.
func (service *Service) ListPending(ctx context.Context, limit int) ([]teocoin.WithdrawalRequest, error) {
	return service.store.ListWithdrawalsByStatus(ctx, teocoin.WithdrawalPending, limit)
}

// Statistics aggregates request counts and amounts by status.
func (service *Service) Statistics(ctx context.Context) (teocoin.WithdrawalStats, error) {
	return service.store.WithdrawalStatistics(ctx)
}

// Recover reconciles requests stranded in processing, typically after a
// crash between the status CAS and the receipt. The chain is queried by the
// request's idempotency key: an existing mint is settled from its receipt, a
// missing one resets the request to pending for another attempt. Requests
// are never refunded without consulting the chain.
func (service *Service) Recover(ctx context.Context, limit int) (RecoveryReport, error) {
	var report RecoveryReport
	stranded, err := service.store.ListWithdrawalsByStatus(ctx, teocoin.WithdrawalProcessing, limit)
	if err != nil {
		return report, err
	}
	for _, request := range stranded {
		hash, found, err := service.chain.FindMint(ctx, request.ID)
		if err != nil {
			report.Skipped++
			service.logOperation(operationRecover, request.ID, request.UserID, request.Amount, err)
			continue
		}
		if !found {
			if err := service.store.UpdateWithdrawalStatus(ctx, request.ID, teocoin.WithdrawalProcessing, teocoin.WithdrawalPending); err != nil {
				report.Skipped++
				continue
			}
			report.Reset++
			continue
		}
		settled, err := service.settle(ctx, request, hash)
		if err != nil {
			report.Skipped++
			continue
		}
		switch settled.Status {
		case teocoin.WithdrawalCompleted:
			report.Finalized++
		case teocoin.WithdrawalFailed:
			report.Refunded++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (service *Service) checkRateLimits(ctx context.Context, txStore teocoin.Store, userID teocoin.UserID, amount decimal.Decimal) error {
	active, err := txStore.CountActiveWithdrawals(ctx, userID)
	if err != nil {
		return err
	}
	if active >= service.limits.MaxConcurrent {
		return fmt.Errorf("%w: %d withdrawals already in flight", teocoin.ErrRateLimited, active)
	}
	since := startOfDayUTC(service.nowFn())
	today, err := txStore.ListWithdrawalsSince(ctx, userID, since)
	if err != nil {
		return err
	}
	if len(today) >= service.limits.DailyCount {
		return fmt.Errorf("%w: daily request count reached", teocoin.ErrRateLimited)
	}
	dailyTotal := amount
	for _, request := range today {
		dailyTotal = dailyTotal.Add(request.Amount)
	}
	if dailyTotal.GreaterThan(service.limits.DailyAmount) {
		return fmt.Errorf("%w: daily amount limit reached", teocoin.ErrRateLimited)
	}
	return nil
}

func (service *Service) notify(ctx context.Context, userID teocoin.UserID, kind string, payload map[string]any) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.Notify(ctx, userID, kind, payload); err != nil && service.logger != nil {
		service.logger.Warn("notify failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (service *Service) logOperation(operation string, requestID string, userID teocoin.UserID, amount decimal.Decimal, err error) {
	if service.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("withdrawal_id", requestID),
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.String()),
	}
	if err != nil {
		service.logger.Warn("withdrawal operation failed", append(fields, zap.Error(err))...)
		return
	}
	service.logger.Info("withdrawal operation", fields...)
}

func startOfDayUTC(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
