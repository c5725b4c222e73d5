package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

// CreateHold reserves tokens out of the user's available balance. The tokens
// leave available immediately; the hold terminates in exactly one capture or
// release. The returned hold id is the ledger transaction id of the hold
// entry.
func (service *Service) CreateHold(ctx context.Context, userID teocoin.UserID, amount decimal.Decimal, description string, scope string) (teocoin.HoldID, error) {
	validated, err := teocoin.NewTokenAmount(amount)
	if err != nil {
		return teocoin.HoldID{}, err
	}
	var holdID teocoin.HoldID
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
			Kind:        teocoin.KindHold,
			Amount:      validated.Neg(),
			Description: description,
			SourceID:    scope,
			CreatedAt:   service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, &transaction); err != nil {
			return err
		}
		holdID, err = teocoin.NewHoldID(transaction.ID)
		return err
	})
	service.logOperation(operationHold, userID, validated, operationError)
	return holdID, operationError
}

// CaptureHold finalizes a hold: the reserved tokens are spent permanently.
// Repeated captures of the same hold return the already-determined amount
// without further mutation; capturing a released hold fails with
// ErrInvalidTransition.
func (service *Service) CaptureHold(ctx context.Context, holdID teocoin.HoldID, description string) (decimal.Decimal, error) {
	var captured decimal.Decimal
	var userID teocoin.UserID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		holdTransaction, err := service.lockedHold(ctx, txStore, holdID)
		if err != nil {
			return err
		}
		userID = holdTransaction.UserID
		terminal, found, err := txStore.FindHoldTerminal(ctx, holdID)
		if err != nil {
			return err
		}
		if found {
			if terminal.Kind == teocoin.KindHoldCapture {
				captured = holdTransaction.Amount.Neg()
				return nil
			}
			return fmt.Errorf("%w: hold %s already released", teocoin.ErrInvalidTransition, holdID.String())
		}
		marker := teocoin.LedgerTransaction{
			UserID:      holdTransaction.UserID,
			Kind:        teocoin.KindHoldCapture,
			Amount:      decimal.Zero,
			Description: description,
			HoldRef:     holdID.String(),
			SourceID:    holdID.String(),
			CreatedAt:   service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, &marker); err != nil {
			return err
		}
		captured = holdTransaction.Amount.Neg()
		return nil
	})
	if errors.Is(operationError, teocoin.ErrConflict) {
		// Lost the terminal race; the winner determined the outcome.
		return service.settledHoldAmount(ctx, holdID, teocoin.KindHoldCapture)
	}
	service.logOperation(operationCapture, userID, captured, operationError)
	return captured, operationError
}

// ReleaseHold returns the reserved tokens to the user's available balance.
// Repeated releases are idempotent; releasing a captured hold fails with
// ErrInvalidTransition.
func (service *Service) ReleaseHold(ctx context.Context, holdID teocoin.HoldID, reason string) (decimal.Decimal, error) {
	var released decimal.Decimal
	var userID teocoin.UserID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		holdTransaction, err := service.lockedHold(ctx, txStore, holdID)
		if err != nil {
			return err
		}
		userID = holdTransaction.UserID
		terminal, found, err := txStore.FindHoldTerminal(ctx, holdID)
		if err != nil {
			return err
		}
		if found {
			if terminal.Kind == teocoin.KindHoldRelease {
				released = holdTransaction.Amount.Neg()
				return nil
			}
			return fmt.Errorf("%w: hold %s already captured", teocoin.ErrInvalidTransition, holdID.String())
		}
		amount := holdTransaction.Amount.Neg()
		balance, err := txStore.LockBalance(ctx, holdTransaction.UserID)
		if err != nil {
			return err
		}
		balance.Available = balance.Available.Add(amount)
		balance.UpdatedAt = service.nowFn()
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		entry := teocoin.LedgerTransaction{
			UserID:      holdTransaction.UserID,
			Kind:        teocoin.KindHoldRelease,
			Amount:      amount,
			Description: reason,
			HoldRef:     holdID.String(),
			SourceID:    holdID.String(),
			CreatedAt:   service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, &entry); err != nil {
			return err
		}
		released = amount
		return nil
	})
	if errors.Is(operationError, teocoin.ErrConflict) {
		return service.settledHoldAmount(ctx, holdID, teocoin.KindHoldRelease)
	}
	service.logOperation(operationRelease, userID, released, operationError)
	return released, operationError
}

// HoldStatus derives the lifecycle state of a hold from the ledger.
func (service *Service) HoldStatus(ctx context.Context, holdID teocoin.HoldID) (teocoin.HoldState, error) {
	holdTransaction, err := service.store.GetTransaction(ctx, holdID.String())
	if errors.Is(err, teocoin.ErrNotFound) {
		return teocoin.HoldStateNotFound, nil
	}
	if err != nil {
		return teocoin.HoldStateNotFound, err
	}
	if holdTransaction.Kind != teocoin.KindHold {
		return teocoin.HoldStateNotFound, nil
	}
	terminal, found, err := service.store.FindHoldTerminal(ctx, holdID)
	if err != nil {
		return teocoin.HoldStateNotFound, err
	}
	if !found {
		return teocoin.HoldStateActive, nil
	}
	if terminal.Kind == teocoin.KindHoldCapture {
		return teocoin.HoldStateCaptured, nil
	}
	return teocoin.HoldStateReleased, nil
}

// lockedHold loads a hold entry and locks the owner's balance row so that
// concurrent terminal actions on the same hold serialize.
func (service *Service) lockedHold(ctx context.Context, txStore teocoin.Store, holdID teocoin.HoldID) (teocoin.LedgerTransaction, error) {
	holdTransaction, err := txStore.GetTransaction(ctx, holdID.String())
	if err != nil {
		return teocoin.LedgerTransaction{}, err
	}
	if holdTransaction.Kind != teocoin.KindHold {
		return teocoin.LedgerTransaction{}, fmt.Errorf("%w: %s is not a hold", teocoin.ErrNotFound, holdID.String())
	}
	if _, err := txStore.LockBalance(ctx, holdTransaction.UserID); err != nil {
		return teocoin.LedgerTransaction{}, err
	}
	return holdTransaction, nil
}

func (service *Service) settledHoldAmount(ctx context.Context, holdID teocoin.HoldID, wantKind teocoin.TransactionKind) (decimal.Decimal, error) {
	terminal, found, err := service.store.FindHoldTerminal(ctx, holdID)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, fmt.Errorf("%w: hold %s has no terminal entry", teocoin.ErrNotFound, holdID.String())
	}
	holdTransaction, err := service.store.GetTransaction(ctx, holdID.String())
	if err != nil {
		return decimal.Zero, err
	}
	if terminal.Kind != wantKind {
		return decimal.Zero, fmt.Errorf("%w: hold %s settled as %s", teocoin.ErrInvalidTransition, holdID.String(), terminal.Kind)
	}
	if service.logger != nil {
		service.logger.Warn("hold terminal race detected",
			zap.String("hold_id", holdID.String()),
			zap.String("settled_kind", terminal.Kind.String()))
	}
	return holdTransaction.Amount.Neg(), nil
}
