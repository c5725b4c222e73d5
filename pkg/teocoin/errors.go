package teocoin

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the token economy core.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrRateLimited         = errors.New("rate limited")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrExpired             = errors.New("expired")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrExternalUnavailable = errors.New("external dependency unavailable")
	ErrConflict            = errors.New("conflict")
	ErrStakingDisallowed   = errors.New("staking disallowed")

	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidOrderID         = errors.New("invalid order id")
	ErrInvalidTxHash          = errors.New("invalid transaction hash")
	ErrInvalidHoldID          = errors.New("invalid hold id")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidConfig          = errors.New("invalid config")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidTierTable       = errors.New("invalid tier table")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
