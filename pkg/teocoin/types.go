package teocoin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// TokenScale is the number of decimal places tracked for TEO amounts.
	TokenScale int32 = 8
	// FiatScale is the number of decimal places tracked for EUR amounts.
	FiatScale int32 = 2
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// UserID identifies a platform user (student, teacher, or the platform sentinel).
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// OrderID is the external idempotency key supplied by the fiat gateway.
type OrderID struct {
	value string
}

// NewOrderID validates and normalizes an order id.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized order id.
func (id OrderID) String() string {
	return id.value
}

// HasPrefix reports whether the order id carries the given prefix.
func (id OrderID) HasPrefix(prefix string) bool {
	return prefix != "" && strings.HasPrefix(id.value, prefix)
}

// Address is a 20-byte on-chain address in 0x-prefixed hex form.
type Address struct {
	value string
}

// NewAddress validates an address syntactically and normalizes it to lower case.
func NewAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !addressPattern.MatchString(trimmed) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return Address{value: strings.ToLower(trimmed)}, nil
}

// String returns the normalized address.
func (address Address) String() string {
	return address.value
}

// Equal compares two addresses after normalization.
func (address Address) Equal(other Address) bool {
	return address.value == other.value
}

// TxHash is a 32-byte on-chain transaction hash in 0x-prefixed hex form.
type TxHash struct {
	value string
}

// NewTxHash validates a transaction hash and normalizes it to lower case.
func NewTxHash(raw string) (TxHash, error) {
	trimmed := strings.TrimSpace(raw)
	if !txHashPattern.MatchString(trimmed) {
		return TxHash{}, fmt.Errorf("%w: %q", ErrInvalidTxHash, raw)
	}
	return TxHash{value: strings.ToLower(trimmed)}, nil
}

// String returns the normalized hash.
func (hash TxHash) String() string {
	return hash.value
}

// IsZero reports whether the hash is unset.
func (hash TxHash) IsZero() bool {
	return hash.value == ""
}

// HoldID identifies a two-phase reservation; it is the ledger transaction id
// of the originating hold entry.
type HoldID struct {
	value string
}

// NewHoldID validates and normalizes a hold id.
func NewHoldID(raw string) (HoldID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HoldID{}, fmt.Errorf("%w: empty value", ErrInvalidHoldID)
	}
	return HoldID{value: trimmed}, nil
}

// String returns the normalized hold id.
func (id HoldID) String() string {
	return id.value
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindCredit             TransactionKind = "credit"
	KindDebit              TransactionKind = "debit"
	KindStake              TransactionKind = "stake"
	KindUnstake            TransactionKind = "unstake"
	KindHold               TransactionKind = "hold"
	KindHoldCapture        TransactionKind = "hold_capture"
	KindHoldRelease        TransactionKind = "hold_release"
	KindWithdrawalReserve  TransactionKind = "withdrawal_reserve"
	KindWithdrawalComplete TransactionKind = "withdrawal_complete"
	KindWithdrawalRefund   TransactionKind = "withdrawal_refund"
	KindDeposit            TransactionKind = "deposit"
	KindReward             TransactionKind = "reward"
	KindDiscountSpend      TransactionKind = "discount_spend"
	KindAbsorptionPayout   TransactionKind = "absorption_payout"
)

var transactionKinds = map[TransactionKind]struct{}{
	KindCredit:             {},
	KindDebit:              {},
	KindStake:              {},
	KindUnstake:            {},
	KindHold:               {},
	KindHoldCapture:        {},
	KindHoldRelease:        {},
	KindWithdrawalReserve:  {},
	KindWithdrawalComplete: {},
	KindWithdrawalRefund:   {},
	KindDeposit:            {},
	KindReward:             {},
	KindDiscountSpend:      {},
	KindAbsorptionPayout:   {},
}

// ParseTransactionKind validates a raw kind string.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(raw)
	if _, ok := transactionKinds[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
	return kind, nil
}

// String returns the kind discriminator.
func (kind TransactionKind) String() string {
	return string(kind)
}

// MovesCategory reports whether the kind moves tokens between balance
// categories rather than changing the user's total.
func (kind TransactionKind) MovesCategory() bool {
	return kind == KindStake || kind == KindUnstake
}

// NewTokenAmount validates a strictly positive TEO amount with at most
// TokenScale decimal places. Float inputs are rejected at the API boundary by
// construction: callers must parse strings into decimals.
func NewTokenAmount(raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if raw.Exponent() < -TokenScale {
		return decimal.Zero, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, TokenScale)
	}
	return raw, nil
}

// NewFiatAmount validates a non-negative EUR amount with at most FiatScale
// decimal places.
func NewFiatAmount(raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if raw.Exponent() < -FiatScale {
		return decimal.Zero, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, FiatScale)
	}
	return raw, nil
}

// QuantizeToken rounds a TEO amount to TokenScale using banker's rounding.
func QuantizeToken(raw decimal.Decimal) decimal.Decimal {
	return raw.RoundBank(TokenScale)
}

// QuantizeFiat rounds a EUR amount to FiatScale using banker's rounding.
func QuantizeFiat(raw decimal.Decimal) decimal.Decimal {
	return raw.RoundBank(FiatScale)
}

// ClampNonNegative returns zero for negative inputs.
func ClampNonNegative(raw decimal.Decimal) decimal.Decimal {
	if raw.Sign() < 0 {
		return decimal.Zero
	}
	return raw
}
