package teocoin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Clock supplies the current time. The store host's clock is authoritative
// for expiry decisions; deployments must keep skew bounded.
type Clock func() time.Time

// ReceiptStatus is the mined outcome of an on-chain transaction.
type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailed  ReceiptStatus = "failed"
)

// EventLog is one raw log entry from a transaction receipt.
type EventLog struct {
	Address string
	Topics  []string
	Data    string
}

// Receipt is the mined result of an on-chain transaction.
type Receipt struct {
	TxHash TxHash
	Status ReceiptStatus
	Logs   []EventLog
}

// ChainAdapter is the minimal send/receipt surface the core consumes. Calls
// may be long-running and must be idempotent per caller-supplied key; the
// core never invokes the adapter while holding a row lock.
type ChainAdapter interface {
	// Mint issues tokens to an address, keyed for safe retries.
	Mint(ctx context.Context, idempotencyKey string, to Address, amount decimal.Decimal) (TxHash, error)
	// Receipt fetches the mined outcome of a transaction.
	Receipt(ctx context.Context, hash TxHash) (Receipt, error)
	// FindMint looks a previously issued mint up by its idempotency key.
	// Used by withdrawal recovery; returns found=false when no transaction
	// with that key exists.
	FindMint(ctx context.Context, idempotencyKey string) (TxHash, bool, error)
	// ValidateAddress checks an address beyond the core's syntactic rules.
	ValidateAddress(raw string) bool
	// TokenDecimals returns the token's configured decimal count.
	TokenDecimals() int32
}

// Notifier delivers fire-and-forget user notifications. Failures are logged
// by callers and never block a state transition.
type Notifier interface {
	Notify(ctx context.Context, user UserID, kind string, payload map[string]any) error
}
