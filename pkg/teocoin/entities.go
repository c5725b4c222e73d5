package teocoin

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the materialized per-user aggregate. It is rebuildable from the
// ledger and verified by the reconcile routine.
type Balance struct {
	UserID            UserID
	Available         decimal.Decimal
	Staked            decimal.Decimal
	PendingWithdrawal decimal.Decimal
	UpdatedAt         time.Time
}

// Total returns available + staked + pending_withdrawal.
func (balance Balance) Total() decimal.Decimal {
	return balance.Available.Add(balance.Staked).Add(balance.PendingWithdrawal)
}

// LedgerTransaction is one immutable line in the per-user ledger. Amount is
// the signed effect on the user's available balance; category moves (stake,
// unstake) and markers (hold_capture, withdrawal_complete) follow the
// bookkeeping rules documented on the ledger service.
type LedgerTransaction struct {
	ID          string
	UserID      UserID
	Kind        TransactionKind
	Amount      decimal.Decimal
	Description string
	CourseID    string

	// TxHash links deposit and withdrawal entries to the chain.
	TxHash string
	// DepositTxHash is set only for kind=deposit and carries the once-only
	// unique constraint.
	DepositTxHash string
	// HoldRef is set only for hold_capture and hold_release entries and
	// carries the at-most-one-terminal unique constraint.
	HoldRef string
	// SourceID references the originating record (hold id, withdrawal id,
	// absorption id) where one exists.
	SourceID string

	Metadata  string
	CreatedAt time.Time
}

// HoldState is the derived lifecycle state of a hold.
type HoldState string

const (
	HoldStateActive   HoldState = "active"
	HoldStateCaptured HoldState = "captured"
	HoldStateReleased HoldState = "released"
	HoldStateNotFound HoldState = "not_found"
)

// WithdrawalStatus enumerates the withdrawal request lifecycle.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (status WithdrawalStatus) Terminal() bool {
	switch status {
	case WithdrawalCompleted, WithdrawalFailed, WithdrawalCancelled:
		return true
	}
	return false
}

// WithdrawalRequest tracks one request to mint tokens on chain.
type WithdrawalRequest struct {
	ID          string
	UserID      UserID
	Amount      decimal.Decimal
	Address     Address
	Status      WithdrawalStatus
	TxHash      string
	Error       string
	IP          string
	UserAgent   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
}

// WithdrawalStats aggregates request counts and amounts by status.
type WithdrawalStats struct {
	ByStatus    map[WithdrawalStatus]WithdrawalBucket
	TotalMinted decimal.Decimal
}

// WithdrawalBucket is one status slice of the statistics.
type WithdrawalBucket struct {
	Count  int64
	Amount decimal.Decimal
}

// AbsorptionStatus enumerates the teacher decision lifecycle.
type AbsorptionStatus string

const (
	AbsorptionPending  AbsorptionStatus = "pending"
	AbsorptionAbsorbed AbsorptionStatus = "absorbed"
	AbsorptionRefused  AbsorptionStatus = "refused"
	AbsorptionExpired  AbsorptionStatus = "expired"
)

// Terminal reports whether the status is absorbing.
func (status AbsorptionStatus) Terminal() bool {
	return status != AbsorptionPending
}

// AbsorptionOption is one precomputed payout alternative.
type AbsorptionOption struct {
	TeacherEUR  decimal.Decimal
	TeacherTEO  decimal.Decimal
	PlatformEUR decimal.Decimal
}

// AbsorptionDecision is the teacher's bounded-window choice between fiat-only
// commission and a mixed fiat+TEO payout with bonus.
type AbsorptionDecision struct {
	ID                 string
	OrderID            OrderID
	TeacherID          UserID
	StudentID          UserID
	CourseID           string
	CoursePrice        decimal.Decimal
	DiscountPercentage decimal.Decimal
	TokensUsed         decimal.Decimal
	TierName           string
	CommissionRate     decimal.Decimal
	OptionA            AbsorptionOption
	OptionB            AbsorptionOption
	Status             AbsorptionStatus
	ExpiresAt          time.Time
	DecidedAt          *time.Time
	FinalTeacherEUR    decimal.Decimal
	FinalTeacherTEO    decimal.Decimal
	FinalPlatformEUR   decimal.Decimal
	CreatedAt          time.Time
}

// ExpiredAt reports whether the decision window has closed at the given time.
func (decision AbsorptionDecision) ExpiredAt(now time.Time) bool {
	return !now.Before(decision.ExpiresAt)
}

// AbsorptionStats aggregates a teacher's decisions since a cutoff.
type AbsorptionStats struct {
	Pending         int64
	Absorbed        int64
	Refused         int64
	Expired         int64
	TotalTeacherEUR decimal.Decimal
	TotalTeacherTEO decimal.Decimal
}

// AbsorptionPolicy names who absorbs a discount.
type AbsorptionPolicy string

const (
	AbsorptionPolicyNone     AbsorptionPolicy = "none"
	AbsorptionPolicyPlatform AbsorptionPolicy = "platform"
	AbsorptionPolicyTeacher  AbsorptionPolicy = "teacher"
)

// DiscountSnapshot immortalizes the discount terms at payment-intent time so
// that replaying confirmation is idempotent.
type DiscountSnapshot struct {
	ID              string
	OrderID         OrderID
	CourseID        string
	StudentID       UserID
	TeacherID       UserID
	Price           decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal

	StudentPayEUR decimal.Decimal
	TeacherEUR    decimal.Decimal
	PlatformEUR   decimal.Decimal
	TeacherTEO    decimal.Decimal
	PlatformTEO   decimal.Decimal

	TierName            string
	TierTeacherSplit    decimal.Decimal
	TierMaxAcceptRatio  decimal.Decimal
	TierBonusMultiplier decimal.Decimal

	AbsorptionPolicy AbsorptionPolicy
	ExternalTxnID    string
	Source           string
	CreatedAt        time.Time
}

// ReconcileReport compares the materialized balance against a ledger replay.
type ReconcileReport struct {
	UserID   UserID
	Stored   Balance
	Rebuilt  Balance
	Balanced bool
}
