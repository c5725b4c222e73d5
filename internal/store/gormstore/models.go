package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BalanceRow mirrors the balances table: the materialized per-user aggregate.
type BalanceRow struct {
	UserID            string          `gorm:"primaryKey"`
	Available         decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	Staked            decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	PendingWithdrawal decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	UpdatedAt         time.Time       `gorm:"not null"`
}

func (BalanceRow) TableName() string { return "balances" }

// LedgerTransactionRow mirrors the ledger_transactions table. DepositTxHash is
// set only on deposit rows and HoldRef only on hold terminals; their unique
// indexes enforce once-only crediting and at-most-one-terminal-per-hold
// (NULLs never collide).
type LedgerTransactionRow struct {
	ID            string          `gorm:"type:uuid;primaryKey"`
	UserID        string          `gorm:"not null;index:idx_tx_user_created,priority:1"`
	Kind          string          `gorm:"not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	Description   string          `gorm:""`
	CourseID      string          `gorm:""`
	TxHash        string          `gorm:""`
	DepositTxHash *string         `gorm:"index:uniq_tx_deposit_hash,unique"`
	HoldRef       *string         `gorm:"index:uniq_tx_hold_terminal,unique"`
	SourceID      string          `gorm:"index:idx_tx_source"`
	Metadata      datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_tx_user_created,priority:2"`
}

func (LedgerTransactionRow) TableName() string { return "ledger_transactions" }

func (row *LedgerTransactionRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// WithdrawalRow mirrors the withdrawals table.
type WithdrawalRow struct {
	ID          string          `gorm:"type:uuid;primaryKey"`
	UserID      string          `gorm:"not null;index:idx_withdrawal_user_created,priority:1"`
	Amount      decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	Address     string          `gorm:"not null"`
	Status      string          `gorm:"not null;index:idx_withdrawal_status_created,priority:1"`
	TxHash      string          `gorm:""`
	Error       string          `gorm:""`
	IP          string          `gorm:""`
	UserAgent   string          `gorm:""`
	CreatedAt   time.Time       `gorm:"not null;index:idx_withdrawal_status_created,priority:2;index:idx_withdrawal_user_created,priority:2"`
	ProcessedAt *time.Time      `gorm:""`
	CompletedAt *time.Time      `gorm:""`
}

func (WithdrawalRow) TableName() string { return "withdrawals" }

func (row *WithdrawalRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// SnapshotRow mirrors the discount_snapshots table.
type SnapshotRow struct {
	ID              string          `gorm:"type:uuid;primaryKey"`
	OrderID         string          `gorm:"not null;index:uniq_snapshot_order,unique"`
	CourseID        string          `gorm:"not null;index:idx_snapshot_student_course,priority:2"`
	StudentID       string          `gorm:"not null;index:idx_snapshot_student_course,priority:1"`
	TeacherID       string          `gorm:"not null"`
	Price           decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	DiscountPercent decimal.Decimal `gorm:"type:numeric(6,2);not null"`
	DiscountAmount  decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	StudentPayEUR decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TeacherEUR    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	PlatformEUR   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TeacherTEO    decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	PlatformTEO   decimal.Decimal `gorm:"type:numeric(30,8);not null"`

	TierName            string          `gorm:"not null"`
	TierTeacherSplit    decimal.Decimal `gorm:"type:numeric(6,2);not null"`
	TierMaxAcceptRatio  decimal.Decimal `gorm:"type:numeric(4,2);not null"`
	TierBonusMultiplier decimal.Decimal `gorm:"type:numeric(6,2);not null"`

	AbsorptionPolicy string    `gorm:"not null"`
	ExternalTxnID    *string   `gorm:""`
	Source           string    `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (SnapshotRow) TableName() string { return "discount_snapshots" }

func (row *SnapshotRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// AbsorptionRow mirrors the absorption_decisions table.
type AbsorptionRow struct {
	ID                 string          `gorm:"type:uuid;primaryKey"`
	OrderID            string          `gorm:"not null;index:uniq_absorption_order,unique"`
	TeacherID          string          `gorm:"not null;index:idx_absorption_teacher_status,priority:1"`
	StudentID          string          `gorm:"not null"`
	CourseID           string          `gorm:"not null"`
	Status             string          `gorm:"not null;index:idx_absorption_teacher_status,priority:2;index:idx_absorption_status_expires,priority:1"`
	CoursePrice        decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	DiscountPercentage decimal.Decimal `gorm:"type:numeric(6,2);not null"`
	TokensUsed         decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	TierName           string          `gorm:"not null"`
	CommissionRate     decimal.Decimal `gorm:"type:numeric(6,2);not null"`

	OptionATeacherEUR  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	OptionAPlatformEUR decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	OptionBTeacherEUR  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	OptionBTeacherTEO  decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	OptionBPlatformEUR decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	ExpiresAt        time.Time       `gorm:"not null;index:idx_absorption_status_expires,priority:2"`
	DecidedAt        *time.Time      `gorm:""`
	FinalTeacherEUR  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	FinalTeacherTEO  decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	FinalPlatformEUR decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CreatedAt        time.Time       `gorm:"not null"`
}

func (AbsorptionRow) TableName() string { return "absorption_decisions" }

func (row *AbsorptionRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// WalletAddressRow maps on-chain sender addresses to platform users for
// deposit attribution.
type WalletAddressRow struct {
	Address   string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index:idx_wallet_user"`
	CreatedAt time.Time `gorm:"not null"`
}

func (WalletAddressRow) TableName() string { return "wallet_addresses" }

// AllModels lists every table for schema migration.
func AllModels() []any {
	return []any{
		&BalanceRow{},
		&LedgerTransactionRow{},
		&WithdrawalRow{},
		&SnapshotRow{},
		&AbsorptionRow{},
		&WalletAddressRow{},
	}
}
