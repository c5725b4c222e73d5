package teocoin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalLimits bound a single request and the per-user daily activity.
type WithdrawalLimits struct {
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	DailyCount    int
	DailyAmount   decimal.Decimal
	MaxConcurrent int
}

// Config is the immutable configuration handed to the core services at
// construction time.
type Config struct {
	Tiers            TierTable
	Withdrawal       WithdrawalLimits
	TokenDecimals    int32
	AbsorptionWindow time.Duration
	LocalOrderPrefix string
	TokenContract    Address
	CustodialAddress Address
	PlatformUserID   UserID
}

// DefaultConfig returns the platform defaults. Chain addresses must still be
// supplied by the deployment.
func DefaultConfig() Config {
	platformUser, _ := NewUserID("platform")
	return Config{
		Tiers: DefaultTierTable(),
		Withdrawal: WithdrawalLimits{
			MinAmount:     decimal.NewFromInt(10),
			MaxAmount:     decimal.NewFromInt(10000),
			DailyCount:    5,
			DailyAmount:   decimal.NewFromInt(50000),
			MaxConcurrent: 3,
		},
		TokenDecimals:    18,
		AbsorptionWindow: 24 * time.Hour,
		LocalOrderPrefix: "local-",
		PlatformUserID:   platformUser,
	}
}

// Validate rejects configurations the services cannot run with.
func (config Config) Validate() error {
	if len(config.Tiers.tiers) == 0 {
		return fmt.Errorf("%w: tier table is empty", ErrInvalidConfig)
	}
	limits := config.Withdrawal
	if limits.MinAmount.Sign() <= 0 || limits.MaxAmount.LessThan(limits.MinAmount) {
		return fmt.Errorf("%w: withdrawal bounds", ErrInvalidConfig)
	}
	if limits.DailyCount <= 0 || limits.MaxConcurrent <= 0 || limits.DailyAmount.Sign() <= 0 {
		return fmt.Errorf("%w: withdrawal rate limits", ErrInvalidConfig)
	}
	if config.TokenDecimals <= 0 || config.TokenDecimals > 30 {
		return fmt.Errorf("%w: token decimals out of range", ErrInvalidConfig)
	}
	if config.AbsorptionWindow <= 0 {
		return fmt.Errorf("%w: absorption window", ErrInvalidConfig)
	}
	if config.PlatformUserID.IsZero() {
		return fmt.Errorf("%w: platform user id", ErrInvalidConfig)
	}
	return nil
}
