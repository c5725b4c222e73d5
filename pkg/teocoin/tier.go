package teocoin

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tier is one staking band. TeacherSplit is the complement of the commission
// rate: a 22% commission leaves the teacher 78% of the gross.
type Tier struct {
	Name            string
	RequiredStake   decimal.Decimal
	CommissionRate  decimal.Decimal
	BonusMultiplier decimal.Decimal
	MaxAcceptRatio  decimal.Decimal
}

// TeacherSplit returns 100 - CommissionRate as a percentage.
func (tier Tier) TeacherSplit() decimal.Decimal {
	return decimal.NewFromInt(100).Sub(tier.CommissionRate)
}

// TierTable is an ordered list of tiers with strictly increasing stake
// thresholds and strictly decreasing commission rates.
type TierTable struct {
	tiers []Tier
}

// NewTierTable validates monotonicity and returns the table. The first tier
// must require zero stake so that every staked amount resolves.
func NewTierTable(tiers []Tier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, fmt.Errorf("%w: empty table", ErrInvalidTierTable)
	}
	if !tiers[0].RequiredStake.IsZero() {
		return TierTable{}, fmt.Errorf("%w: first tier must require zero stake", ErrInvalidTierTable)
	}
	for index, tier := range tiers {
		if tier.Name == "" {
			return TierTable{}, fmt.Errorf("%w: tier %d has no name", ErrInvalidTierTable, index)
		}
		if tier.CommissionRate.Sign() < 0 || tier.CommissionRate.GreaterThan(decimal.NewFromInt(100)) {
			return TierTable{}, fmt.Errorf("%w: tier %q commission out of range", ErrInvalidTierTable, tier.Name)
		}
		if tier.BonusMultiplier.LessThan(decimal.NewFromInt(1)) {
			return TierTable{}, fmt.Errorf("%w: tier %q bonus below one", ErrInvalidTierTable, tier.Name)
		}
		if tier.MaxAcceptRatio.Sign() <= 0 || tier.MaxAcceptRatio.GreaterThan(decimal.NewFromInt(1)) {
			return TierTable{}, fmt.Errorf("%w: tier %q accept ratio out of (0,1]", ErrInvalidTierTable, tier.Name)
		}
		if index == 0 {
			continue
		}
		previous := tiers[index-1]
		if !tier.RequiredStake.GreaterThan(previous.RequiredStake) {
			return TierTable{}, fmt.Errorf("%w: stake thresholds must strictly increase at %q", ErrInvalidTierTable, tier.Name)
		}
		if !tier.CommissionRate.LessThan(previous.CommissionRate) {
			return TierTable{}, fmt.Errorf("%w: commission must strictly decrease at %q", ErrInvalidTierTable, tier.Name)
		}
	}
	table := TierTable{tiers: make([]Tier, len(tiers))}
	copy(table.tiers, tiers)
	return table, nil
}

// TierFor resolves the highest tier whose required stake does not exceed the
// staked amount. Negative inputs resolve to the base tier.
func (table TierTable) TierFor(staked decimal.Decimal) Tier {
	for index := len(table.tiers) - 1; index >= 0; index-- {
		if staked.GreaterThanOrEqual(table.tiers[index].RequiredStake) {
			return table.tiers[index]
		}
	}
	return table.tiers[0]
}

// ByName looks a tier up by its name.
func (table TierTable) ByName(name string) (Tier, bool) {
	for _, tier := range table.tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return Tier{}, false
}

// Next returns the tier above the given one, if any.
func (table TierTable) Next(current Tier) (Tier, bool) {
	for index, tier := range table.tiers {
		if tier.Name == current.Name && index+1 < len(table.tiers) {
			return table.tiers[index+1], true
		}
	}
	return Tier{}, false
}

// Tiers returns a copy of the ordered tier list.
func (table TierTable) Tiers() []Tier {
	out := make([]Tier, len(table.tiers))
	copy(out, table.tiers)
	return out
}

// DefaultTierTable returns the platform default staking bands.
func DefaultTierTable() TierTable {
	table, err := NewTierTable([]Tier{
		{Name: "bronze", RequiredStake: decimal.Zero, CommissionRate: decimal.NewFromInt(25), BonusMultiplier: decimal.NewFromInt(1), MaxAcceptRatio: decimal.NewFromInt(1)},
		{Name: "silver", RequiredStake: decimal.NewFromInt(500), CommissionRate: decimal.NewFromInt(22), BonusMultiplier: decimal.RequireFromString("1.05"), MaxAcceptRatio: decimal.NewFromInt(1)},
		{Name: "gold", RequiredStake: decimal.NewFromInt(1500), CommissionRate: decimal.NewFromInt(19), BonusMultiplier: decimal.RequireFromString("1.10"), MaxAcceptRatio: decimal.NewFromInt(1)},
		{Name: "platinum", RequiredStake: decimal.NewFromInt(3000), CommissionRate: decimal.NewFromInt(16), BonusMultiplier: decimal.RequireFromString("1.20"), MaxAcceptRatio: decimal.NewFromInt(1)},
		{Name: "diamond", RequiredStake: decimal.NewFromInt(5000), CommissionRate: decimal.NewFromInt(15), BonusMultiplier: decimal.RequireFromString("1.25"), MaxAcceptRatio: decimal.NewFromInt(1)},
	})
	if err != nil {
		panic(err)
	}
	return table
}

// StakingOverview summarizes a user's staking position.
type StakingOverview struct {
	UserID      UserID
	Staked      decimal.Decimal
	Tier        Tier
	NextTier    *Tier
	StakeToNext decimal.Decimal
}

// OverviewFor derives the staking overview for a staked amount.
func (table TierTable) OverviewFor(userID UserID, staked decimal.Decimal) StakingOverview {
	current := table.TierFor(staked)
	overview := StakingOverview{
		UserID: userID,
		Staked: staked,
		Tier:   current,
	}
	if next, ok := table.Next(current); ok {
		overview.NextTier = &next
		overview.StakeToNext = next.RequiredStake.Sub(staked)
	}
	return overview
}
