package teocoin

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// BreakdownInput parameterizes the discount split computation. Exactly one of
// DiscountPercent and DiscountAmount must be set (non-nil).
type BreakdownInput struct {
	Price           decimal.Decimal
	DiscountPercent *decimal.Decimal
	DiscountAmount  *decimal.Decimal
	Tier            Tier
	AcceptTEO       bool
	AcceptRatio     *decimal.Decimal
}

// Breakdown is the money/token split for one discounted purchase. All fiat
// fields are quantized to 2 decimal places with banker's rounding, token
// fields to 8; no field is ever negative.
type Breakdown struct {
	StudentPayEUR    decimal.Decimal
	TeacherEUR       decimal.Decimal
	PlatformEUR      decimal.Decimal
	TeacherTEO       decimal.Decimal
	PlatformTEO      decimal.Decimal
	DiscountAmount   decimal.Decimal
	AbsorptionPolicy AbsorptionPolicy
	RatioClamped     bool
}

// ComputeBreakdown splits a course price between student, teacher, and
// platform. Intermediate arithmetic stays unquantized; only outputs are
// rounded.
func ComputeBreakdown(input BreakdownInput) (Breakdown, error) {
	if input.Price.Sign() < 0 {
		return Breakdown{}, fmt.Errorf("%w: negative price", ErrInvalidAmount)
	}
	if (input.DiscountPercent == nil) == (input.DiscountAmount == nil) {
		return Breakdown{}, fmt.Errorf("%w: exactly one of percent or amount required", ErrInvalidAmount)
	}

	var discount decimal.Decimal
	if input.DiscountAmount != nil {
		discount = *input.DiscountAmount
	} else {
		if input.DiscountPercent.Sign() < 0 || input.DiscountPercent.GreaterThan(oneHundred) {
			return Breakdown{}, fmt.Errorf("%w: percent out of [0,100]", ErrInvalidAmount)
		}
		discount = input.Price.Mul(*input.DiscountPercent).Div(oneHundred)
	}
	if discount.Sign() < 0 {
		discount = decimal.Zero
	}
	if discount.GreaterThan(input.Price) {
		discount = input.Price
	}

	teacherGross := input.Price.Mul(input.Tier.TeacherSplit()).Div(oneHundred)
	platformGross := input.Price.Sub(teacherGross)

	breakdown := Breakdown{
		StudentPayEUR:  QuantizeFiat(ClampNonNegative(input.Price.Sub(discount))),
		DiscountAmount: QuantizeFiat(discount),
	}

	if !input.AcceptTEO {
		breakdown.TeacherEUR = QuantizeFiat(teacherGross)
		breakdown.PlatformEUR = QuantizeFiat(ClampNonNegative(platformGross.Sub(discount)))
		breakdown.PlatformTEO = QuantizeToken(discount)
		breakdown.TeacherTEO = decimal.Zero
		if discount.Sign() > 0 {
			breakdown.AbsorptionPolicy = AbsorptionPolicyPlatform
		} else {
			breakdown.AbsorptionPolicy = AbsorptionPolicyNone
		}
		return breakdown, nil
	}

	ratio := input.Tier.MaxAcceptRatio
	if input.AcceptRatio != nil {
		ratio = *input.AcceptRatio
		if ratio.Sign() < 0 {
			ratio = decimal.Zero
			breakdown.RatioClamped = true
		}
		if ratio.GreaterThan(input.Tier.MaxAcceptRatio) {
			ratio = input.Tier.MaxAcceptRatio
			breakdown.RatioClamped = true
		}
	}

	absorbed := discount.Mul(ratio)
	breakdown.TeacherEUR = QuantizeFiat(ClampNonNegative(teacherGross.Sub(absorbed)))
	breakdown.TeacherTEO = QuantizeToken(absorbed.Mul(input.Tier.BonusMultiplier))
	breakdown.PlatformEUR = QuantizeFiat(platformGross)
	breakdown.PlatformTEO = decimal.Zero
	if discount.Sign() > 0 {
		breakdown.AbsorptionPolicy = AbsorptionPolicyTeacher
	} else {
		breakdown.AbsorptionPolicy = AbsorptionPolicyNone
	}
	return breakdown, nil
}
