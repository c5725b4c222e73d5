package teocoin

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func silverTier(test *testing.T) Tier {
	test.Helper()
	tier, ok := DefaultTierTable().ByName("silver")
	if !ok {
		test.Fatalf("silver tier missing")
	}
	return tier
}

func decimalPointer(value decimal.Decimal) *decimal.Decimal {
	return &value
}

func TestComputeBreakdownTeacherAcceptsTokens(test *testing.T) {
	test.Parallel()
	ratio := decimal.NewFromInt(1)
	breakdown, err := ComputeBreakdown(BreakdownInput{
		Price:           mustDecimal(test, "100.00"),
		DiscountPercent: decimalPointer(mustDecimal(test, "10")),
		Tier:            silverTier(test),
		AcceptTEO:       true,
		AcceptRatio:     &ratio,
	})
	if err != nil {
		test.Fatalf("compute: %v", err)
	}
	if !breakdown.StudentPayEUR.Equal(mustDecimal(test, "90.00")) {
		test.Fatalf("expected student pay 90.00, got %s", breakdown.StudentPayEUR)
	}
	if !breakdown.TeacherEUR.Equal(mustDecimal(test, "68.00")) {
		test.Fatalf("expected teacher 68.00, got %s", breakdown.TeacherEUR)
	}
	if !breakdown.PlatformEUR.Equal(mustDecimal(test, "22.00")) {
		test.Fatalf("expected platform 22.00, got %s", breakdown.PlatformEUR)
	}
	if !breakdown.TeacherTEO.Equal(mustDecimal(test, "10.50000000")) {
		test.Fatalf("expected teacher TEO 10.5, got %s", breakdown.TeacherTEO)
	}
	if !breakdown.PlatformTEO.IsZero() {
		test.Fatalf("expected zero platform TEO, got %s", breakdown.PlatformTEO)
	}
	if breakdown.AbsorptionPolicy != AbsorptionPolicyTeacher {
		test.Fatalf("expected teacher absorption, got %s", breakdown.AbsorptionPolicy)
	}
}

func TestComputeBreakdownPlatformAbsorbs(test *testing.T) {
	test.Parallel()
	breakdown, err := ComputeBreakdown(BreakdownInput{
		Price:           mustDecimal(test, "100.00"),
		DiscountPercent: decimalPointer(mustDecimal(test, "10")),
		Tier:            silverTier(test),
		AcceptTEO:       false,
	})
	if err != nil {
		test.Fatalf("compute: %v", err)
	}
	if !breakdown.StudentPayEUR.Equal(mustDecimal(test, "90.00")) {
		test.Fatalf("expected student pay 90.00, got %s", breakdown.StudentPayEUR)
	}
	if !breakdown.TeacherEUR.Equal(mustDecimal(test, "78.00")) {
		test.Fatalf("expected teacher 78.00, got %s", breakdown.TeacherEUR)
	}
	if !breakdown.PlatformEUR.Equal(mustDecimal(test, "12.00")) {
		test.Fatalf("expected platform 12.00, got %s", breakdown.PlatformEUR)
	}
	if !breakdown.TeacherTEO.IsZero() {
		test.Fatalf("expected zero teacher TEO, got %s", breakdown.TeacherTEO)
	}
	if !breakdown.PlatformTEO.Equal(mustDecimal(test, "10.00000000")) {
		test.Fatalf("expected platform TEO 10, got %s", breakdown.PlatformTEO)
	}
	if breakdown.AbsorptionPolicy != AbsorptionPolicyPlatform {
		test.Fatalf("expected platform absorption, got %s", breakdown.AbsorptionPolicy)
	}
}

func TestComputeBreakdownRequiresExactlyOneDiscountForm(test *testing.T) {
	test.Parallel()
	price := mustDecimal(test, "50")
	percent := mustDecimal(test, "10")
	amount := mustDecimal(test, "5")

	if _, err := ComputeBreakdown(BreakdownInput{Price: price, Tier: silverTier(test)}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount with neither form, got %v", err)
	}
	if _, err := ComputeBreakdown(BreakdownInput{
		Price:           price,
		DiscountPercent: &percent,
		DiscountAmount:  &amount,
		Tier:            silverTier(test),
	}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount with both forms, got %v", err)
	}
}

func TestComputeBreakdownClampsDiscountToPrice(test *testing.T) {
	test.Parallel()
	breakdown, err := ComputeBreakdown(BreakdownInput{
		Price:          mustDecimal(test, "20.00"),
		DiscountAmount: decimalPointer(mustDecimal(test, "35.00")),
		Tier:           silverTier(test),
		AcceptTEO:      false,
	})
	if err != nil {
		test.Fatalf("compute: %v", err)
	}
	if !breakdown.StudentPayEUR.IsZero() {
		test.Fatalf("expected free course, got %s", breakdown.StudentPayEUR)
	}
	if !breakdown.DiscountAmount.Equal(mustDecimal(test, "20.00")) {
		test.Fatalf("expected discount clamped to 20.00, got %s", breakdown.DiscountAmount)
	}
	if breakdown.PlatformEUR.Sign() < 0 {
		test.Fatalf("platform share must not go negative, got %s", breakdown.PlatformEUR)
	}
}

func TestComputeBreakdownClampsAcceptRatio(test *testing.T) {
	test.Parallel()
	tier := silverTier(test)
	tier.MaxAcceptRatio = mustDecimal(test, "0.5")
	ratio := mustDecimal(test, "0.9")

	breakdown, err := ComputeBreakdown(BreakdownInput{
		Price:           mustDecimal(test, "100.00"),
		DiscountPercent: decimalPointer(mustDecimal(test, "10")),
		Tier:            tier,
		AcceptTEO:       true,
		AcceptRatio:     &ratio,
	})
	if err != nil {
		test.Fatalf("compute: %v", err)
	}
	if !breakdown.RatioClamped {
		test.Fatalf("expected RatioClamped flag")
	}
	// Absorbed 5.00 of the 10.00 discount at the clamped 0.5 ratio.
	if !breakdown.TeacherEUR.Equal(mustDecimal(test, "73.00")) {
		test.Fatalf("expected teacher 73.00, got %s", breakdown.TeacherEUR)
	}
	if !breakdown.TeacherTEO.Equal(mustDecimal(test, "5.25000000")) {
		test.Fatalf("expected teacher TEO 5.25, got %s", breakdown.TeacherTEO)
	}
}

func TestComputeBreakdownZeroDiscount(test *testing.T) {
	test.Parallel()
	breakdown, err := ComputeBreakdown(BreakdownInput{
		Price:           mustDecimal(test, "80.00"),
		DiscountPercent: decimalPointer(decimal.Zero),
		Tier:            silverTier(test),
		AcceptTEO:       true,
	})
	if err != nil {
		test.Fatalf("compute: %v", err)
	}
	if breakdown.AbsorptionPolicy != AbsorptionPolicyNone {
		test.Fatalf("expected no absorption, got %s", breakdown.AbsorptionPolicy)
	}
	if !breakdown.StudentPayEUR.Equal(mustDecimal(test, "80.00")) {
		test.Fatalf("expected full price, got %s", breakdown.StudentPayEUR)
	}
	if !breakdown.TeacherTEO.IsZero() || !breakdown.PlatformTEO.IsZero() {
		test.Fatalf("expected no token legs")
	}
}

func TestComputeBreakdownRejectsNegativePrice(test *testing.T) {
	test.Parallel()
	if _, err := ComputeBreakdown(BreakdownInput{
		Price:           mustDecimal(test, "-1"),
		DiscountPercent: decimalPointer(decimal.Zero),
		Tier:            silverTier(test),
	}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestComputeBreakdownRejectsPercentOutOfRange(test *testing.T) {
	test.Parallel()
	if _, err := ComputeBreakdown(BreakdownInput{
		Price:           mustDecimal(test, "100"),
		DiscountPercent: decimalPointer(mustDecimal(test, "101")),
		Tier:            silverTier(test),
	}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
