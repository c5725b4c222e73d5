package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/PyZenMatt/lms-backend-sub001/internal/store/memstore"
	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

func TestCreateHoldDebitsAvailable(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	userID := mustUserID(test, "hold-user")
	mustCredit(test, service, userID, "100")

	holdID, err := service.CreateHold(context.Background(), userID, mustDecimal(test, "30"), "checkout", "order-77")
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if !balance.Available.Equal(mustDecimal(test, "70")) {
		test.Fatalf("expected available 70 while hold is active, got %s", balance.Available)
	}
	state, err := service.HoldStatus(context.Background(), holdID)
	if err != nil {
		test.Fatalf("hold status: %v", err)
	}
	if state != teocoin.HoldStateActive {
		test.Fatalf("expected active hold, got %s", state)
	}
}

func TestCreateHoldInsufficientBalance(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	userID := mustUserID(test, "hold-poor")
	mustCredit(test, service, userID, "5")

	if _, err := service.CreateHold(context.Background(), userID, mustDecimal(test, "6"), "checkout", "order-1"); !errors.Is(err, teocoin.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestCaptureHoldIsIdempotent(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	userID := mustUserID(test, "hold-capture")
	mustCredit(test, service, userID, "100")
	holdID, err := service.CreateHold(context.Background(), userID, mustDecimal(test, "40"), "checkout", "order-2")
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}

	first, err := service.CaptureHold(context.Background(), holdID, "payment confirmed")
	if err != nil {
		test.Fatalf("capture: %v", err)
	}
	second, err := service.CaptureHold(context.Background(), holdID, "payment confirmed")
	if err != nil {
		test.Fatalf("repeat capture: %v", err)
	}
	if !first.Equal(second) || !first.Equal(mustDecimal(test, "40")) {
		test.Fatalf("expected both captures to report 40, got %s and %s", first, second)
	}

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if !balance.Available.Equal(mustDecimal(test, "60")) {
		test.Fatalf("repeat capture must not double-spend, got %s", balance.Available)
	}
	state, err := service.HoldStatus(context.Background(), holdID)
	if err != nil {
		test.Fatalf("hold status: %v", err)
	}
	if state != teocoin.HoldStateCaptured {
		test.Fatalf("expected captured hold, got %s", state)
	}
}

func TestReleaseHoldRestoresAvailable(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	userID := mustUserID(test, "hold-release")
	mustCredit(test, service, userID, "100")
	holdID, err := service.CreateHold(context.Background(), userID, mustDecimal(test, "25"), "checkout", "order-3")
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}

	released, err := service.ReleaseHold(context.Background(), holdID, "payment abandoned")
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if !released.Equal(mustDecimal(test, "25")) {
		test.Fatalf("expected 25 released, got %s", released)
	}
	again, err := service.ReleaseHold(context.Background(), holdID, "payment abandoned")
	if err != nil {
		test.Fatalf("repeat release: %v", err)
	}
	if !again.Equal(released) {
		test.Fatalf("repeat release must report the same amount, got %s", again)
	}

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if !balance.Available.Equal(mustDecimal(test, "100")) {
		test.Fatalf("release must restore available to 100, got %s", balance.Available)
	}
}

func TestCaptureAfterReleaseFails(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	userID := mustUserID(test, "hold-flip")
	mustCredit(test, service, userID, "50")
	holdID, err := service.CreateHold(context.Background(), userID, mustDecimal(test, "10"), "checkout", "order-4")
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}
	if _, err := service.ReleaseHold(context.Background(), holdID, "timeout"); err != nil {
		test.Fatalf("release: %v", err)
	}

	if _, err := service.CaptureHold(context.Background(), holdID, "late confirm"); !errors.Is(err, teocoin.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReleaseAfterCaptureFails(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	userID := mustUserID(test, "hold-flip-2")
	mustCredit(test, service, userID, "50")
	holdID, err := service.CreateHold(context.Background(), userID, mustDecimal(test, "10"), "checkout", "order-5")
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}
	if _, err := service.CaptureHold(context.Background(), holdID, "confirm"); err != nil {
		test.Fatalf("capture: %v", err)
	}

	if _, err := service.ReleaseHold(context.Background(), holdID, "late refund"); !errors.Is(err, teocoin.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestHoldStatusForUnknownHold(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	holdID, err := teocoin.NewHoldID("no-such-hold")
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}

	state, err := service.HoldStatus(context.Background(), holdID)
	if err != nil {
		test.Fatalf("hold status: %v", err)
	}
	if state != teocoin.HoldStateNotFound {
		test.Fatalf("expected not_found, got %s", state)
	}
}

func TestCaptureNonHoldTransactionFails(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, memstore.New())
	userID := mustUserID(test, "hold-wrong-kind")
	entry, err := service.Credit(context.Background(), userID, mustDecimal(test, "10"), teocoin.KindCredit, "seed", EntryMeta{})
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	holdID, err := teocoin.NewHoldID(entry.ID)
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}

	if _, err := service.CaptureHold(context.Background(), holdID, "confirm"); !errors.Is(err, teocoin.ErrNotFound) {
		test.Fatalf("expected ErrNotFound for non-hold transaction, got %v", err)
	}
}
