package absorption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

// Choice is the teacher's decision on a pending opportunity.
type Choice string

const (
	ChoiceAbsorb Choice = "absorb"
	ChoiceRefuse Choice = "refuse"
)

const (
	notifyKindPending = "absorption_pending"
	notifyKindDecided = "absorption_decided"
	notifyKindExpired = "absorption_expired"
)

// Opportunity parameterizes the creation of an absorption decision after a
// discounted purchase is confirmed.
type Opportunity struct {
	OrderID         teocoin.OrderID
	TeacherID       teocoin.UserID
	StudentID       teocoin.UserID
	CourseID        string
	CoursePrice     decimal.Decimal
	DiscountPercent decimal.Decimal
	TokensUsed      decimal.Decimal
}

// Service owns the teacher decision window: absorb token compensation with
// bonus, refuse for the full fiat commission, or expire to the fiat default.
// Expiry is lazy — any read past expires_at finalizes the row — and the
// periodic sweep exists only for notifier liveness.
type Service struct {
	store    teocoin.Store
	notifier teocoin.Notifier
	nowFn    teocoin.Clock
	config   teocoin.Config
	logger   *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the fire-and-forget notifier.
func WithNotifier(notifier teocoin.Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// NewService wires a Service.
func NewService(store teocoin.Store, now teocoin.Clock, config teocoin.Config, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, config: config}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateOpportunity precomputes both payout options from the teacher's
// current tier and opens the decision window. The order id makes creation
// idempotent: replaying a confirmed purchase returns the existing decision.
func (service *Service) CreateOpportunity(ctx context.Context, opportunity Opportunity) (teocoin.AbsorptionDecision, bool, error) {
	if opportunity.CoursePrice.Sign() <= 0 {
		return teocoin.AbsorptionDecision{}, false, fmt.Errorf("%w: course price", teocoin.ErrInvalidAmount)
	}
	if opportunity.DiscountPercent.Sign() < 0 || opportunity.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return teocoin.AbsorptionDecision{}, false, fmt.Errorf("%w: discount percent", teocoin.ErrInvalidAmount)
	}
	if opportunity.TokensUsed.Sign() < 0 {
		return teocoin.AbsorptionDecision{}, false, fmt.Errorf("%w: tokens used", teocoin.ErrInvalidAmount)
	}
	if existing, found, err := service.store.FindAbsorptionByOrder(ctx, opportunity.OrderID); err != nil {
		return teocoin.AbsorptionDecision{}, false, err
	} else if found {
		return existing, false, nil
	}

	balance, err := service.store.GetBalance(ctx, opportunity.TeacherID)
	if err != nil {
		return teocoin.AbsorptionDecision{}, false, err
	}
	tier := service.config.Tiers.TierFor(balance.Staked)

	now := service.nowFn()
	discountAmount := teocoin.QuantizeFiat(opportunity.CoursePrice.Mul(opportunity.DiscountPercent).Div(decimal.NewFromInt(100)))
	optionA := teocoin.AbsorptionOption{
		TeacherEUR:  teocoin.QuantizeFiat(opportunity.CoursePrice.Mul(tier.TeacherSplit()).Div(decimal.NewFromInt(100))),
		TeacherTEO:  decimal.Zero,
		PlatformEUR: decimal.Zero,
	}
	optionA.PlatformEUR = teocoin.QuantizeFiat(opportunity.CoursePrice.Sub(optionA.TeacherEUR))
	optionB := teocoin.AbsorptionOption{
		TeacherEUR:  teocoin.QuantizeFiat(teocoin.ClampNonNegative(optionA.TeacherEUR.Sub(discountAmount))),
		TeacherTEO:  teocoin.QuantizeToken(opportunity.TokensUsed.Mul(tier.BonusMultiplier)),
		PlatformEUR: teocoin.QuantizeFiat(optionA.PlatformEUR.Add(discountAmount)),
	}

	decision := teocoin.AbsorptionDecision{
		OrderID:            opportunity.OrderID,
		TeacherID:          opportunity.TeacherID,
		StudentID:          opportunity.StudentID,
		CourseID:           opportunity.CourseID,
		CoursePrice:        opportunity.CoursePrice,
		DiscountPercentage: opportunity.DiscountPercent,
		TokensUsed:         opportunity.TokensUsed,
		TierName:           tier.Name,
		CommissionRate:     tier.CommissionRate,
		OptionA:            optionA,
		OptionB:            optionB,
		Status:             teocoin.AbsorptionPending,
		ExpiresAt:          now.Add(service.config.AbsorptionWindow),
		CreatedAt:          now,
	}
	if err := service.store.InsertAbsorption(ctx, &decision); err != nil {
		if errors.Is(err, teocoin.ErrConflict) {
			// Lost the creation race; the winner's row is authoritative.
			winner, found, readErr := service.store.FindAbsorptionByOrder(ctx, opportunity.OrderID)
			if readErr != nil {
				return teocoin.AbsorptionDecision{}, false, readErr
			}
			if found {
				return winner, false, nil
			}
		}
		return teocoin.AbsorptionDecision{}, false, err
	}
	service.notify(ctx, decision.TeacherID, notifyKindPending, map[string]any{
		"decision_id": decision.ID,
		"course_id":   decision.CourseID,
		"expires_at":  decision.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return decision, true, nil
}

// Get returns a decision, applying lazy expiry if the window has closed.
func (service *Service) Get(ctx context.Context, id string) (teocoin.AbsorptionDecision, error) {
	var decision teocoin.AbsorptionDecision
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		loaded, err := txStore.GetAbsorptionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		decision, err = service.expireIfDue(ctx, txStore, loaded)
		return err
	})
	return decision, operationError
}

// ProcessChoice applies the teacher's decision. Only the owning teacher may
// act; concurrent actions on the same decision serialize on the row lock and
// only the first wins. An absorb commits the token credit in the same
// transaction as the state flip, so a failed credit aborts the decision.
func (service *Service) ProcessChoice(ctx context.Context, id string, choice Choice, actor teocoin.UserID) (teocoin.AbsorptionDecision, error) {
	if choice != ChoiceAbsorb && choice != ChoiceRefuse {
		return teocoin.AbsorptionDecision{}, fmt.Errorf("%w: choice %q", teocoin.ErrInvalidTransition, choice)
	}
	var decision teocoin.AbsorptionDecision
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		loaded, err := txStore.GetAbsorptionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loaded.TeacherID != actor {
			return fmt.Errorf("%w: decision %s", teocoin.ErrNotFound, id)
		}
		loaded, err = service.expireIfDue(ctx, txStore, loaded)
		if err != nil {
			return err
		}
		if loaded.Status == teocoin.AbsorptionExpired {
			decision = loaded
			return fmt.Errorf("%w: decision window closed", teocoin.ErrExpired)
		}
		if loaded.Status != teocoin.AbsorptionPending {
			decision = loaded
			return fmt.Errorf("%w: already decided as %s", teocoin.ErrInvalidTransition, loaded.Status)
		}
		now := service.nowFn()
		if choice == ChoiceRefuse {
			loaded.Status = teocoin.AbsorptionRefused
			loaded.FinalTeacherEUR = loaded.OptionA.TeacherEUR
			loaded.FinalTeacherTEO = decimal.Zero
			loaded.FinalPlatformEUR = loaded.OptionA.PlatformEUR
			loaded.DecidedAt = &now
			if err := txStore.SaveAbsorption(ctx, loaded); err != nil {
				return err
			}
			decision = loaded
			return nil
		}
		loaded.Status = teocoin.AbsorptionAbsorbed
		loaded.FinalTeacherEUR = loaded.OptionB.TeacherEUR
		loaded.FinalTeacherTEO = loaded.OptionB.TeacherTEO
		loaded.FinalPlatformEUR = loaded.OptionB.PlatformEUR
		loaded.DecidedAt = &now
		if err := txStore.SaveAbsorption(ctx, loaded); err != nil {
			return err
		}
		if loaded.FinalTeacherTEO.Sign() > 0 {
			balance, err := txStore.LockBalance(ctx, loaded.TeacherID)
			if err != nil {
				return err
			}
			balance.Available = balance.Available.Add(loaded.FinalTeacherTEO)
			balance.UpdatedAt = now
			if err := txStore.SaveBalance(ctx, balance); err != nil {
				return err
			}
			payout := teocoin.LedgerTransaction{
				UserID:      loaded.TeacherID,
				Kind:        teocoin.KindAbsorptionPayout,
				Amount:      loaded.FinalTeacherTEO,
				Description: fmt.Sprintf("discount absorption for course %s", loaded.CourseID),
				CourseID:    loaded.CourseID,
				SourceID:    loaded.ID,
				CreatedAt:   now,
			}
			if err := txStore.InsertTransaction(ctx, &payout); err != nil {
				return err
			}
		}
		decision = loaded
		return nil
	})
	service.logOperation("process_choice", id, actor, operationError)
	if operationError != nil {
		return decision, operationError
	}
	service.notify(ctx, decision.TeacherID, notifyKindDecided, map[string]any{
		"decision_id": decision.ID,
		"status":      string(decision.Status),
		"teacher_teo": decision.FinalTeacherTEO.String(),
	})
	return decision, nil
}

// GetPending lists a teacher's open decisions, lazily expiring any whose
// window has closed.
func (service *Service) GetPending(ctx context.Context, teacherID teocoin.UserID) ([]teocoin.AbsorptionDecision, error) {
	candidates, err := service.store.ListAbsorptionsByTeacher(ctx, teacherID, teocoin.AbsorptionPending, 0)
	if err != nil {
		return nil, err
	}
	open := make([]teocoin.AbsorptionDecision, 0, len(candidates))
	now := service.nowFn()
	for _, candidate := range candidates {
		if candidate.ExpiredAt(now) {
			if _, err := service.expireOne(ctx, candidate.ID); err != nil {
				return nil, err
			}
			continue
		}
		open = append(open, candidate)
	}
	return open, nil
}

// GetStats aggregates a teacher's decision history since a cutoff.
func (service *Service) GetStats(ctx context.Context, teacherID teocoin.UserID, since time.Time) (teocoin.AbsorptionStats, error) {
	return service.store.AbsorptionStatistics(ctx, teacherID, since)
}

// ExpireOld sweeps decisions whose window closed while pending. Correctness
// does not depend on the sweep — lazy expiry on read suffices — it exists so
// the notifier learns about expiries promptly.
func (service *Service) ExpireOld(ctx context.Context, limit int) (int, error) {
	due, err := service.store.ListExpiredPendingAbsorptions(ctx, service.nowFn(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, decision := range due {
		didExpire, err := service.expireOne(ctx, decision.ID)
		if err != nil {
			return expired, err
		}
		if didExpire {
			expired++
			service.notify(ctx, decision.TeacherID, notifyKindExpired, map[string]any{
				"decision_id": decision.ID,
				"course_id":   decision.CourseID,
			})
		}
	}
	return expired, nil
}

// expireIfDue finalizes a pending decision whose window has closed: final
// payout is option A and no tokens are credited. Idempotent under the row
// lock already held by the caller.
func (service *Service) expireIfDue(ctx context.Context, txStore teocoin.Store, decision teocoin.AbsorptionDecision) (teocoin.AbsorptionDecision, error) {
	if decision.Status != teocoin.AbsorptionPending || !decision.ExpiredAt(service.nowFn()) {
		return decision, nil
	}
	now := service.nowFn()
	decision.Status = teocoin.AbsorptionExpired
	decision.FinalTeacherEUR = decision.OptionA.TeacherEUR
	decision.FinalTeacherTEO = decimal.Zero
	decision.FinalPlatformEUR = decision.OptionA.PlatformEUR
	decision.DecidedAt = &now
	if err := txStore.SaveAbsorption(ctx, decision); err != nil {
		return decision, err
	}
	return decision, nil
}

func (service *Service) expireOne(ctx context.Context, id string) (bool, error) {
	expired := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		loaded, err := txStore.GetAbsorptionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loaded.Status != teocoin.AbsorptionPending {
			return nil
		}
		updated, err := service.expireIfDue(ctx, txStore, loaded)
		if err != nil {
			return err
		}
		expired = updated.Status == teocoin.AbsorptionExpired
		return nil
	})
	return expired, operationError
}

func (service *Service) notify(ctx context.Context, userID teocoin.UserID, kind string, payload map[string]any) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.Notify(ctx, userID, kind, payload); err != nil && service.logger != nil {
		service.logger.Warn("notify failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (service *Service) logOperation(operation string, id string, actor teocoin.UserID, err error) {
	if service.logger == nil {
		return
	}
	if err != nil {
		service.logger.Warn("absorption operation failed",
			zap.String("operation", operation),
			zap.String("decision_id", id),
			zap.String("actor", actor.String()),
			zap.Error(err))
		return
	}
	service.logger.Info("absorption operation",
		zap.String("operation", operation),
		zap.String("decision_id", id),
		zap.String("actor", actor.String()))
}
