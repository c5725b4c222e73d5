package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

// Source discriminators recorded on a snapshot.
const (
	SourceLocal    = "local"
	SourceExternal = "external"
)

// Defaults carries the terms captured when a snapshot is first created.
type Defaults struct {
	CourseID        string
	StudentID       teocoin.UserID
	TeacherID       teocoin.UserID
	Price           decimal.Decimal
	DiscountPercent *decimal.Decimal
	DiscountAmount  *decimal.Decimal
	AcceptTEO       bool
	AcceptRatio     *decimal.Decimal
	TeacherStaked   decimal.Decimal
}

// Service immortalizes discount terms keyed by order id so that a replayed
// payment confirmation observes the exact split computed at intent time.
type Service struct {
	store  teocoin.Store
	nowFn  teocoin.Clock
	config teocoin.Config
	logger *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
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

// GetOrCreate resolves the snapshot for an order id, creating it at most
// once. Concurrent creations collide on the unique order id; the loser
// re-reads and returns the winner with created=false. An external order id
// first tries to attach to a locally-created synthetic snapshot for the same
// (student, course) pair instead of creating a duplicate row.
func (service *Service) GetOrCreate(ctx context.Context, orderID teocoin.OrderID, defaults Defaults) (teocoin.DiscountSnapshot, bool, error) {
	if existing, found, err := service.store.GetSnapshotByOrderID(ctx, orderID); err != nil {
		return teocoin.DiscountSnapshot{}, false, err
	} else if found {
		return existing, false, nil
	}

	isLocal := orderID.HasPrefix(service.config.LocalOrderPrefix)
	if !isLocal {
		synthetic, found, err := service.store.FindSyntheticSnapshot(ctx, defaults.StudentID, defaults.CourseID, service.config.LocalOrderPrefix)
		if err != nil {
			return teocoin.DiscountSnapshot{}, false, err
		}
		if found {
			if err := service.store.AttachExternalTxn(ctx, synthetic.ID, orderID.String()); err != nil {
				return teocoin.DiscountSnapshot{}, false, err
			}
			synthetic.ExternalTxnID = orderID.String()
			service.logCreation(synthetic, "attached")
			return synthetic, false, nil
		}
	}

	built, err := service.build(orderID, defaults, isLocal)
	if err != nil {
		return teocoin.DiscountSnapshot{}, false, err
	}
	if err := service.store.InsertSnapshot(ctx, &built); err != nil {
		if errors.Is(err, teocoin.ErrConflict) {
			winner, found, readErr := service.store.GetSnapshotByOrderID(ctx, orderID)
			if readErr != nil {
				return teocoin.DiscountSnapshot{}, false, readErr
			}
			if found {
				return winner, false, nil
			}
		}
		return teocoin.DiscountSnapshot{}, false, err
	}
	service.logCreation(built, "created")
	return built, true, nil
}

// Get returns the snapshot for an order id.
func (service *Service) Get(ctx context.Context, orderID teocoin.OrderID) (teocoin.DiscountSnapshot, error) {
	existing, found, err := service.store.GetSnapshotByOrderID(ctx, orderID)
	if err != nil {
		return teocoin.DiscountSnapshot{}, err
	}
	if !found {
		return teocoin.DiscountSnapshot{}, fmt.Errorf("%w: snapshot for order %s", teocoin.ErrNotFound, orderID.String())
	}
	return existing, nil
}

func (service *Service) build(orderID teocoin.OrderID, defaults Defaults, isLocal bool) (teocoin.DiscountSnapshot, error) {
	price, err := teocoin.NewFiatAmount(defaults.Price)
	if err != nil {
		return teocoin.DiscountSnapshot{}, err
	}
	tier := service.config.Tiers.TierFor(defaults.TeacherStaked)
	breakdown, err := teocoin.ComputeBreakdown(teocoin.BreakdownInput{
		Price:           price,
		DiscountPercent: defaults.DiscountPercent,
		DiscountAmount:  defaults.DiscountAmount,
		Tier:            tier,
		AcceptTEO:       defaults.AcceptTEO,
		AcceptRatio:     defaults.AcceptRatio,
	})
	if err != nil {
		return teocoin.DiscountSnapshot{}, err
	}
	source := SourceExternal
	if isLocal {
		source = SourceLocal
	}
	built := teocoin.DiscountSnapshot{
		OrderID:             orderID,
		CourseID:            defaults.CourseID,
		StudentID:           defaults.StudentID,
		TeacherID:           defaults.TeacherID,
		Price:               price,
		DiscountAmount:      breakdown.DiscountAmount,
		StudentPayEUR:       breakdown.StudentPayEUR,
		TeacherEUR:          breakdown.TeacherEUR,
		PlatformEUR:         breakdown.PlatformEUR,
		TeacherTEO:          breakdown.TeacherTEO,
		PlatformTEO:         breakdown.PlatformTEO,
		TierName:            tier.Name,
		TierTeacherSplit:    tier.TeacherSplit(),
		TierMaxAcceptRatio:  tier.MaxAcceptRatio,
		TierBonusMultiplier: tier.BonusMultiplier,
		AbsorptionPolicy:    breakdown.AbsorptionPolicy,
		Source:              source,
		CreatedAt:           service.nowFn(),
	}
	if defaults.DiscountPercent != nil {
		built.DiscountPercent = *defaults.DiscountPercent
	}
	return built, nil
}

func (service *Service) logCreation(snapshot teocoin.DiscountSnapshot, outcome string) {
	if service.logger == nil {
		return
	}
	service.logger.Info("discount snapshot",
		zap.String("outcome", outcome),
		zap.String("order_id", snapshot.OrderID.String()),
		zap.String("course_id", snapshot.CourseID),
		zap.String("student_id", snapshot.StudentID.String()),
		zap.String("policy", string(snapshot.AbsorptionPolicy)))
}
