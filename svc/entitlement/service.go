package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/pkg/logger"
)

// Purchase is a platform-confirmed purchase ready to be applied.
type Purchase struct {
	Source          Source
	ProductID       string
	TransactionID   string
	SubscriptionRef string
	PurchasedAt     time.Time
	ExpiresAt       time.Time
	EventAt         time.Time // zero for client submitted receipts
}

// PlatformEvent identifies the subscription a store notification is about.
type PlatformEvent struct {
	Source          Source
	SubscriptionRef string
	EventAt         time.Time
}

// Result is the entitlement after an operation and what the operation did.
type Result struct {
	Entitlement *Entitlement
	Outcome     Outcome
}

// Service owns every entitlement transition. All mutations run through
// Store.Update, so they are serialized per user and preceded by a rollover.
type Service struct {
	deps
	store    Store
	products *ProductMapping
}

func NewService(store Store, products *ProductMapping, opts ...Option) *Service {
	if store == nil {
		panic("entitlement: Store is required")
	}
	if products == nil {
		panic("entitlement: ProductMapping is required")
	}
	s := &Service{deps: defaultDeps(), store: store, products: products}
	for _, opt := range opts {
		opt(&s.deps)
	}
	return s
}

// Get returns the current entitlement, creating the free one on first access.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	res, err := s.update(ctx, userID, func(*Entitlement, time.Time) (Outcome, error) {
		return OutcomeUnchanged, nil
	})
	return res.Entitlement, err
}

// Activate applies a purchase or renewal.
func (s *Service) Activate(ctx context.Context, userID uuid.UUID, p Purchase) (Result, error) {
	a, err := s.activation(p)
	if err != nil {
		return Result{}, err
	}
	return s.update(ctx, userID, func(e *Entitlement, now time.Time) (Outcome, error) {
		return e.Activate(a, now)
	}, logger.ProductID(p.ProductID), logger.TransactionID(p.TransactionID))
}

// ChangePlan switches to the plan of a new purchase receipt.
func (s *Service) ChangePlan(ctx context.Context, userID uuid.UUID, p Purchase) (Result, error) {
	a, err := s.activation(p)
	if err != nil {
		return Result{}, err
	}
	return s.update(ctx, userID, func(e *Entitlement, now time.Time) (Outcome, error) {
		return e.ChangePlan(a, now)
	}, logger.ProductID(p.ProductID), logger.TransactionID(p.TransactionID))
}

// Cancel is the user-initiated cancellation.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID) (Result, error) {
	return s.update(ctx, userID, func(e *Entitlement, _ time.Time) (Outcome, error) {
		return e.RequestCancellation(time.Time{})
	})
}

// ApplyCancel records that the platform will not renew the subscription.
func (s *Service) ApplyCancel(ctx context.Context, userID uuid.UUID, ev PlatformEvent) (Result, error) {
	return s.update(ctx, userID, func(e *Entitlement, _ time.Time) (Outcome, error) {
		if !e.Owns(ev.Source, ev.SubscriptionRef) {
			return OutcomeUnchanged, nil
		}
		return e.RequestCancellation(ev.EventAt)
	}, logger.SubscriptionRef(ev.SubscriptionRef))
}

// ApplyResume records that auto renew was switched back on.
func (s *Service) ApplyResume(ctx context.Context, userID uuid.UUID, ev PlatformEvent) (Result, error) {
	return s.update(ctx, userID, func(e *Entitlement, _ time.Time) (Outcome, error) {
		if !e.Owns(ev.Source, ev.SubscriptionRef) {
			return OutcomeUnchanged, nil
		}
		return e.Resume(ev.EventAt)
	}, logger.SubscriptionRef(ev.SubscriptionRef))
}

// ApplyLapse demotes the user to free right away.
func (s *Service) ApplyLapse(ctx context.Context, userID uuid.UUID, ev PlatformEvent) (Result, error) {
	return s.update(ctx, userID, func(e *Entitlement, now time.Time) (Outcome, error) {
		if !e.Owns(ev.Source, ev.SubscriptionRef) {
			return OutcomeUnchanged, nil
		}
		return e.Lapse(ev.EventAt, now)
	}, logger.SubscriptionRef(ev.SubscriptionRef))
}

// GrantCredits tops up a feature once per grant id. A repeated grant id
// returns the current entitlement with OutcomeDuplicate.
func (s *Service) GrantCredits(ctx context.Context, userID uuid.UUID, g Grant) (Result, error) {
	res, err := s.updateWith(ctx, userID, func(e *Entitlement, _ time.Time) (Outcome, error) {
		return OutcomeApplied, e.GrantCredits(g.Feature, g.Amount)
	}, []UpdateOption{WithGrant(g)}, logger.Feature(string(g.Feature)), slog.String("grant_id", g.ID))

	if errors.Is(err, ErrDuplicateGrant) {
		e, getErr := s.Get(ctx, userID)
		if getErr != nil {
			return Result{}, getErr
		}
		return Result{Entitlement: e, Outcome: OutcomeDuplicate}, nil
	}
	return res, err
}

// ResolveSubscription finds the user that owns a platform subscription.
func (s *Service) ResolveSubscription(ctx context.Context, src Source, ref string) (uuid.UUID, error) {
	return s.store.ResolveSubscription(ctx, src, ref)
}

// Rollover applies RolloverIfDue for a single user.
func (s *Service) Rollover(ctx context.Context, userID uuid.UUID) (Result, error) {
	return s.update(ctx, userID, func(*Entitlement, time.Time) (Outcome, error) {
		return OutcomeUnchanged, nil
	})
}

func (s *Service) activation(p Purchase) (Activation, error) {
	prod, err := s.products.Resolve(p.Source, p.ProductID)
	if err != nil {
		s.log.Error("purchase references unmapped product",
			logger.Platform(string(p.Source)),
			logger.ProductID(p.ProductID),
			logger.Component("entitlement"),
		)
		return Activation{}, err
	}
	return Activation{
		Tier:            prod.Tier,
		Period:          prod.Period,
		PeriodStart:     p.PurchasedAt,
		PeriodEnd:       p.ExpiresAt,
		Source:          p.Source,
		TransactionID:   p.TransactionID,
		SubscriptionRef: p.SubscriptionRef,
		EventAt:         p.EventAt,
	}, nil
}

type opFunc func(e *Entitlement, now time.Time) (Outcome, error)

// update runs the lazy rollover and then op inside one store update.
func (s *Service) update(ctx context.Context, userID uuid.UUID, op opFunc, attrs ...any) (Result, error) {
	return s.updateWith(ctx, userID, op, nil, attrs...)
}

func (s *Service) updateWith(ctx context.Context, userID uuid.UUID, op opFunc, opts []UpdateOption, attrs ...any) (Result, error) {
	now := s.now()

	var rolled, outcome Outcome
	e, err := s.store.Update(ctx, userID, now, func(e *Entitlement) error {
		var err error
		rolled, err = e.RolloverIfDue(now, s.grace)
		if err != nil {
			return err
		}
		outcome, err = op(e, now)
		return err
	}, opts...)

	attrs = append(attrs, logger.UserID(userID), logger.Component("entitlement"))
	if err != nil {
		s.log.DebugContext(ctx, "entitlement update rejected", append(attrs, logger.Error(err))...)
		return Result{}, err
	}

	s.logRollover(ctx, e, rolled, attrs)
	if outcome.Changed() {
		s.recorder.EntitlementChanged(string(outcome))
		s.log.InfoContext(ctx, "entitlement updated",
			append(attrs, logger.Outcome(string(outcome)), logger.Tier(string(e.Tier)))...)
	}
	if outcome == OutcomeUnchanged && rolled.Changed() {
		outcome = rolled
	}
	return Result{Entitlement: e, Outcome: outcome}, nil
}

func (s *Service) logRollover(ctx context.Context, e *Entitlement, rolled Outcome, attrs []any) {
	if !rolled.Changed() {
		return
	}
	s.recorder.EntitlementChanged(string(rolled))
	attrs = append(attrs, logger.Outcome(string(rolled)))
	if rolled == OutcomeLapsed {
		// A healthy store integration renews before the period ends.
		s.log.WarnContext(ctx, "paid period ended without renewal, demoted to free", attrs...)
		return
	}
	s.log.InfoContext(ctx, "entitlement rolled over", append(attrs, logger.Tier(string(e.Tier)))...)
}
