package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/pkg/logger"
)

// Meter gates feature usage on the user's entitlement.
type Meter struct {
	deps
	store Store
}

func NewMeter(store Store, opts ...Option) *Meter {
	if store == nil {
		panic("entitlement: Store is required")
	}
	m := &Meter{deps: defaultDeps(), store: store}
	for _, opt := range opts {
		opt(&m.deps)
	}
	return m
}

// TryConsume takes one unit of feature and returns how many are left.
// The rollover, the checks and the decrement happen in one serialized
// store update, so two concurrent calls never both take the last unit.
func (m *Meter) TryConsume(ctx context.Context, userID uuid.UUID, f Feature) (int, error) {
	if _, err := ParseFeature(string(f)); err != nil {
		return 0, err
	}

	now := m.now()
	var (
		left   int
		denied error
	)
	_, err := m.store.Update(ctx, userID, now, func(e *Entitlement) error {
		if _, err := e.RolloverIfDue(now, m.grace); err != nil {
			return err
		}
		if !e.ActiveWithin(now, m.grace) {
			denied = ErrSubscriptionInactive
			return nil
		}
		left, denied = e.consume(f)
		return nil
	})
	if err != nil {
		return 0, err
	}

	result := "ok"
	if denied != nil {
		result = denialReason(denied)
		m.log.InfoContext(ctx, "feature usage denied",
			logger.UserID(userID),
			logger.Feature(string(f)),
			logger.Error(denied),
			logger.Component("meter"),
		)
	}
	m.recorder.UsageRecorded(string(f), result)
	return left, denied
}

// Release gives back one unit, for example when a stored result is
// deleted. The counter never exceeds the tier allowance.
func (m *Meter) Release(ctx context.Context, userID uuid.UUID, f Feature) (int, error) {
	if _, err := ParseFeature(string(f)); err != nil {
		return 0, err
	}

	now := m.now()
	var left int
	_, err := m.store.Update(ctx, userID, now, func(e *Entitlement) error {
		if _, err := e.RolloverIfDue(now, m.grace); err != nil {
			return err
		}
		left = e.release(f)
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.recorder.UsageRecorded(string(f), "released")
	return left, nil
}

// Usage returns the remaining counters after applying any due rollover.
func (m *Meter) Usage(ctx context.Context, userID uuid.UUID) (Quota, time.Time, error) {
	now := m.now()
	e, err := m.store.Update(ctx, userID, now, func(e *Entitlement) error {
		_, err := e.RolloverIfDue(now, m.grace)
		return err
	})
	if err != nil {
		return Quota{}, time.Time{}, err
	}
	return e.Remaining, e.PeriodEnd, nil
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, ErrSubscriptionInactive):
		return "subscription_inactive"
	}
	return "error"
}
