package entitlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/pkg/statemachine"
)

// Entitlement is the per-user subscription record. Its fields are mutated
// only through the methods below, which keep the quota-reset-on-transition
// invariant intact.
type Entitlement struct {
	UserID            uuid.UUID
	Tier              Tier
	Period            Period
	PeriodStart       time.Time
	PeriodEnd         time.Time
	QuotaResetAt      time.Time
	CancelAtPeriodEnd bool
	Source            Source
	TransactionID     string
	SubscriptionRef   string
	LastEventAt       time.Time // zero until the first platform event
	Remaining         Quota
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Activation carries a verified purchase into the entitlement.
type Activation struct {
	Tier            Tier
	Period          Period
	PeriodStart     time.Time // optional, defaults to now
	PeriodEnd       time.Time
	Source          Source
	TransactionID   string
	SubscriptionRef string
	EventAt         time.Time // optional, zero for client purchases
}

// NewFree returns a fresh free-tier entitlement with a rolling period.
func NewFree(userID uuid.UUID, now time.Time) *Entitlement {
	e := &Entitlement{UserID: userID, CreatedAt: now, UpdatedAt: now}
	e.resetToFree(now)
	return e
}

// IsActive reports whether paid features may be used at now.
func (e *Entitlement) IsActive(now time.Time) bool {
	return e.Tier == TierFree || !now.After(e.PeriodEnd)
}

// Owns reports whether a platform event about ref targets the current
// subscription. Unknown refs on either side are treated as a match.
func (e *Entitlement) Owns(src Source, ref string) bool {
	if ref == "" || e.SubscriptionRef == "" {
		return true
	}
	return e.Source == src && e.SubscriptionRef == ref
}

// Activate applies a new or renewed paid period.
func (e *Entitlement) Activate(a Activation, now time.Time) (Outcome, error) {
	return e.apply(EventActivate, a, now)
}

// ChangePlan is Activate that refuses to re-buy the plan the user already has.
func (e *Entitlement) ChangePlan(a Activation, now time.Time) (Outcome, error) {
	if e.isDuplicate(a.TransactionID) {
		return OutcomeDuplicate, nil
	}
	if e.Tier.Paid() && e.Tier == a.Tier && e.Period == a.Period && e.IsActive(now) {
		return OutcomeUnchanged, ErrAlreadySubscribed
	}
	return e.apply(EventChange, a, now)
}

func (e *Entitlement) apply(event statemachine.Event, a Activation, now time.Time) (Outcome, error) {
	if e.isDuplicate(a.TransactionID) {
		return OutcomeDuplicate, nil
	}
	if e.isOutdated(a) {
		return OutcomeStale, nil
	}
	if !a.Tier.Paid() || (a.Period != PeriodMonthly && a.Period != PeriodAnnual) {
		return OutcomeUnchanged, fmt.Errorf("%w: tier %q period %q", ErrInvalidActivation, a.Tier, a.Period)
	}
	if !a.PeriodEnd.After(now) {
		return OutcomeUnchanged, ErrPurchaseExpired
	}
	if err := e.transition(event); err != nil {
		return OutcomeUnchanged, err
	}

	start := now
	if !a.PeriodStart.IsZero() && a.PeriodStart.Before(a.PeriodEnd) && !a.PeriodStart.After(now) {
		start = a.PeriodStart
	}

	e.Tier = a.Tier
	e.Period = a.Period
	e.PeriodStart = start
	e.PeriodEnd = a.PeriodEnd
	e.QuotaResetAt = now
	e.Remaining = QuotaFor(a.Tier)
	e.CancelAtPeriodEnd = false
	e.Source = a.Source
	e.TransactionID = a.TransactionID
	if a.SubscriptionRef != "" {
		e.SubscriptionRef = a.SubscriptionRef
	}
	// Client submissions carry no platform timestamp; they take effect as of now.
	at := a.EventAt
	if at.IsZero() {
		at = now
	}
	e.observe(at)
	return OutcomeApplied, nil
}

// RequestCancellation keeps paid access until PeriodEnd and then drops to
// free. eventAt is zero when the user asks directly.
func (e *Entitlement) RequestCancellation(eventAt time.Time) (Outcome, error) {
	if e.Tier == TierFree {
		return OutcomeUnchanged, ErrNoActiveSubscription
	}
	if e.isStale(eventAt) {
		return OutcomeStale, nil
	}
	if e.CancelAtPeriodEnd {
		e.observe(eventAt)
		return OutcomeUnchanged, nil
	}
	if err := e.transition(EventCancel); err != nil {
		return OutcomeUnchanged, err
	}
	e.CancelAtPeriodEnd = true
	e.observe(eventAt)
	return OutcomeApplied, nil
}

// Resume clears a pending cancellation when auto renew is switched back on.
func (e *Entitlement) Resume(eventAt time.Time) (Outcome, error) {
	if e.isStale(eventAt) {
		return OutcomeStale, nil
	}
	if !e.CancelAtPeriodEnd || e.Tier == TierFree {
		return OutcomeUnchanged, nil
	}
	if err := e.transition(EventResume); err != nil {
		return OutcomeUnchanged, err
	}
	e.CancelAtPeriodEnd = false
	e.observe(eventAt)
	return OutcomeApplied, nil
}

// Lapse demotes to free immediately, as for a refund or revocation.
func (e *Entitlement) Lapse(eventAt, now time.Time) (Outcome, error) {
	if e.Tier == TierFree {
		return OutcomeUnchanged, nil
	}
	if e.isStale(eventAt) {
		return OutcomeStale, nil
	}
	if err := e.transition(EventLapse); err != nil {
		return OutcomeUnchanged, err
	}
	e.resetToFree(now)
	e.observe(eventAt)
	return OutcomeLapsed, nil
}

// RolloverIfDue advances the entitlement to now. A paid period that ended
// with a pending cancellation expires to free. One that ended without a
// renewal lapses to free once grace has passed. Free periods roll forward
// with fresh quotas, and annual plans get their quota back every
// RefillInterval.
func (e *Entitlement) RolloverIfDue(now time.Time, grace time.Duration) (Outcome, error) {
	if e.Tier == TierFree {
		if !now.After(e.PeriodEnd) {
			return OutcomeUnchanged, nil
		}
		if err := e.transition(EventRenew); err != nil {
			return OutcomeUnchanged, err
		}
		e.resetToFree(now)
		return OutcomeRenewed, nil
	}

	if now.After(e.PeriodEnd) {
		if e.CancelAtPeriodEnd {
			if err := e.transition(EventExpire); err != nil {
				return OutcomeUnchanged, err
			}
			e.resetToFree(now)
			return OutcomeExpired, nil
		}
		if !now.After(e.PeriodEnd.Add(grace)) {
			return OutcomeUnchanged, nil
		}
		if err := e.transition(EventLapse); err != nil {
			return OutcomeUnchanged, err
		}
		e.resetToFree(now)
		return OutcomeLapsed, nil
	}

	next := e.QuotaResetAt.Add(RefillInterval)
	if e.Period != PeriodAnnual || now.Before(next) {
		return OutcomeUnchanged, nil
	}
	if err := e.transition(EventRenew); err != nil {
		return OutcomeUnchanged, err
	}
	for !now.Before(next.Add(RefillInterval)) {
		next = next.Add(RefillInterval)
	}
	e.QuotaResetAt = next
	e.Remaining = QuotaFor(e.Tier)
	return OutcomeRefilled, nil
}

// ActiveWithin is IsActive with the configured grace window applied.
func (e *Entitlement) ActiveWithin(now time.Time, grace time.Duration) bool {
	return e.IsActive(now.Add(-grace))
}

// GrantCredits adds purchased units on top of the current counters.
func (e *Entitlement) GrantCredits(f Feature, n int) error {
	if _, err := ParseFeature(string(f)); err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidActivation)
	}
	e.Remaining.set(f, e.Remaining.Get(f)+n)
	return nil
}

func (e *Entitlement) consume(f Feature) (int, error) {
	left := e.Remaining.Get(f)
	if left <= 0 {
		return 0, ErrQuotaExhausted
	}
	e.Remaining.set(f, left-1)
	return left - 1, nil
}

// release returns one unit without exceeding the tier allowance.
func (e *Entitlement) release(f Feature) int {
	left := e.Remaining.Get(f)
	if left < QuotaFor(e.Tier).Get(f) {
		left++
		e.Remaining.set(f, left)
	}
	return left
}

func (e *Entitlement) resetToFree(now time.Time) {
	e.Tier = TierFree
	e.Period = PeriodNone
	e.PeriodStart = now
	e.PeriodEnd = now.Add(FreePeriod)
	e.QuotaResetAt = now
	e.Remaining = QuotaFor(TierFree)
	e.CancelAtPeriodEnd = false
	e.Source = SourceNone
	e.SubscriptionRef = ""
}

func (e *Entitlement) isDuplicate(txID string) bool {
	return txID != "" && txID == e.TransactionID
}

// isStale reports an event older than the one that produced the current
// state. Events without a timestamp are never stale.
func (e *Entitlement) isStale(eventAt time.Time) bool {
	return !eventAt.IsZero() && !e.LastEventAt.IsZero() && eventAt.Before(e.LastEventAt)
}

// isOutdated extends isStale for purchases: at an equal timestamp the
// activation expiring first loses.
func (e *Entitlement) isOutdated(a Activation) bool {
	if e.isStale(a.EventAt) {
		return true
	}
	return !a.EventAt.IsZero() && a.EventAt.Equal(e.LastEventAt) &&
		e.Tier.Paid() && a.PeriodEnd.Before(e.PeriodEnd)
}

func (e *Entitlement) observe(eventAt time.Time) {
	if eventAt.After(e.LastEventAt) {
		e.LastEventAt = eventAt
	}
}
