package entitlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/svc/entitlement"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	outcomes []string
	usage    map[string]int
}

func (r *recorder) EntitlementChanged(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) UsageRecorded(feature, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usage == nil {
		r.usage = map[string]int{}
	}
	r.usage[feature+":"+result]++
}

func newService(t *testing.T, c *clock, opts ...entitlement.Option) (*entitlement.Service, *entitlement.MemoryStore) {
	t.Helper()
	products, err := entitlement.LoadProductMapping("")
	require.NoError(t, err)
	store := entitlement.NewMemoryStore()
	opts = append([]entitlement.Option{entitlement.WithClock(c.Now)}, opts...)
	return entitlement.NewService(store, products, opts...), store
}

func applePurchase(product, txID string, expires time.Time) entitlement.Purchase {
	return entitlement.Purchase{
		Source:          entitlement.SourceApple,
		ProductID:       product,
		TransactionID:   txID,
		SubscriptionRef: "orig-" + txID,
		ExpiresAt:       expires,
	}
}

func TestScenarioA_NewUserIsFree(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newClock(t0))
	e, err := svc.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, e.Tier)
	assert.Equal(t, 5, e.Remaining.TryOns)
}

func TestScenarioB_PurchaseBasicMonthly(t *testing.T) {
	t.Parallel()

	c := newClock(t0)
	svc, store := newService(t, c)
	userID := uuid.New()

	p := entitlement.Purchase{
		Source:          entitlement.SourceGoogle,
		ProductID:       "basic.monthly",
		TransactionID:   "GPA.1",
		SubscriptionRef: "token-1",
		ExpiresAt:       t0.Add(30 * day),
	}
	res, err := svc.Activate(context.Background(), userID, p)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, res.Outcome)
	assert.Equal(t, entitlement.TierBasic, res.Entitlement.Tier)
	assert.Equal(t, entitlement.PeriodMonthly, res.Entitlement.Period)
	assert.Equal(t, 50, res.Entitlement.Remaining.TryOns)
	assert.True(t, res.Entitlement.IsActive(c.Now()))

	owner, err := store.ResolveSubscription(context.Background(), entitlement.SourceGoogle, "token-1")
	require.NoError(t, err)
	assert.Equal(t, userID, owner)
}

func TestScenarioC_DuplicateRenewal(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newClock(t0))
	userID := uuid.New()
	ctx := context.Background()

	first, err := svc.Activate(ctx, userID, applePurchase("com.nandezu.promonthly", "tx-1", t0.Add(30*day)))
	require.NoError(t, err)

	again := applePurchase("com.nandezu.promonthly", "tx-1", t0.Add(60*day))
	again.EventAt = t0.Add(time.Hour)
	res, err := svc.Activate(ctx, userID, again)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, first.Entitlement.PeriodEnd, res.Entitlement.PeriodEnd)
	assert.Equal(t, first.Entitlement.Remaining, res.Entitlement.Remaining)
	assert.Equal(t, first.Entitlement.Version, res.Entitlement.Version)
}

func TestScenarioD_CancelProWithTenDaysLeft(t *testing.T) {
	t.Parallel()

	c := newClock(t0)
	svc, _ := newService(t, c)
	userID := uuid.New()
	ctx := context.Background()

	_, err := svc.Activate(ctx, userID, applePurchase("com.nandezu.promonthly", "tx-1", t0.Add(10*day)))
	require.NoError(t, err)

	res, err := svc.Cancel(ctx, userID)
	require.NoError(t, err)
	assert.True(t, res.Entitlement.CancelAtPeriodEnd)
	assert.True(t, res.Entitlement.IsActive(c.Now()))
	assert.Equal(t, entitlement.QuotaFor(entitlement.TierPro), res.Entitlement.Remaining)

	c.Advance(11 * day)
	e, err := svc.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, e.Tier)
	assert.Equal(t, entitlement.QuotaFor(entitlement.TierFree), e.Remaining)
}

func TestServiceErrors(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newClock(t0))
	ctx := context.Background()

	t.Run("unknown product", func(t *testing.T) {
		t.Parallel()
		_, err := svc.Activate(ctx, uuid.New(), applePurchase("com.nandezu.gold", "tx", t0.Add(day)))
		assert.ErrorIs(t, err, entitlement.ErrUnknownProduct)
	})

	t.Run("cancel on free", func(t *testing.T) {
		t.Parallel()
		_, err := svc.Cancel(ctx, uuid.New())
		assert.ErrorIs(t, err, entitlement.ErrNoActiveSubscription)
	})

	t.Run("change to same plan", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		_, err := svc.Activate(ctx, userID, applePurchase("com.nandezu.promonthly", "tx-a", t0.Add(30*day)))
		require.NoError(t, err)
		_, err = svc.ChangePlan(ctx, userID, applePurchase("com.nandezu.promonthly", "tx-b", t0.Add(30*day)))
		assert.ErrorIs(t, err, entitlement.ErrAlreadySubscribed)
	})

	t.Run("upgrade", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		_, err := svc.Activate(ctx, userID, applePurchase("com.nandezu.basic_monthly", "tx-c", t0.Add(30*day)))
		require.NoError(t, err)
		res, err := svc.ChangePlan(ctx, userID, applePurchase("com.nandezu.premiumannual", "tx-d", t0.Add(365*day)))
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierPremium, res.Entitlement.Tier)
		assert.Equal(t, entitlement.PeriodAnnual, res.Entitlement.Period)
	})
}

func TestPlatformEventsThroughService(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, newClock(t0))
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.Activate(ctx, userID, applePurchase("com.nandezu.promonthly", "tx-1", t0.Add(30*day)))
	require.NoError(t, err)

	other := entitlement.PlatformEvent{Source: entitlement.SourceApple, SubscriptionRef: "orig-other", EventAt: t0.Add(time.Hour)}
	res, err := svc.ApplyLapse(ctx, userID, other)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeUnchanged, res.Outcome)
	assert.Equal(t, entitlement.TierPro, res.Entitlement.Tier)

	mine := entitlement.PlatformEvent{Source: entitlement.SourceApple, SubscriptionRef: "orig-tx-1", EventAt: t0.Add(time.Hour)}
	res, err = svc.ApplyCancel(ctx, userID, mine)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, res.Outcome)

	mine.EventAt = t0.Add(2 * time.Hour)
	res, err = svc.ApplyResume(ctx, userID, mine)
	require.NoError(t, err)
	assert.False(t, res.Entitlement.CancelAtPeriodEnd)

	mine.EventAt = t0.Add(3 * time.Hour)
	res, err = svc.ApplyLapse(ctx, userID, mine)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeLapsed, res.Outcome)
	assert.Equal(t, entitlement.TierFree, res.Entitlement.Tier)
}

func TestGrantCreditsOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	svc, _ := newService(t, newClock(t0), entitlement.WithRecorder(rec))
	ctx := context.Background()
	userID := uuid.New()
	g := entitlement.Grant{ID: "cs_test_1", Feature: entitlement.FeatureVirtualTryOn, Amount: 50}

	res, err := svc.GrantCredits(ctx, userID, g)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, res.Outcome)
	assert.Equal(t, 55, res.Entitlement.Remaining.TryOns)

	res, err = svc.GrantCredits(ctx, userID, g)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 55, res.Entitlement.Remaining.TryOns)
	assert.Equal(t, []string{"applied"}, rec.outcomes)
}
