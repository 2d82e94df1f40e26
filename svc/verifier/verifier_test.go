package verifier_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/verifier"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fastConfig() verifier.Config {
	return verifier.Config{
		Timeout:         time.Second,
		MaxAttempts:     3,
		BreakerFailures: 100,
		BreakerCooldown: time.Minute,
		BackoffBase:     time.Millisecond,
		BackoffMax:      time.Millisecond,
	}
}

type verifyRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *verifyRecorder) ObserveVerify(platform, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, platform+":"+result)
}

func (r *verifyRecorder) Results() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...)
}

type stubVerifier struct {
	purchase verifier.VerifiedPurchase
}

func (s stubVerifier) Verify(context.Context, verifier.Receipt) (verifier.VerifiedPurchase, error) {
	return s.purchase, nil
}

func TestSet(t *testing.T) {
	t.Parallel()

	set := verifier.Set{
		entitlement.SourceApple: stubVerifier{purchase: verifier.VerifiedPurchase{TransactionID: "tx-1"}},
	}

	t.Run("dispatches by platform", func(t *testing.T) {
		t.Parallel()
		got, err := set.Verify(context.Background(), entitlement.SourceApple, verifier.Receipt{Data: "r"})
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.TransactionID)
	})

	t.Run("unknown platform", func(t *testing.T) {
		t.Parallel()
		_, err := set.Verify(context.Background(), entitlement.SourceGoogle, verifier.Receipt{Data: "r"})
		assert.ErrorIs(t, err, verifier.ErrUnsupportedPlatform)
	})
}

func TestVerifiedPurchaseConversion(t *testing.T) {
	t.Parallel()

	v := verifier.VerifiedPurchase{
		ProductID:       "com.nandezu.basic_monthly",
		TransactionID:   "tx",
		SubscriptionRef: "orig",
		PurchasedAt:     testNow,
		ExpiresAt:       testNow.Add(time.Hour),
	}
	p := v.Purchase(entitlement.SourceApple)

	assert.Equal(t, entitlement.SourceApple, p.Source)
	assert.Equal(t, v.ProductID, p.ProductID)
	assert.Equal(t, v.TransactionID, p.TransactionID)
	assert.Equal(t, v.SubscriptionRef, p.SubscriptionRef)
	assert.Equal(t, v.ExpiresAt, p.ExpiresAt)
	assert.True(t, p.EventAt.IsZero())
}
