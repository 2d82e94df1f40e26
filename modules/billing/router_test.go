package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/nandezu/entitlements/handler"
	"github.com/nandezu/entitlements/modules/billing"
	"github.com/nandezu/entitlements/pkg/jwt"
	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/queue"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/reconciler"
	"github.com/nandezu/entitlements/svc/verifier"
)

const stripeSecret = "whsec_billing"

type verifyFunc func(ctx context.Context, r verifier.Receipt) (verifier.VerifiedPurchase, error)

func (f verifyFunc) Verify(ctx context.Context, r verifier.Receipt) (verifier.VerifiedPurchase, error) {
	return f(ctx, r)
}

// appleStub treats the receipt body as a script: "bad", "expired" and
// "down" fail the way the App Store would, anything else is a valid
// receipt for the requested product.
func appleStub(_ context.Context, r verifier.Receipt) (verifier.VerifiedPurchase, error) {
	switch r.Data {
	case "bad":
		return verifier.VerifiedPurchase{}, verifier.ErrInvalidReceipt
	case "expired":
		return verifier.VerifiedPurchase{}, verifier.ErrPurchaseExpired
	case "down":
		return verifier.VerifiedPurchase{}, errors.Join(verifier.ErrVerificationUnavailable, errors.New("timeout"))
	}
	return verifier.VerifiedPurchase{
		ProductID:       r.ProductID,
		TransactionID:   "tx-" + r.Data,
		SubscriptionRef: "orig-1",
		PurchasedAt:     time.Now().Add(-time.Minute),
		ExpiresAt:       time.Now().Add(30 * 24 * time.Hour),
	}, nil
}

type decodeFunc func(body []byte) (reconciler.Event, error)

func (f decodeFunc) Decode(body []byte) (reconciler.Event, error) { return f(body) }

type failingWebhooks struct{}

func (failingWebhooks) Accept(context.Context, reconciler.Event) error {
	return reconciler.ErrNotQueued
}

type testEnv struct {
	router http.Handler
	tokens *jwt.Service
	user   uuid.UUID
	token  string
	tasks  *queue.MemoryStorage
}

func newEnv(t *testing.T, mutate ...func(*billing.RouterOptions)) *testEnv {
	t.Helper()

	products, err := entitlement.LoadProductMapping("")
	require.NoError(t, err)
	store := entitlement.NewMemoryStore()
	svc := entitlement.NewService(store, products)

	stripeVerifier := verifier.NewStripeVerifier(verifier.StripeConfig{
		WebhookSecret:  stripeSecret,
		PaymentLinkURL: "https://buy.stripe.com/test_credits",
	})
	verifiers := verifier.Set{
		entitlement.SourceApple:  verifyFunc(appleStub),
		entitlement.SourceStripe: stripeVerifier,
	}

	tasks := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(tasks)
	require.NoError(t, err)
	rec := reconciler.New(reconciler.Config{}, svc, verifiers, enq)

	tokens, err := jwt.New(jwt.Config{SigningKey: "billing-test-key"})
	require.NoError(t, err)

	opts := billing.RouterOptions{
		Entitlements: svc,
		Meter:        entitlement.NewMeter(store),
		Verifiers:    verifiers,
		PaymentLinks: stripeVerifier,
		Webhooks:     rec,
		AppleDecoder: decodeFunc(func(body []byte) (reconciler.Event, error) {
			if string(body) == "forged" {
				return reconciler.Event{}, reconciler.ErrInvalidSignature
			}
			return reconciler.Event{ID: "n-1", Platform: entitlement.SourceApple, Kind: reconciler.KindIgnored}, nil
		}),
		GoogleDecoder:   reconciler.NewGoogleDecoder("com.nandezu.app"),
		StripeDecoder:   reconciler.NewStripeDecoder(stripeVerifier),
		GooglePushToken: "push-secret",
		Auth:            jwt.Middleware(tokens),
		Logger:          logger.Discard(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	user := uuid.New()
	token, err := tokens.Generate(user, time.Hour)
	require.NoError(t, err)

	return &testEnv{router: billing.Router(opts), tokens: tokens, user: user, token: token, tasks: tasks}
}

type envelope struct {
	Data  json.RawMessage      `json:"data"`
	Error *handler.ErrorDetail `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && json.Valid(rec.Body.Bytes()) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func purchase(product, receipt string) map[string]string {
	return map[string]string{"product_id": product, "platform": "apple", "receipt": receipt}
}

func TestPlans(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.token = ""
	code, env := e.do(t, http.MethodGet, "/v1/plans", nil)
	require.Equal(t, http.StatusOK, code)

	plans := decode[[]entitlement.Plan](t, env)
	require.Len(t, plans, 4)
	assert.Equal(t, entitlement.TierFree, plans[0].Tier)
	assert.Equal(t, 200, plans[3].Quota.TryOns)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.token = "not-a-token"
	code, _ := e.do(t, http.MethodGet, "/v1/subscription", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSubscriptionSnapshot(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	code, env := e.do(t, http.MethodGet, "/v1/subscription", nil)
	require.Equal(t, http.StatusOK, code)

	view := decode[billing.SubscriptionView](t, env)
	assert.Equal(t, entitlement.TierFree, view.Tier)
	assert.Equal(t, "free", view.Status)
	assert.Equal(t, entitlement.QuotaFor(entitlement.TierFree), view.Remaining)
}

func TestPurchase(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	code, env := e.do(t, http.MethodPost, "/v1/subscription/purchase", purchase("com.nandezu.promonthly", "r1"))
	require.Equal(t, http.StatusOK, code, env.Error)

	view := decode[billing.SubscriptionView](t, env)
	assert.Equal(t, entitlement.TierPro, view.Tier)
	assert.Equal(t, entitlement.PeriodMonthly, view.Period)
	assert.Equal(t, entitlement.SourceApple, view.Platform)
	assert.Equal(t, "active", view.Status)
	assert.Equal(t, "applied", view.Outcome)
	assert.Equal(t, entitlement.QuotaFor(entitlement.TierPro), view.Remaining)

	code, env = e.do(t, http.MethodPost, "/v1/subscription/purchase", purchase("com.nandezu.promonthly", "r1"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", decode[billing.SubscriptionView](t, env).Outcome)
}

func TestPurchaseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unsupported platform", map[string]string{"product_id": "basic.monthly", "platform": "paypal", "receipt": "r"}, http.StatusBadRequest, "bad_request"},
		{"invalid receipt", purchase("com.nandezu.promonthly", "bad"), http.StatusUnprocessableEntity, "invalid_receipt"},
		{"expired purchase", purchase("com.nandezu.promonthly", "expired"), http.StatusUnprocessableEntity, "purchase_expired"},
		{"platform down", purchase("com.nandezu.promonthly", "down"), http.StatusServiceUnavailable, "verification_unavailable"},
		{"unknown product", purchase("com.nandezu.lifetime", "r1"), http.StatusUnprocessableEntity, "unknown_product"},
		{"stripe receipts", map[string]string{"product_id": "credits", "platform": "stripe", "receipt": "r"}, http.StatusUnprocessableEntity, "invalid_receipt"},
		{"missing receipt", map[string]string{"product_id": "basic.monthly", "platform": "apple"}, http.StatusUnprocessableEntity, "validation_error"},
		{"malformed body", `{"product_id":`, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			code, env := e.do(t, http.MethodPost, "/v1/subscription/purchase", tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)

			// A rejected purchase leaves the user on free.
			_, snap := e.do(t, http.MethodGet, "/v1/subscription", nil)
			assert.Equal(t, entitlement.TierFree, decode[billing.SubscriptionView](t, snap).Tier)
		})
	}
}

func TestChangePlan(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/subscription/purchase", purchase("com.nandezu.promonthly", "r1"))
	require.Equal(t, http.StatusOK, code)

	change := func(product, receipt string) map[string]string {
		return map[string]string{"new_product_id": product, "platform": "apple", "receipt": receipt}
	}

	code, env := e.do(t, http.MethodPost, "/v1/subscription/change", change("com.nandezu.promonthly", "r2"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_subscribed", env.Error.Code)

	code, env = e.do(t, http.MethodPost, "/v1/subscription/change", change("com.nandezu.premiumannual", "r3"))
	require.Equal(t, http.StatusOK, code)
	view := decode[billing.SubscriptionView](t, env)
	assert.Equal(t, entitlement.TierPremium, view.Tier)
	assert.Equal(t, entitlement.PeriodAnnual, view.Period)
	assert.Equal(t, entitlement.QuotaFor(entitlement.TierPremium), view.Remaining)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	code, env := e.do(t, http.MethodPost, "/v1/subscription/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "no_active_subscription", env.Error.Code)

	code, _ = e.do(t, http.MethodPost, "/v1/subscription/purchase", purchase("com.nandezu.basic_monthly", "r1"))
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(t, http.MethodPost, "/v1/subscription/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	view := decode[billing.SubscriptionView](t, env)
	assert.True(t, view.CancelAtPeriodEnd)
	assert.Equal(t, "pending_cancel", view.Status)
	assert.Equal(t, entitlement.TierBasic, view.Tier)
}

func TestUsage(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	free := entitlement.QuotaFor(entitlement.TierFree).TryOns
	use := map[string]string{"feature": "virtual_try_on"}

	for i := 1; i <= free; i++ {
		code, env := e.do(t, http.MethodPost, "/v1/usage", use)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, free-i, decode[billing.UsageView](t, env).Remaining)
	}

	code, env := e.do(t, http.MethodPost, "/v1/usage", use)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "quota_exhausted", env.Error.Code)

	code, env = e.do(t, http.MethodPost, "/v1/usage/release", use)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, decode[billing.UsageView](t, env).Remaining)

	code, env = e.do(t, http.MethodGet, "/v1/usage", nil)
	require.Equal(t, http.StatusOK, code)
	summary := decode[billing.UsageSummaryView](t, env)
	assert.Equal(t, 1, summary.Remaining.TryOns)
	assert.False(t, summary.ResetsAt.IsZero())

	code, env = e.do(t, http.MethodPost, "/v1/usage", map[string]string{"feature": "teleport"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", env.Error.Code)
}

func TestPaymentLink(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	code, env := e.do(t, http.MethodGet, "/v1/credits/payment-link", nil)
	require.Equal(t, http.StatusOK, code)

	u, err := url.Parse(decode[billing.PaymentLinkView](t, env).URL)
	require.NoError(t, err)
	assert.Equal(t, e.user.String(), u.Query().Get("client_reference_id"))
}

func TestStripeWebhookGrantsCredits(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","payment_status":"paid","client_reference_id":"` + e.user.String() + `"}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload), Secret: stripeSecret, Timestamp: time.Now(), Scheme: "v1",
	})

	code, env := e.do(t, http.MethodPost, "/webhooks/stripe", signed.Payload, "Stripe-Signature", signed.Header)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[billing.WebhookAck](t, env).Received)

	_, snap := e.do(t, http.MethodGet, "/v1/subscription", nil)
	free := entitlement.QuotaFor(entitlement.TierFree).TryOns
	assert.Equal(t, free+50, decode[billing.SubscriptionView](t, snap).Remaining.TryOns)

	code, env = e.do(t, http.MethodPost, "/webhooks/stripe", signed.Payload, "Stripe-Signature", "t=1,v1=00")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_signature", env.Error.Code)
}

func TestAppleWebhook(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/webhooks/apple", `{"signedPayload":"x"}`)
	assert.Equal(t, http.StatusOK, code)

	code, env := e.do(t, http.MethodPost, "/webhooks/apple", "forged")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_signature", env.Error.Code)
}

func TestGoogleWebhook(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	data, err := json.Marshal(map[string]any{
		"packageName":      "com.nandezu.app",
		"testNotification": map[string]string{"version": "1.0"},
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{"message": map[string]any{"data": data, "messageId": "m-1"}})
	require.NoError(t, err)

	code, _ := e.do(t, http.MethodPost, "/webhooks/google", body)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodPost, "/webhooks/google?token=push-secret", body)
	assert.Equal(t, http.StatusOK, code)

	code, env := e.do(t, http.MethodPost, "/webhooks/google?token=push-secret", `{"message":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_payload", env.Error.Code)
}

func TestWebhookQueueFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(o *billing.RouterOptions) { o.Webhooks = failingWebhooks{} })
	code, env := e.do(t, http.MethodPost, "/webhooks/apple", `{"signedPayload":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal_error", env.Error.Code)
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{entitlement.ErrSubscriptionInactive, http.StatusForbidden, "subscription_inactive"},
		{errors.Join(errors.New("meter"), entitlement.ErrQuotaExhausted), http.StatusForbidden, "quota_exhausted"},
		{entitlement.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed"},
		{verifier.ErrPaymentLinkNotConfigured, http.StatusServiceUnavailable, "service_unavailable"},
	}
	for _, tt := range tests {
		got, ok := billing.MapError(tt.err)
		require.True(t, ok, tt.err)
		assert.Equal(t, tt.status, got.Code)
		assert.Equal(t, tt.code, got.Key)
	}

	_, ok := billing.MapError(errors.New("something else"))
	assert.False(t, ok)
}
