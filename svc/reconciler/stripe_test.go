package reconciler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/reconciler"
	"github.com/nandezu/entitlements/svc/verifier"
)

const stripeSecret = "whsec_reconciler"

func signedStripe(payload string) (body []byte, header string) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    stripeSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func checkoutEvent(eventID, sessionID, paymentStatus, user string) string {
	return `{"id":"` + eventID + `","object":"event","created":1760000000,"type":"checkout.session.completed",` +
		`"data":{"object":{"id":"` + sessionID + `","object":"checkout.session","payment_status":"` + paymentStatus +
		`","client_reference_id":"` + user + `"}}}`
}

func TestStripeDecoder(t *testing.T) {
	t.Parallel()

	dec := reconciler.NewStripeDecoder(verifier.NewStripeVerifier(verifier.StripeConfig{WebhookSecret: stripeSecret}))
	user := "0b9f4c1e-6f7a-4c56-9a51-3f8d2b7e4a10"

	t.Run("paid checkout grants credits", func(t *testing.T) {
		t.Parallel()
		ev, err := dec.Decode(signedStripe(checkoutEvent("evt_1", "cs_1", "paid", user)))
		require.NoError(t, err)

		assert.Equal(t, reconciler.KindCreditTopup, ev.Kind)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, entitlement.SourceStripe, ev.Platform)
		assert.Equal(t, user, ev.UserHint)
		assert.Equal(t, "cs_1", ev.GrantID)
		assert.Equal(t, entitlement.FeatureVirtualTryOn, ev.Feature)
		assert.Equal(t, 50, ev.Credits)
		assert.Equal(t, int64(1760000000), ev.OccurredAt.Unix())
	})

	t.Run("unpaid checkout is ignored", func(t *testing.T) {
		t.Parallel()
		ev, err := dec.Decode(signedStripe(checkoutEvent("evt_2", "cs_2", "unpaid", user)))
		require.NoError(t, err)
		assert.Equal(t, reconciler.KindIgnored, ev.Kind)
	})

	t.Run("other event types are ignored", func(t *testing.T) {
		t.Parallel()
		ev, err := dec.Decode(signedStripe(`{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{}}}`))
		require.NoError(t, err)
		assert.Equal(t, reconciler.KindIgnored, ev.Kind)
		assert.Equal(t, "invoice.paid", ev.Type)
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()
		body, _ := signedStripe(checkoutEvent("evt_4", "cs_4", "paid", user))
		_, err := dec.Decode(body, "t=1,v1=deadbeef")
		assert.ErrorIs(t, err, reconciler.ErrInvalidSignature)
	})
}
