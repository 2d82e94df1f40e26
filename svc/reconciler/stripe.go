package reconciler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/nandezu/entitlements/svc/entitlement"
)

// StripeEvents verifies webhook signatures. *verifier.StripeVerifier
// satisfies it.
type StripeEvents interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
	CreditsPerCheckout() int
}

// StripeDecoder turns paid checkout sessions into credit top ups.
type StripeDecoder struct {
	events StripeEvents
}

func NewStripeDecoder(events StripeEvents) *StripeDecoder {
	return &StripeDecoder{events: events}
}

func (d *StripeDecoder) Decode(body []byte, signature string) (Event, error) {
	se, err := d.events.ConstructEvent(body, signature)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		ID:         se.ID,
		Platform:   entitlement.SourceStripe,
		Kind:       KindIgnored,
		Type:       string(se.Type),
		OccurredAt: time.Unix(se.Created, 0).UTC(),
	}
	if se.Type != stripe.EventTypeCheckoutSessionCompleted {
		return ev, nil
	}
	if se.Data == nil {
		return Event{}, fmt.Errorf("%w: event without data", ErrMalformedPayload)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(se.Data.Raw, &session); err != nil {
		return Event{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		ev.Type += "/" + string(session.PaymentStatus)
		return ev, nil
	}

	ev.Kind = KindCreditTopup
	ev.UserHint = session.ClientReferenceID
	ev.GrantID = session.ID
	ev.TransactionID = session.ID
	ev.Feature = entitlement.FeatureVirtualTryOn
	ev.Credits = d.events.CreditsPerCheckout()
	return ev, nil
}
