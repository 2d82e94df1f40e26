package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/svc/entitlement"
)

var ErrPaymentLinkNotConfigured = errors.New("stripe payment link is not configured")

// StripeVerifier covers Stripe credit purchases. Stripe has no client
// receipts; purchases arrive only as signed webhook events.
type StripeVerifier struct {
	cfg   StripeConfig
	guard *guard
}

func NewStripeVerifier(cfg StripeConfig, opts ...Option) *StripeVerifier {
	if cfg.CreditsPerCheckout <= 0 {
		cfg.CreditsPerCheckout = 50
	}
	return &StripeVerifier{
		cfg:   cfg,
		guard: newGuard(string(entitlement.SourceStripe), newOptions(opts)),
	}
}

func (s *StripeVerifier) Verify(_ context.Context, _ Receipt) (VerifiedPurchase, error) {
	s.guard.recorder.ObserveVerify(s.guard.platform, resultLabel(ErrInvalidReceipt), 0)
	return VerifiedPurchase{}, fmt.Errorf("%w: stripe purchases are confirmed by webhook", ErrInvalidReceipt)
}

// ConstructEvent checks the Stripe-Signature header against the endpoint
// secret and decodes the event.
func (s *StripeVerifier) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if s.cfg.WebhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.guard.log.Warn("stripe webhook signature rejected",
			logger.Platform(s.guard.platform), logger.Error(err))
		return stripe.Event{}, errors.Join(ErrInvalidSignature, err)
	}
	return event, nil
}

// PaymentLink returns the configured payment link tagged with the user,
// so the checkout session can be attributed when it completes.
func (s *StripeVerifier) PaymentLink(userID string) (string, error) {
	if s.cfg.PaymentLinkURL == "" {
		return "", ErrPaymentLinkNotConfigured
	}
	u, err := url.Parse(s.cfg.PaymentLinkURL)
	if err != nil {
		return "", fmt.Errorf("parse payment link: %w", err)
	}
	q := u.Query()
	q.Set("client_reference_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CreditsPerCheckout is the try-on credit amount granted per paid checkout.
func (s *StripeVerifier) CreditsPerCheckout() int { return s.cfg.CreditsPerCheckout }
