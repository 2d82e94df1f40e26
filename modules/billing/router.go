package billing

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nandezu/entitlements/handler"
	"github.com/nandezu/entitlements/pkg/binder"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/reconciler"
	"github.com/nandezu/entitlements/svc/verifier"
)

type Entitlements interface {
	Get(ctx context.Context, userID uuid.UUID) (*entitlement.Entitlement, error)
	Activate(ctx context.Context, userID uuid.UUID, p entitlement.Purchase) (entitlement.Result, error)
	ChangePlan(ctx context.Context, userID uuid.UUID, p entitlement.Purchase) (entitlement.Result, error)
	Cancel(ctx context.Context, userID uuid.UUID) (entitlement.Result, error)
}

type Meter interface {
	TryConsume(ctx context.Context, userID uuid.UUID, f entitlement.Feature) (int, error)
	Release(ctx context.Context, userID uuid.UUID, f entitlement.Feature) (int, error)
	Usage(ctx context.Context, userID uuid.UUID) (entitlement.Quota, time.Time, error)
}

type Verifiers interface {
	Verify(ctx context.Context, src entitlement.Source, r verifier.Receipt) (verifier.VerifiedPurchase, error)
}

type PaymentLinks interface {
	PaymentLink(userID string) (string, error)
}

type Webhooks interface {
	Accept(ctx context.Context, ev reconciler.Event) error
}

// BodyDecoder verifies and parses a notification body.
type BodyDecoder interface {
	Decode(body []byte) (reconciler.Event, error)
}

// SignedDecoder verifies a body against a detached signature header.
type SignedDecoder interface {
	Decode(body []byte, signature string) (reconciler.Event, error)
}

// RouterOptions wires the billing module. Webhook routes are mounted only
// for the decoders provided.
type RouterOptions struct {
	Entitlements Entitlements
	Meter        Meter
	Verifiers    Verifiers
	PaymentLinks PaymentLinks

	Webhooks        Webhooks
	AppleDecoder    BodyDecoder
	GoogleDecoder   BodyDecoder
	StripeDecoder   SignedDecoder
	GooglePushToken string

	// Auth authenticates user routes and stores the user id with
	// jwt.WithUserID.
	Auth   func(http.Handler) http.Handler
	Logger *slog.Logger
}

type module struct {
	RouterOptions
	errorHandler handler.ErrorHandler
}

// Router builds the billing API:
//
//	r := chi.NewRouter()
//	r.Mount("/", billing.Router(billing.RouterOptions{...}))
func Router(opts RouterOptions) chi.Router {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Auth == nil {
		panic("billing: Auth middleware is required")
	}
	m := &module{
		RouterOptions: opts,
		errorHandler:  handler.NewJSONErrorHandler(opts.Logger, MapError),
	}

	r := chi.NewRouter()
	r.Get("/v1/plans", handler.Wrap(m.plans, handler.WithErrorHandler[struct{}](m.errorHandler)))

	r.Group(func(r chi.Router) {
		r.Use(opts.Auth)

		r.Get("/v1/subscription", handler.Wrap(m.subscription,
			handler.WithErrorHandler[struct{}](m.errorHandler)))
		r.Post("/v1/subscription/purchase", handler.Wrap(m.purchase,
			handler.WithBinders[PurchaseRequest](binder.JSON()),
			handler.WithErrorHandler[PurchaseRequest](m.errorHandler)))
		r.Post("/v1/subscription/change", handler.Wrap(m.change,
			handler.WithBinders[ChangeRequest](binder.JSON()),
			handler.WithErrorHandler[ChangeRequest](m.errorHandler)))
		r.Post("/v1/subscription/cancel", handler.Wrap(m.cancel,
			handler.WithErrorHandler[struct{}](m.errorHandler)))

		r.Get("/v1/usage", handler.Wrap(m.usage,
			handler.WithErrorHandler[struct{}](m.errorHandler)))
		r.Post("/v1/usage", handler.Wrap(m.consume,
			handler.WithBinders[UsageRequest](binder.JSON()),
			handler.WithErrorHandler[UsageRequest](m.errorHandler)))
		r.Post("/v1/usage/release", handler.Wrap(m.release,
			handler.WithBinders[UsageRequest](binder.JSON()),
			handler.WithErrorHandler[UsageRequest](m.errorHandler)))

		if opts.PaymentLinks != nil {
			r.Get("/v1/credits/payment-link", handler.Wrap(m.paymentLink,
				handler.WithErrorHandler[struct{}](m.errorHandler)))
		}
	})

	if opts.Webhooks != nil {
		r.Route("/webhooks", func(r chi.Router) {
			if opts.AppleDecoder != nil {
				r.Post("/apple", m.webhook(entitlement.SourceApple, m.decodeApple))
			}
			if opts.GoogleDecoder != nil {
				r.Post("/google", m.webhook(entitlement.SourceGoogle, m.decodeGoogle))
			}
			if opts.StripeDecoder != nil {
				r.Post("/stripe", m.webhook(entitlement.SourceStripe, m.decodeStripe))
			}
		})
	}

	return r
}
