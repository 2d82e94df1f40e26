package billing

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nandezu/entitlements/handler"
	"github.com/nandezu/entitlements/pkg/clientip"
	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/reconciler"
)

const maxWebhookBody = 1 << 20

type decodeFunc func(r *http.Request, body []byte) (reconciler.Event, error)

// webhook answers 200 once the event is applied, ignored or queued, 400
// when the payload cannot be trusted and 500 when it could not be queued.
func (m *module) webhook(platform entitlement.Source, decode decodeFunc) http.HandlerFunc {
	return handler.Wrap(func(ctx handler.Context, _ struct{}) handler.Response {
		r := ctx.Request()
		body, err := io.ReadAll(http.MaxBytesReader(ctx.ResponseWriter(), r.Body, maxWebhookBody))
		if err != nil {
			return handler.Error(fmt.Errorf("%w: read body: %v", reconciler.ErrMalformedPayload, err))
		}

		ev, err := decode(r, body)
		if err != nil {
			if errors.Is(err, reconciler.ErrInvalidSignature) || errors.Is(err, reconciler.ErrUnauthorized) {
				m.Logger.WarnContext(ctx, "webhook authentication failed",
					logger.Platform(string(platform)),
					slog.String("client_ip", clientip.FromRequest(r)),
					logger.Error(err),
				)
			}
			return handler.Error(err)
		}

		if err := m.Webhooks.Accept(ctx, ev); err != nil {
			return handler.Error(err)
		}
		return handler.JSON(WebhookAck{Received: true})
	}, handler.WithErrorHandler[struct{}](m.errorHandler))
}

func (m *module) decodeApple(_ *http.Request, body []byte) (reconciler.Event, error) {
	return m.AppleDecoder.Decode(body)
}

func (m *module) decodeGoogle(r *http.Request, body []byte) (reconciler.Event, error) {
	if want := m.GooglePushToken; want != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return reconciler.Event{}, reconciler.ErrUnauthorized
		}
	}
	return m.GoogleDecoder.Decode(body)
}

func (m *module) decodeStripe(r *http.Request, body []byte) (reconciler.Event, error) {
	return m.StripeDecoder.Decode(body, r.Header.Get("Stripe-Signature"))
}
