package billing

import (
	"errors"
	"net/http"

	"github.com/nandezu/entitlements/handler"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/reconciler"
	"github.com/nandezu/entitlements/svc/verifier"
)

var errorTable = []struct {
	target error
	http   handler.HTTPError
}{
	{verifier.ErrVerificationUnavailable, handler.HTTPError{Code: http.StatusServiceUnavailable, Key: "verification_unavailable"}},
	{verifier.ErrInvalidReceipt, handler.HTTPError{Code: http.StatusUnprocessableEntity, Key: "invalid_receipt"}},
	{entitlement.ErrPurchaseExpired, handler.HTTPError{Code: http.StatusUnprocessableEntity, Key: "purchase_expired"}},
	{entitlement.ErrUnknownProduct, handler.HTTPError{Code: http.StatusUnprocessableEntity, Key: "unknown_product"}},
	{entitlement.ErrAlreadySubscribed, handler.HTTPError{Code: http.StatusConflict, Key: "already_subscribed"}},
	{entitlement.ErrNoActiveSubscription, handler.HTTPError{Code: http.StatusBadRequest, Key: "no_active_subscription"}},
	{entitlement.ErrSubscriptionInactive, handler.HTTPError{Code: http.StatusForbidden, Key: "subscription_inactive"}},
	{entitlement.ErrQuotaExhausted, handler.HTTPError{Code: http.StatusForbidden, Key: "quota_exhausted"}},
	{entitlement.ErrUnsupportedPlatform, handler.ErrBadRequest},
	{entitlement.ErrUnknownFeature, handler.ErrBadRequest},
	{reconciler.ErrMalformedPayload, handler.HTTPError{Code: http.StatusBadRequest, Key: "malformed_payload"}},
	{reconciler.ErrInvalidSignature, handler.HTTPError{Code: http.StatusBadRequest, Key: "invalid_signature"}},
	{reconciler.ErrUnauthorized, handler.ErrUnauthorized},
	{verifier.ErrPaymentLinkNotConfigured, handler.ErrServiceUnavailable},
}

// MapError translates entitlement, verifier and webhook errors.
func MapError(err error) (handler.HTTPError, bool) {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.http.WithMessage(e.target.Error()), true
		}
	}
	return handler.HTTPError{}, false
}
