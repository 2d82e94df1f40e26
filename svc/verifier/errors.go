package verifier

import (
	"errors"

	"github.com/nandezu/entitlements/svc/entitlement"
)

var (
	ErrInvalidReceipt          = errors.New("invalid receipt")
	ErrVerificationUnavailable = errors.New("receipt verification unavailable")
	ErrInvalidSignature        = errors.New("invalid webhook signature")

	ErrPurchaseExpired     = entitlement.ErrPurchaseExpired
	ErrUnsupportedPlatform = entitlement.ErrUnsupportedPlatform
)

// permanent reports whether err is a verdict about the receipt itself
// rather than a failure to reach the platform.
func permanent(err error) bool {
	return errors.Is(err, ErrInvalidReceipt) ||
		errors.Is(err, ErrPurchaseExpired) ||
		errors.Is(err, ErrInvalidSignature)
}
