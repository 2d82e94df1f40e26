package entitlement

import "errors"

var (
	ErrUnknownProduct        = errors.New("unknown product")
	ErrAlreadySubscribed     = errors.New("already subscribed to this plan")
	ErrNoActiveSubscription  = errors.New("no active subscription")
	ErrSubscriptionInactive  = errors.New("subscription is not active")
	ErrQuotaExhausted        = errors.New("quota exhausted")
	ErrPurchaseExpired       = errors.New("purchase already expired")
	ErrUnknownFeature        = errors.New("unknown feature")
	ErrUnsupportedPlatform   = errors.New("unsupported platform")
	ErrInvalidActivation     = errors.New("invalid activation")
	ErrInvalidTransition     = errors.New("invalid entitlement transition")
	ErrNotFound              = errors.New("entitlement not found")
	ErrDuplicateGrant        = errors.New("credit grant already applied")
	ErrInvalidProductMapping = errors.New("invalid product mapping")
)
