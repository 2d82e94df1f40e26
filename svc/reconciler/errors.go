package reconciler

import (
	"errors"

	"github.com/nandezu/entitlements/svc/verifier"
)

var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrInvalidSignature = verifier.ErrInvalidSignature
	ErrUnresolvedUser   = errors.New("webhook user not resolved")
	ErrNotQueued        = errors.New("webhook event could not be queued")
	ErrUnauthorized     = errors.New("webhook request not authorized")
)
