package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpdateFunc mutates an entitlement inside the store's per-user critical
// section. Returning an error discards the mutation.
type UpdateFunc func(e *Entitlement) error

// Grant records a one-time credit purchase. Its ID is unique across users.
type Grant struct {
	ID      string
	Feature Feature
	Amount  int
}

type UpdateOptions struct {
	Grant *Grant
}

type UpdateOption func(*UpdateOptions)

// WithGrant makes the update fail with ErrDuplicateGrant when g.ID was
// already recorded, and records it together with the mutation otherwise.
func WithGrant(g Grant) UpdateOption {
	return func(o *UpdateOptions) { o.Grant = &g }
}

func NewUpdateOptions(opts ...UpdateOption) UpdateOptions {
	var o UpdateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store persists entitlements and serializes updates per user.
type Store interface {
	// Load returns ErrNotFound for users that never touched the service.
	Load(ctx context.Context, userID uuid.UUID) (*Entitlement, error)

	// Update loads the entitlement, creating a free one at now when absent,
	// runs fn with exclusive access for the user and persists the result.
	// Activations also record the (source, subscription ref) link.
	Update(ctx context.Context, userID uuid.UUID, now time.Time, fn UpdateFunc, opts ...UpdateOption) (*Entitlement, error)

	// ResolveSubscription maps a platform subscription handle to its user.
	ResolveSubscription(ctx context.Context, src Source, ref string) (uuid.UUID, error)

	// DueForRollover lists paid entitlements whose period ended before now,
	// oldest first: cancelled ones at once, the rest once grace has passed.
	DueForRollover(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]uuid.UUID, error)
}

// ShouldLink reports whether e carries a subscription handle worth indexing.
func ShouldLink(e *Entitlement) bool {
	return e.Source != SourceNone && e.Source != "" && e.SubscriptionRef != ""
}
