package reconciler

import (
	"time"

	"github.com/nandezu/entitlements/svc/entitlement"
)

// Kind is the entitlement action a store notification maps to.
type Kind string

const (
	KindActivate    Kind = "activate"
	KindCancel      Kind = "cancel"
	KindResume      Kind = "resume"
	KindLapse       Kind = "lapse"
	KindCreditTopup Kind = "credit_topup"
	KindIgnored     Kind = "ignored"
)

// Event is a verified platform notification in platform-neutral form.
// It is also the payload of deferred reconciliation tasks.
type Event struct {
	ID              string             `json:"id"`
	Platform        entitlement.Source `json:"platform"`
	Kind            Kind               `json:"kind"`
	Type            string             `json:"type"`
	OccurredAt      time.Time          `json:"occurred_at"`
	UserHint        string             `json:"user_hint,omitempty"`
	SubscriptionRef string             `json:"subscription_ref,omitempty"`
	TransactionID   string             `json:"transaction_id,omitempty"`
	ProductID       string             `json:"product_id,omitempty"`
	PurchasedAt     time.Time          `json:"purchased_at,omitzero"`
	ExpiresAt       time.Time          `json:"expires_at,omitzero"`

	// NeedsVerification marks activations whose period must be fetched
	// from the platform before they can be applied.
	NeedsVerification bool `json:"needs_verification,omitempty"`

	GrantID string              `json:"grant_id,omitempty"`
	Feature entitlement.Feature `json:"feature,omitempty"`
	Credits int                 `json:"credits,omitempty"`
}

func (e Event) dedupKey() string {
	return string(e.Platform) + ":" + e.ID
}

// PendingEvent is the queued form of an Event that could not be applied
// right away.
type PendingEvent struct {
	Event Event `json:"event"`
}
