package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/nandezu/entitlements/svc/entitlement"
)

// Receipt is the opaque purchase proof a client submits.
type Receipt struct {
	ProductID string
	Data      string
}

// VerifiedPurchase is what the platform confirmed about a receipt.
type VerifiedPurchase struct {
	ProductID       string
	TransactionID   string
	SubscriptionRef string
	PurchasedAt     time.Time
	ExpiresAt       time.Time
}

// Purchase converts v into the form the entitlement service applies.
func (v VerifiedPurchase) Purchase(src entitlement.Source) entitlement.Purchase {
	return entitlement.Purchase{
		Source:          src,
		ProductID:       v.ProductID,
		TransactionID:   v.TransactionID,
		SubscriptionRef: v.SubscriptionRef,
		PurchasedAt:     v.PurchasedAt,
		ExpiresAt:       v.ExpiresAt,
	}
}

// Verifier confirms a receipt with one payment platform.
type Verifier interface {
	Verify(ctx context.Context, r Receipt) (VerifiedPurchase, error)
}

// Set selects a Verifier by platform.
type Set map[entitlement.Source]Verifier

func (s Set) Verify(ctx context.Context, src entitlement.Source, r Receipt) (VerifiedPurchase, error) {
	v, ok := s[src]
	if !ok || v == nil {
		return VerifiedPurchase{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, src)
	}
	return v.Verify(ctx, r)
}
