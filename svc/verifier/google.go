package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nandezu/entitlements/svc/entitlement"
)

// Play subscription payment states accepted as paid.
const (
	googlePaymentReceived = 1
	googleFreeTrial       = 2
)

// GoogleVerifier validates Play subscription purchase tokens with the
// Android Publisher API. Receipt.ProductID is the subscription id and
// Receipt.Data the purchase token.
type GoogleVerifier struct {
	pkg   string
	subs  *androidpublisher.PurchasesSubscriptionsService
	now   func() time.Time
	guard *guard
}

func NewGoogleVerifier(ctx context.Context, cfg GoogleConfig, opts ...Option) (*GoogleVerifier, error) {
	o := newOptions(opts)

	var clientOpts []option.ClientOption
	switch {
	case o.client != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(o.client))
	case cfg.CredentialsFile != "":
		raw, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read google credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, raw, androidpublisher.AndroidpublisherScope)
		if err != nil {
			return nil, fmt.Errorf("parse google credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := androidpublisher.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create android publisher client: %w", err)
	}

	return &GoogleVerifier{
		pkg:   cfg.PackageName,
		subs:  svc.Purchases.Subscriptions,
		now:   o.now,
		guard: newGuard(string(entitlement.SourceGoogle), o),
	}, nil
}

func (g *GoogleVerifier) Verify(ctx context.Context, r Receipt) (VerifiedPurchase, error) {
	if r.Data == "" || r.ProductID == "" {
		return VerifiedPurchase{}, fmt.Errorf("%w: purchase token and product id are required", ErrInvalidReceipt)
	}
	return g.guard.run(ctx, func(ctx context.Context) (VerifiedPurchase, error) {
		return g.verify(ctx, r)
	})
}

func (g *GoogleVerifier) verify(ctx context.Context, r Receipt) (VerifiedPurchase, error) {
	sub, err := g.subs.Get(g.pkg, r.ProductID, r.Data).Context(ctx).Do()
	if err != nil {
		return VerifiedPurchase{}, classifyGoogleError(err)
	}

	expires := time.UnixMilli(sub.ExpiryTimeMillis).UTC()
	if !expires.After(g.now()) {
		return VerifiedPurchase{}, fmt.Errorf("%w: expired at %s", ErrPurchaseExpired, expires.Format(time.RFC3339))
	}
	if sub.PaymentState == nil {
		return VerifiedPurchase{}, fmt.Errorf("%w: payment state missing", ErrInvalidReceipt)
	}
	switch *sub.PaymentState {
	case googlePaymentReceived, googleFreeTrial:
	default:
		return VerifiedPurchase{}, fmt.Errorf("%w: payment state %d", ErrInvalidReceipt, *sub.PaymentState)
	}

	txID := sub.OrderId
	if txID == "" {
		txID = r.Data
	}
	return VerifiedPurchase{
		ProductID:       r.ProductID,
		TransactionID:   txID,
		SubscriptionRef: r.Data,
		PurchasedAt:     time.UnixMilli(sub.StartTimeMillis).UTC(),
		ExpiresAt:       expires,
	}, nil
}

func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("google purchases.subscriptions.get: %w", err)
	}
	switch apiErr.Code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		return errors.Join(ErrInvalidReceipt, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		// Service account problem, not a bad receipt.
		return fmt.Errorf("google credentials rejected: %w", err)
	}
	return fmt.Errorf("google purchases.subscriptions.get: %w", err)
}
