package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nandezu/entitlements/svc/entitlement"
)

// verifyReceipt status codes.
const (
	appleStatusOK              = 0
	appleStatusMalformed       = 21002
	appleStatusAuthFailed      = 21003
	appleStatusServerDown      = 21005
	appleStatusSandboxReceipt  = 21007
	appleStatusProductionOnSbx = 21008
	appleStatusUnauthorized    = 21010
)

const appleMaxBody = 4 << 20

type appleRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type appleTransaction struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
}

type appleResponse struct {
	Status            int                `json:"status"`
	Environment       string             `json:"environment"`
	IsRetryable       bool               `json:"is-retryable"`
	LatestReceiptInfo []appleTransaction `json:"latest_receipt_info"`
	Receipt           struct {
		InApp []appleTransaction `json:"in_app"`
	} `json:"receipt"`
}

// AppleVerifier validates App Store receipts with the verifyReceipt endpoint.
type AppleVerifier struct {
	cfg    AppleConfig
	client *http.Client
	now    func() time.Time
	guard  *guard
}

func NewAppleVerifier(cfg AppleConfig, opts ...Option) *AppleVerifier {
	o := newOptions(opts)
	client := o.client
	if client == nil {
		client = &http.Client{}
	}
	return &AppleVerifier{
		cfg:    cfg,
		client: client,
		now:    o.now,
		guard:  newGuard(string(entitlement.SourceApple), o),
	}
}

func (a *AppleVerifier) Verify(ctx context.Context, r Receipt) (VerifiedPurchase, error) {
	if r.Data == "" {
		return VerifiedPurchase{}, fmt.Errorf("%w: empty receipt", ErrInvalidReceipt)
	}
	return a.guard.run(ctx, func(ctx context.Context) (VerifiedPurchase, error) {
		return a.verify(ctx, r)
	})
}

func (a *AppleVerifier) verify(ctx context.Context, r Receipt) (VerifiedPurchase, error) {
	resp, err := a.post(ctx, a.cfg.ProductionURL, r.Data)
	if err != nil {
		return VerifiedPurchase{}, err
	}

	// One redirect between environments at most.
	switch resp.Status {
	case appleStatusSandboxReceipt:
		resp, err = a.post(ctx, a.cfg.SandboxURL, r.Data)
	case appleStatusProductionOnSbx:
		resp, err = a.post(ctx, a.cfg.ProductionURL, r.Data)
	}
	if err != nil {
		return VerifiedPurchase{}, err
	}

	if err := appleStatusError(resp); err != nil {
		return VerifiedPurchase{}, err
	}

	tx, ok := latestTransaction(resp, r.ProductID)
	if !ok {
		return VerifiedPurchase{}, fmt.Errorf("%w: no transactions in receipt", ErrInvalidReceipt)
	}

	purchased, err := parseMillis(tx.PurchaseDateMS)
	if err != nil {
		return VerifiedPurchase{}, errors.Join(ErrInvalidReceipt, err)
	}
	expires, err := parseMillis(tx.ExpiresDateMS)
	if err != nil {
		return VerifiedPurchase{}, errors.Join(ErrInvalidReceipt, err)
	}
	if !expires.After(a.now()) {
		return VerifiedPurchase{}, fmt.Errorf("%w: expired at %s", ErrPurchaseExpired, expires.Format(time.RFC3339))
	}

	ref := tx.OriginalTransactionID
	if ref == "" {
		ref = tx.TransactionID
	}
	return VerifiedPurchase{
		ProductID:       tx.ProductID,
		TransactionID:   tx.TransactionID,
		SubscriptionRef: ref,
		PurchasedAt:     purchased,
		ExpiresAt:       expires,
	}, nil
}

func (a *AppleVerifier) post(ctx context.Context, url, data string) (appleResponse, error) {
	body, err := json.Marshal(appleRequest{
		ReceiptData:            data,
		Password:               a.cfg.SharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return appleResponse{}, errors.Join(ErrInvalidReceipt, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return appleResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return appleResponse{}, fmt.Errorf("apple verifyReceipt: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		return appleResponse{}, fmt.Errorf("apple verifyReceipt: http %d", res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return appleResponse{}, fmt.Errorf("%w: apple responded http %d", ErrInvalidReceipt, res.StatusCode)
	}

	var out appleResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, appleMaxBody)).Decode(&out); err != nil {
		return appleResponse{}, errors.Join(ErrInvalidReceipt, fmt.Errorf("decode apple response: %w", err))
	}
	return out, nil
}

func appleStatusError(resp appleResponse) error {
	switch s := resp.Status; {
	case s == appleStatusOK:
		return nil
	case s == appleStatusServerDown, s >= 21100 && s <= 21199, resp.IsRetryable:
		return fmt.Errorf("apple verifyReceipt: temporary status %d", s)
	case s == appleStatusMalformed, s == appleStatusAuthFailed, s == appleStatusUnauthorized:
		return fmt.Errorf("%w: apple status %d", ErrInvalidReceipt, s)
	default:
		return fmt.Errorf("%w: apple status %d", ErrInvalidReceipt, s)
	}
}

// latestTransaction picks the entry with the greatest expiry, preferring
// entries for productID when the receipt holds several products.
func latestTransaction(resp appleResponse, productID string) (appleTransaction, bool) {
	entries := resp.LatestReceiptInfo
	if len(entries) == 0 {
		entries = resp.Receipt.InApp
	}

	var (
		best    appleTransaction
		bestExp int64 = -1
		found   bool
	)
	pick := func(match func(appleTransaction) bool) {
		for _, tx := range entries {
			if !match(tx) {
				continue
			}
			exp, err := strconv.ParseInt(tx.ExpiresDateMS, 10, 64)
			if err != nil {
				exp = 0
			}
			if !found || exp > bestExp {
				best, bestExp, found = tx, exp, true
			}
		}
	}

	if productID != "" {
		pick(func(tx appleTransaction) bool { return tx.ProductID == productID })
	}
	if !found {
		pick(func(appleTransaction) bool { return true })
	}
	return best, found
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse millis %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
