package reconciler

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nandezu/entitlements/svc/entitlement"
)

// App Store Server Notification v2 types and subtypes.
const (
	appleSubscribed             = "SUBSCRIBED"
	appleDidRenew               = "DID_RENEW"
	appleDidChangeRenewalPref   = "DID_CHANGE_RENEWAL_PREF"
	appleDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	appleDidFailToRenew         = "DID_FAIL_TO_RENEW"
	appleExpired                = "EXPIRED"
	appleGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	appleRevoke                 = "REVOKE"
	appleRefund                 = "REFUND"

	appleSubtypeUpgrade          = "UPGRADE"
	appleSubtypeAutoRenewEnabled = "AUTO_RENEW_ENABLED"
	appleSubtypeAutoRenewOff     = "AUTO_RENEW_DISABLED"
)

type appleNotification struct {
	jwt.RegisteredClaims
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

type appleTransaction struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	AppAccountToken       string `json:"appAccountToken"`
}

// AppleDecoder verifies App Store Server Notifications v2. Both the outer
// payload and the nested transaction are ES256 JWS whose x5c chain must
// lead to a trusted root.
type AppleDecoder struct {
	roots    *x509.CertPool
	bundleID string
	now      func() time.Time
}

func NewAppleDecoder(roots *x509.CertPool, bundleID string) *AppleDecoder {
	return &AppleDecoder{roots: roots, bundleID: bundleID, now: time.Now}
}

// LoadRootPool reads a PEM or DER encoded root certificate.
func LoadRootPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apple root certificate: %w", err)
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("parse apple root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}

// Decode verifies body ({"signedPayload": "..."}) and maps it to an Event.
func (d *AppleDecoder) Decode(body []byte) (Event, error) {
	var req struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.SignedPayload == "" {
		return Event{}, fmt.Errorf("%w: missing signedPayload", ErrMalformedPayload)
	}

	var n appleNotification
	if err := d.verify(req.SignedPayload, &n); err != nil {
		return Event{}, err
	}
	if n.NotificationUUID == "" || n.NotificationType == "" {
		return Event{}, fmt.Errorf("%w: notification without id or type", ErrMalformedPayload)
	}
	if d.bundleID != "" && n.Data.BundleID != "" && n.Data.BundleID != d.bundleID {
		return Event{}, fmt.Errorf("%w: bundle %q", ErrMalformedPayload, n.Data.BundleID)
	}

	ev := Event{
		ID:         n.NotificationUUID,
		Platform:   entitlement.SourceApple,
		Kind:       appleKind(n.NotificationType, n.Subtype),
		Type:       n.NotificationType,
		OccurredAt: time.UnixMilli(n.SignedDate).UTC(),
	}
	if n.Subtype != "" {
		ev.Type += "/" + n.Subtype
	}
	if ev.Kind == KindIgnored {
		return ev, nil
	}
	if n.Data.SignedTransactionInfo == "" {
		return Event{}, fmt.Errorf("%w: %s without transaction", ErrMalformedPayload, ev.Type)
	}

	var tx appleTransaction
	if err := d.verify(n.Data.SignedTransactionInfo, &tx); err != nil {
		return Event{}, err
	}
	ev.UserHint = tx.AppAccountToken
	ev.TransactionID = tx.TransactionID
	ev.SubscriptionRef = tx.OriginalTransactionID
	if ev.SubscriptionRef == "" {
		ev.SubscriptionRef = tx.TransactionID
	}
	ev.ProductID = tx.ProductID
	if tx.PurchaseDate > 0 {
		ev.PurchasedAt = time.UnixMilli(tx.PurchaseDate).UTC()
	}
	if tx.ExpiresDate > 0 {
		ev.ExpiresAt = time.UnixMilli(tx.ExpiresDate).UTC()
	}
	return ev, nil
}

func appleKind(typ, subtype string) Kind {
	switch typ {
	case appleSubscribed, appleDidRenew:
		return KindActivate
	case appleDidChangeRenewalPref:
		if subtype == appleSubtypeUpgrade {
			return KindActivate
		}
	case appleDidChangeRenewalStatus:
		switch subtype {
		case appleSubtypeAutoRenewOff:
			return KindCancel
		case appleSubtypeAutoRenewEnabled:
			return KindResume
		}
	case appleDidFailToRenew:
		return KindCancel
	case appleExpired, appleGracePeriodExpired, appleRevoke, appleRefund:
		return KindLapse
	}
	return KindIgnored
}

func (d *AppleDecoder) verify(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, d.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return errors.Join(ErrMalformedPayload, err)
		}
		return errors.Join(ErrInvalidSignature, err)
	}
	return nil
}

// key returns the leaf public key after verifying the x5c chain.
func (d *AppleDecoder) key(t *jwt.Token) (any, error) {
	if d.roots == nil {
		return nil, errors.New("no trusted apple root configured")
	}
	chain, ok := t.Header["x5c"].([]any)
	if !ok || len(chain) < 2 {
		return nil, errors.New("x5c chain missing")
	}

	certs := make([]*x509.Certificate, 0, len(chain))
	for i, c := range chain {
		s, ok := c.(string)
		if !ok {
			return nil, fmt.Errorf("x5c[%d] is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         d.roots,
		Intermediates: intermediates,
		CurrentTime:   d.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("x5c chain: %w", err)
	}

	key, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("leaf certificate key is not ECDSA")
	}
	return key, nil
}
