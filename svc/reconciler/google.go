package reconciler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nandezu/entitlements/svc/entitlement"
)

// Real-time developer notification subscription types.
const (
	googleRecovered = 1
	googleRenewed   = 2
	googleCanceled  = 3
	googlePurchased = 4
	googleRestarted = 7
	googleRevoked   = 12
	googleExpired   = 13
)

type pubsubPush struct {
	Message struct {
		Data        []byte    `json:"data"`
		MessageID   string    `json:"messageId"`
		PublishTime time.Time `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// GoogleDecoder parses Play real-time developer notifications delivered
// by a Pub/Sub push subscription.
type GoogleDecoder struct {
	packageName string
}

func NewGoogleDecoder(packageName string) *GoogleDecoder {
	return &GoogleDecoder{packageName: packageName}
}

func (d *GoogleDecoder) Decode(body []byte) (Event, error) {
	var push pubsubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if push.Message.MessageID == "" || len(push.Message.Data) == 0 {
		return Event{}, fmt.Errorf("%w: empty pub/sub message", ErrMalformedPayload)
	}

	var n developerNotification
	if err := json.Unmarshal(push.Message.Data, &n); err != nil {
		return Event{}, fmt.Errorf("%w: notification: %v", ErrMalformedPayload, err)
	}
	if d.packageName != "" && n.PackageName != d.packageName {
		return Event{}, fmt.Errorf("%w: package %q", ErrMalformedPayload, n.PackageName)
	}

	ev := Event{
		ID:         push.Message.MessageID,
		Platform:   entitlement.SourceGoogle,
		Kind:       KindIgnored,
		OccurredAt: push.Message.PublishTime.UTC(),
	}
	if ms, err := strconv.ParseInt(n.EventTimeMillis, 10, 64); err == nil && ms > 0 {
		ev.OccurredAt = time.UnixMilli(ms).UTC()
	}

	switch sn := n.SubscriptionNotification; {
	case n.TestNotification != nil:
		ev.Type = "test"
	case sn == nil:
		ev.Type = "unsupported"
	default:
		if sn.PurchaseToken == "" {
			return Event{}, fmt.Errorf("%w: subscription notification without token", ErrMalformedPayload)
		}
		ev.Type = strconv.Itoa(sn.NotificationType)
		ev.Kind = googleKind(sn.NotificationType)
		ev.SubscriptionRef = sn.PurchaseToken
		ev.ProductID = sn.SubscriptionID
		ev.NeedsVerification = ev.Kind == KindActivate
	}
	return ev, nil
}

func googleKind(t int) Kind {
	switch t {
	case googleRecovered, googleRenewed, googlePurchased, googleRestarted:
		return KindActivate
	case googleCanceled:
		return KindCancel
	case googleRevoked, googleExpired:
		return KindLapse
	}
	return KindIgnored
}
