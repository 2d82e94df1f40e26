package logger

import (
	"log/slog"
	"time"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under the key "user_id".
func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Platform records the payment authority ("apple", "google", "stripe").
func Platform(name string) slog.Attr {
	return slog.String("platform", name)
}

func ProductID(id string) slog.Attr {
	return slog.String("product_id", id)
}

func TransactionID(id string) slog.Attr {
	return slog.String("transaction_id", id)
}

func SubscriptionRef(ref string) slog.Attr {
	return slog.String("subscription_ref", ref)
}

func Tier(tier string) slog.Attr {
	return slog.String("plan_tier", tier)
}

func Feature(name string) slog.Attr {
	return slog.String("feature", name)
}

func Outcome(name string) slog.Attr {
	return slog.String("outcome", name)
}

// EventType records a webhook notification type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

func TaskName(name string) slog.Attr {
	return slog.String("task_name", name)
}

func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

func Time(key string, t time.Time) slog.Attr {
	return slog.Time(key, t)
}

func Count(n int) slog.Attr {
	return slog.Int("count", n)
}
