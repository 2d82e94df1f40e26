package jwt

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type userIDKey struct{}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

// UserIDFromContext returns the authenticated user id set by Middleware.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// LogExtractor adds user_id to records logged with an authenticated context.
func LogExtractor(ctx context.Context) (slog.Attr, bool) {
	if id, ok := UserIDFromContext(ctx); ok {
		return slog.String("user_id", id.String()), true
	}
	return slog.Attr{}, false
}
