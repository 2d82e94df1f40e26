package jwt_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/pkg/jwt"
)

func newService(t *testing.T) *jwt.Service {
	t.Helper()
	svc, err := jwt.New(jwt.Config{SigningKey: "test-signing-key", Issuer: "auth.nandezu"})
	require.NoError(t, err)
	return svc
}

func TestGenerateAndParse(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	userID := uuid.New()

	token, err := svc.Generate(userID, time.Hour)
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	got, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	other, err := jwt.New(jwt.Config{SigningKey: "another-key", Issuer: "auth.nandezu"})
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		token, err := svc.Generate(uuid.New(), -time.Minute)
		require.NoError(t, err)
		_, err = svc.Parse(token)
		assert.ErrorIs(t, err, jwt.ErrExpiredToken)
	})

	t.Run("foreign signature", func(t *testing.T) {
		t.Parallel()
		token, err := other.Generate(uuid.New(), time.Hour)
		require.NoError(t, err)
		_, err = svc.Parse(token)
		assert.ErrorIs(t, err, jwt.ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := svc.Parse("not.a.token")
		assert.ErrorIs(t, err, jwt.ErrInvalidToken)
	})
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := jwt.New(jwt.Config{})
	assert.ErrorIs(t, err, jwt.ErrMissingSigningKey)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	userID := uuid.New()
	token, err := svc.Generate(userID, time.Hour)
	require.NoError(t, err)

	var seen uuid.UUID
	h := jwt.Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = jwt.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + token, http.StatusNoContent},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"tampered token", "Bearer " + token + "x", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/subscription", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.status, rec.Code, tt.name)
	}

	assert.Equal(t, userID, seen)
}
