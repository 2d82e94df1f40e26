package entitlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/svc/entitlement"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("missing records", func(t *testing.T) {
		t.Parallel()
		s := entitlement.NewMemoryStore()
		_, err := s.Load(ctx, uuid.New())
		assert.ErrorIs(t, err, entitlement.ErrNotFound)
		_, err = s.ResolveSubscription(ctx, entitlement.SourceApple, "nope")
		assert.ErrorIs(t, err, entitlement.ErrNotFound)
	})

	t.Run("failed update is discarded", func(t *testing.T) {
		t.Parallel()
		s := entitlement.NewMemoryStore()
		id := uuid.New()
		boom := errors.New("boom")
		_, err := s.Update(ctx, id, t0, func(e *entitlement.Entitlement) error {
			e.Remaining.TryOns = 0
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = s.Load(ctx, id)
		assert.ErrorIs(t, err, entitlement.ErrNotFound)
	})

	t.Run("no-op update keeps version", func(t *testing.T) {
		t.Parallel()
		s := entitlement.NewMemoryStore()
		id := uuid.New()
		noop := func(*entitlement.Entitlement) error { return nil }

		first, err := s.Update(ctx, id, t0, noop)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Version)

		second, err := s.Update(ctx, id, t0.Add(day), noop)
		require.NoError(t, err)
		assert.Equal(t, int64(1), second.Version)
		assert.Equal(t, t0, second.UpdatedAt)
	})

	t.Run("duplicate grant", func(t *testing.T) {
		t.Parallel()
		s := entitlement.NewMemoryStore()
		g := entitlement.WithGrant(entitlement.Grant{ID: "g1", Feature: entitlement.FeatureVirtualTryOn, Amount: 1})
		noop := func(*entitlement.Entitlement) error { return nil }

		_, err := s.Update(ctx, uuid.New(), t0, noop, g)
		require.NoError(t, err)
		_, err = s.Update(ctx, uuid.New(), t0, noop, g)
		assert.ErrorIs(t, err, entitlement.ErrDuplicateGrant)
	})
}
