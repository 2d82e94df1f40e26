package statemachine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/pkg/statemachine"
)

const (
	idle    statemachine.StringState = "idle"
	running statemachine.StringState = "running"
	done    statemachine.StringState = "done"

	start  statemachine.StringEvent = "start"
	finish statemachine.StringEvent = "finish"
)

func TestTable(t *testing.T) {
	t.Parallel()

	onlyAdmins := func(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
		role, _ := data.(string)
		return role == "admin"
	}

	table, err := statemachine.NewBuilder().
		From(idle).On(start).To(running).Add().
		From(running).On(finish).To(done).When(onlyAdmins).Add().
		Build()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("allowed transition", func(t *testing.T) {
		t.Parallel()
		next, err := table.Next(ctx, idle, start, nil)
		require.NoError(t, err)
		assert.Equal(t, running, next)
	})

	t.Run("unknown transition", func(t *testing.T) {
		t.Parallel()
		_, err := table.Next(ctx, idle, finish, nil)
		require.ErrorIs(t, err, statemachine.ErrNoTransition)
		assert.NotErrorIs(t, err, statemachine.ErrGuardRejected)

		var terr *statemachine.TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "idle", terr.From)
		assert.Equal(t, "finish", terr.Event)
	})

	t.Run("guard rejects", func(t *testing.T) {
		t.Parallel()
		_, err := table.Next(ctx, running, finish, "viewer")
		require.ErrorIs(t, err, statemachine.ErrGuardRejected)
		assert.False(t, table.Can(ctx, running, finish, "viewer"))
	})

	t.Run("guard passes", func(t *testing.T) {
		t.Parallel()
		assert.True(t, table.Can(ctx, running, finish, "admin"))
	})

	t.Run("lists outgoing edges", func(t *testing.T) {
		t.Parallel()
		assert.Len(t, table.Transitions(idle), 1)
		assert.Empty(t, table.Transitions(done))
	})
}

func TestNextRequiresStateAndEvent(t *testing.T) {
	t.Parallel()

	table := statemachine.NewBuilder().From(idle).On(start).To(running).Add().MustBuild()
	_, err := table.Next(context.Background(), nil, start, nil)
	assert.ErrorIs(t, err, statemachine.ErrInvalidEvent)
}

func TestBuilderRejectsIncompleteTransition(t *testing.T) {
	t.Parallel()

	_, err := statemachine.NewBuilder().From(idle).On(start).Add().Build()
	assert.ErrorIs(t, err, statemachine.ErrInvalidTransition)
	assert.Panics(t, func() {
		statemachine.NewBuilder().On(start).To(done).Add().MustBuild()
	})
}
