package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/queue"
	"github.com/nandezu/entitlements/pkg/retry"
)

type resolvePayload struct {
	EventID string `json:"event_id"`
}

func newWorker(t *testing.T, store *queue.MemoryStorage) *queue.Worker {
	t.Helper()
	w, err := queue.NewWorker(store,
		queue.WithWorkerLogger(logger.Discard()),
		queue.WithRetryBackoff(retry.FixedBackoff{Interval: 0}),
	)
	require.NoError(t, err)
	return w
}

func TestEnqueueAndProcess(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)

	var got resolvePayload
	w := newWorker(t, store)
	w.Register(queue.NewTaskHandler(func(_ context.Context, p resolvePayload) error {
		got = p
		return nil
	}))

	require.NoError(t, enq.Enqueue(context.Background(), resolvePayload{EventID: "evt_1"}))

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, "evt_1", got.EventID)
	assert.Len(t, store.Tasks(queue.TaskStatusCompleted), 1)

	processed, err = w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDelayedTaskIsNotClaimedEarly(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), resolvePayload{}, queue.WithDelay(time.Hour)))

	w := newWorker(t, store)
	w.Register(queue.NewTaskHandler(func(context.Context, resolvePayload) error { return nil }))

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestFailedTaskRetriesThenDies(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), resolvePayload{}, queue.WithMaxAttempts(2)))

	errUnresolved := errors.New("user not resolved yet")
	var calls atomic.Int32
	w := newWorker(t, store)
	w.Register(queue.NewTaskHandler(func(context.Context, resolvePayload) error {
		calls.Add(1)
		return errUnresolved
	}))

	_, err = w.ProcessNext(context.Background())
	assert.ErrorIs(t, err, errUnresolved)
	pending := store.Tasks(queue.TaskStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, errUnresolved.Error(), pending[0].LastError)

	_, err = w.ProcessNext(context.Background())
	assert.ErrorIs(t, err, errUnresolved)

	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, store.Tasks(queue.TaskStatusDead), 1)
	assert.Empty(t, store.Tasks(queue.TaskStatusPending))
}

type taskRecorder struct {
	results atomic.Value
}

func (r *taskRecorder) TaskHandled(task, result string) {
	prev, _ := r.results.Load().([]string)
	r.results.Store(append(prev, result))
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), resolvePayload{}, queue.WithMaxAttempts(5)))

	errMalformed := errors.New("malformed payload")
	rec := &taskRecorder{}
	w, err := queue.NewWorker(store,
		queue.WithWorkerLogger(logger.Discard()),
		queue.WithRecorder(rec),
	)
	require.NoError(t, err)
	w.Register(queue.NewTaskHandler(func(context.Context, resolvePayload) error {
		return retry.Permanent(errMalformed)
	}))

	_, err = w.ProcessNext(context.Background())
	assert.ErrorIs(t, err, errMalformed)
	assert.Len(t, store.Tasks(queue.TaskStatusDead), 1)
	assert.Empty(t, store.Tasks(queue.TaskStatusPending))
	assert.Equal(t, []string{"dead"}, rec.results.Load())
}

func TestUnknownTaskGoesToDeadLetter(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), resolvePayload{}, queue.WithTaskName("nobody.handles.this")))

	w := newWorker(t, store)
	w.Register(queue.NewTaskHandler(func(context.Context, resolvePayload) error { return nil }))

	_, err = w.ProcessNext(context.Background())
	assert.ErrorIs(t, err, queue.ErrHandlerNotFound)
	assert.Len(t, store.Tasks(queue.TaskStatusDead), 1)
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), resolvePayload{}, queue.WithMaxAttempts(1)))

	w := newWorker(t, store)
	w.Register(queue.NewTaskHandler(func(context.Context, resolvePayload) error { panic("boom") }))

	_, err = w.ProcessNext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, store.Tasks(queue.TaskStatusDead), 1)
}

func TestWorkerRunProcessesUntilCancelled(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)

	var handled atomic.Int32
	w, err := queue.NewWorker(store,
		queue.WithWorkerLogger(logger.Discard()),
		queue.WithPollInterval(5*time.Millisecond),
		queue.WithConcurrency(2),
	)
	require.NoError(t, err)
	w.Register(queue.NewTaskHandler(func(context.Context, resolvePayload) error {
		handled.Add(1)
		return nil
	}))

	for range 3 {
		require.NoError(t, enq.Enqueue(context.Background(), resolvePayload{}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx)() }()

	assert.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerRunWithoutHandlers(t *testing.T) {
	t.Parallel()

	w, err := queue.NewWorker(queue.NewMemoryStorage())
	require.NoError(t, err)
	assert.ErrorIs(t, w.Run(context.Background())(), queue.ErrNoHandlers)
}

func TestSchedulerEnqueuesOncePerPendingTask(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage()
	s, err := queue.NewScheduler(store, queue.WithSchedulerLogger(logger.Discard()))
	require.NoError(t, err)
	require.NoError(t, s.AddTask("entitlement.sweep", time.Nanosecond))
	assert.ErrorIs(t, s.AddTask("entitlement.sweep", time.Minute), queue.ErrTaskAlreadyRegistered)

	ctx := context.Background()
	s.Tick(ctx)
	s.Tick(ctx)
	assert.Len(t, store.Tasks(queue.TaskStatusPending), 1, "a pending instance blocks a new one")

	var runs atomic.Int32
	w := newWorker(t, store)
	w.Register(queue.NewPeriodicTaskHandler("entitlement.sweep", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	s.Tick(ctx)
	assert.Len(t, store.Tasks(queue.TaskStatusPending), 1)
	assert.Equal(t, int32(1), runs.Load())
}

func TestNilRepository(t *testing.T) {
	t.Parallel()

	_, err := queue.NewEnqueuer(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)
	_, err = queue.NewWorker(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)
	_, err = queue.NewScheduler(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)
}
