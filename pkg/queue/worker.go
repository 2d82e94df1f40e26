package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/retry"
)

// WorkerRepository is the storage contract the worker relies on.
type WorkerRepository interface {
	// ClaimTask locks the next due task in any of queues and increments
	// its attempt counter. Returns ErrNoTaskToClaim when nothing is due.
	ClaimTask(ctx context.Context, queues []string, lockFor time.Duration) (*Task, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID) error
	// RetryTask releases the lock and reschedules the task at the given time.
	RetryTask(ctx context.Context, taskID uuid.UUID, errMsg string, at time.Time) error
	// KillTask moves the task to the dead status; it will not run again.
	KillTask(ctx context.Context, taskID uuid.UUID, errMsg string) error
}

// Worker polls storage and dispatches tasks to registered handlers.
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	mu       sync.RWMutex

	queues       []string
	pollInterval time.Duration
	lockTimeout  time.Duration
	concurrency  int
	backoff      retry.Backoff
	logger       *slog.Logger
	recorder     Recorder
	now          func() time.Time
}

// Recorder receives the result of every processed task.
type Recorder interface {
	TaskHandled(task, result string)
}

type noopRecorder struct{}

func (noopRecorder) TaskHandled(string, string) {}

type WorkerOption func(*Worker)

func WithQueues(queues ...string) WorkerOption {
	return func(w *Worker) {
		if len(queues) > 0 {
			w.queues = queues
		}
	}
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithLockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lockTimeout = d
		}
	}
}

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRetryBackoff sets the delay schedule applied between failed attempts.
func WithRetryBackoff(b retry.Backoff) WorkerOption {
	return func(w *Worker) {
		if b != nil {
			w.backoff = b
		}
	}
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithRecorder(r Recorder) WorkerOption {
	return func(w *Worker) {
		if r != nil {
			w.recorder = r
		}
	}
}

func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	w := &Worker{
		repo:         repo,
		handlers:     make(map[string]Handler),
		queues:       []string{DefaultQueueName},
		pollInterval: time.Second,
		lockTimeout:  2 * time.Minute,
		concurrency:  1,
		backoff: retry.ExponentialBackoff{
			InitialInterval: 10 * time.Second,
			MaxInterval:     30 * time.Minute,
			Multiplier:      3,
			JitterFactor:    0.1,
		},
		logger:   slog.Default(),
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register adds handlers. A later handler with the same name replaces an earlier one.
func (w *Worker) Register(handlers ...Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			w.handlers[h.Name()] = h
		}
	}
}

// Run returns a function suitable for errgroup.Group.Go. It polls until ctx
// is cancelled and then waits for in-flight tasks to finish.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		w.mu.RLock()
		n := len(w.handlers)
		w.mu.RUnlock()
		if n == 0 {
			return ErrNoHandlers
		}

		w.logger.InfoContext(ctx, "queue worker started",
			slog.Any("queues", w.queues),
			slog.Int("concurrency", w.concurrency))

		var wg sync.WaitGroup
		slots := make(chan struct{}, w.concurrency)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				w.logger.Info("queue worker stopped")
				return nil
			case <-ticker.C:
			}

		fill:
			for {
				select {
				case slots <- struct{}{}:
				default:
					break fill
				}

				task, err := w.repo.ClaimTask(ctx, w.queues, w.lockTimeout)
				if err != nil {
					<-slots
					if !errors.Is(err, ErrNoTaskToClaim) && ctx.Err() == nil {
						w.logger.ErrorContext(ctx, "failed to claim task", logger.Error(err))
					}
					break fill
				}

				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-slots }()
					// Detached so shutdown does not abort a half-applied task.
					w.process(context.WithoutCancel(ctx), task)
				}()
			}
		}
	}
}

// ProcessNext claims and runs a single task. It reports false when no task
// was due. Used by one-shot commands and tests.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.repo.ClaimTask(ctx, w.queues, w.lockTimeout)
	if errors.Is(err, ErrNoTaskToClaim) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, w.process(ctx, task)
}

func (w *Worker) process(ctx context.Context, task *Task) (err error) {
	start := w.now()
	log := w.logger.With(
		slog.String("task_id", task.ID.String()),
		logger.TaskName(task.Name),
		slog.Int("attempt", task.Attempts),
	)

	w.mu.RLock()
	h, ok := w.handlers[task.Name]
	w.mu.RUnlock()
	if !ok {
		log.ErrorContext(ctx, "no handler registered for task")
		if kerr := w.repo.KillTask(ctx, task.ID, ErrHandlerNotFound.Error()); kerr != nil {
			return kerr
		}
		return ErrHandlerNotFound
	}

	defer func() {
		if r := recover(); r != nil {
			err = w.fail(ctx, log, task, fmt.Errorf("panic in handler: %v", r))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, w.lockTimeout)
	defer cancel()

	if herr := h.Handle(runCtx, task.Payload); herr != nil {
		return w.fail(ctx, log, task, herr)
	}

	if err := w.repo.CompleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("queue: complete task %s: %w", task.ID, err)
	}
	w.recorder.TaskHandled(task.Name, "completed")
	log.DebugContext(ctx, "task completed", logger.Duration(w.now().Sub(start)))
	return nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, task *Task, cause error) error {
	if retry.IsPermanent(cause) || task.Attempts >= task.MaxAttempts {
		w.recorder.TaskHandled(task.Name, "dead")
		log.ErrorContext(ctx, "task moved to dead letter", logger.Error(cause))
		if err := w.repo.KillTask(ctx, task.ID, cause.Error()); err != nil {
			return errors.Join(cause, err)
		}
		return cause
	}

	w.recorder.TaskHandled(task.Name, "retried")
	at := w.now().Add(w.backoff.NextInterval(task.Attempts))
	log.WarnContext(ctx, "task failed, will retry", logger.Error(cause), logger.Time("retry_at", at))
	if err := w.repo.RetryTask(ctx, task.ID, cause.Error(), at); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
