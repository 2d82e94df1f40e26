package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/pkg/logger"
)

// SchedulerRepository is the storage contract of the scheduler.
type SchedulerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
	// HasPendingTask reports whether a pending or running task with the name exists.
	HasPendingTask(ctx context.Context, name string) (bool, error)
}

// Scheduler enqueues payload-less periodic tasks. It never runs them itself;
// a Worker with a matching NewPeriodicTaskHandler does.
type Scheduler struct {
	repo     SchedulerRepository
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*periodicTask
}

type periodicTask struct {
	name  string
	every time.Duration
	queue string
	next  time.Time
}

type SchedulerOption func(*Scheduler)

func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewScheduler(repo SchedulerRepository, opts ...SchedulerOption) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	s := &Scheduler{
		repo:     repo,
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		tasks:    make(map[string]*periodicTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddTask registers name to run every interval. The first run is due immediately.
func (s *Scheduler) AddTask(name string, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("queue: invalid interval %s for %q", every, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[name]; ok {
		return ErrTaskAlreadyRegistered
	}
	s.tasks[name] = &periodicTask{name: name, every: every, queue: DefaultQueueName}

	s.logger.Info("registered periodic task", logger.TaskName(name), slog.Duration("every", every))
	return nil
}

// Run returns a function suitable for errgroup.Group.Go.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		s.mu.Lock()
		n := len(s.tasks)
		s.mu.Unlock()
		if n == 0 {
			return ErrNoPeriodicTasks
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.Tick(ctx)
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return nil
			case <-ticker.C:
			}
		}
	}
}

// Tick enqueues every due periodic task that has no pending instance.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*periodicTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !now.Before(t.next) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if err := s.schedule(ctx, t, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to schedule periodic task",
				logger.TaskName(t.name), logger.Error(err))
		}
	}
}

func (s *Scheduler) schedule(ctx context.Context, t *periodicTask, now time.Time) error {
	pending, err := s.repo.HasPendingTask(ctx, t.name)
	if err != nil {
		return err
	}

	if !pending {
		err := s.repo.CreateTask(ctx, &Task{
			ID:          uuid.New(),
			Queue:       t.queue,
			Name:        t.name,
			Status:      TaskStatusPending,
			Priority:    PriorityLow,
			MaxAttempts: 1,
			ScheduledAt: now,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	t.next = now.Add(t.every)
	s.mu.Unlock()
	return nil
}
