package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository persists new tasks.
type EnqueuerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
}

// Enqueuer turns typed payloads into persisted tasks.
type Enqueuer struct {
	repo        EnqueuerRepository
	queue       string
	maxAttempts int
	now         func() time.Time
}

type EnqueuerOption func(*Enqueuer)

func WithDefaultQueue(name string) EnqueuerOption {
	return func(e *Enqueuer) {
		if name != "" {
			e.queue = name
		}
	}
}

func WithDefaultMaxAttempts(n int) EnqueuerOption {
	return func(e *Enqueuer) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func NewEnqueuer(repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	e := &Enqueuer{
		repo:        repo,
		queue:       DefaultQueueName,
		maxAttempts: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type enqueueOptions struct {
	queue       string
	priority    Priority
	maxAttempts int
	delay       time.Duration
	name        string
}

type EnqueueOption func(*enqueueOptions)

func WithQueue(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		if name != "" {
			o.queue = name
		}
	}
}

func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

func WithTaskName(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// Enqueue stores payload as a pending task. The payload is JSON encoded and
// routed to the handler registered for its type unless WithTaskName is given.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) error {
	if payload == nil {
		return ErrPayloadNil
	}

	o := enqueueOptions{
		queue:       e.queue,
		priority:    PriorityDefault,
		maxAttempts: e.maxAttempts,
		name:        taskName(payload),
	}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal %T: %w", payload, err)
	}

	now := e.now()
	task := &Task{
		ID:          uuid.New(),
		Queue:       o.queue,
		Name:        o.name,
		Payload:     data,
		Status:      TaskStatusPending,
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
		ScheduledAt: now.Add(o.delay),
		CreatedAt:   now,
	}

	if err := e.repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("queue: create task %q: %w", task.Name, err)
	}
	return nil
}
