package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage keeps tasks in process memory. It implements every
// repository interface of the package and suits tests and single-node
// development runs; tasks do not survive a restart.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	now   func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tasks: make(map[uuid.UUID]*Task), now: time.Now}
}

func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return errors.New("queue: task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.tasks[task.ID]; ok {
		return errors.New("queue: duplicate task id " + task.ID.String())
	}
	cp := *task
	ms.tasks[task.ID] = &cp
	return nil
}

func (ms *MemoryStorage) ClaimTask(_ context.Context, queues []string, lockFor time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var best *Task
	for _, t := range ms.tasks {
		if !slices.Contains(queues, t.Queue) || t.ScheduledAt.After(now) {
			continue
		}
		claimable := t.Status == TaskStatusPending ||
			(t.Status == TaskStatusProcessing && t.LockedUntil != nil && t.LockedUntil.Before(now))
		if !claimable {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.ScheduledAt.Before(best.ScheduledAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	until := now.Add(lockFor)
	best.Status = TaskStatusProcessing
	best.LockedUntil = &until
	best.Attempts++

	cp := *best
	return &cp, nil
}

func (ms *MemoryStorage) CompleteTask(_ context.Context, taskID uuid.UUID) error {
	return ms.update(taskID, func(t *Task) {
		t.Status = TaskStatusCompleted
		t.LockedUntil = nil
	})
}

func (ms *MemoryStorage) RetryTask(_ context.Context, taskID uuid.UUID, errMsg string, at time.Time) error {
	return ms.update(taskID, func(t *Task) {
		t.Status = TaskStatusPending
		t.LockedUntil = nil
		t.LastError = errMsg
		t.ScheduledAt = at
	})
}

func (ms *MemoryStorage) KillTask(_ context.Context, taskID uuid.UUID, errMsg string) error {
	return ms.update(taskID, func(t *Task) {
		t.Status = TaskStatusDead
		t.LockedUntil = nil
		t.LastError = errMsg
	})
}

func (ms *MemoryStorage) HasPendingTask(_ context.Context, name string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, t := range ms.tasks {
		if t.Name == name && (t.Status == TaskStatusPending || t.Status == TaskStatusProcessing) {
			return true, nil
		}
	}
	return false, nil
}

// Tasks returns copies of all tasks with the given status.
func (ms *MemoryStorage) Tasks(status TaskStatus) []Task {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Task
	for _, t := range ms.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (ms *MemoryStorage) update(taskID uuid.UUID, fn func(*Task)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, ok := ms.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	fn(t)
	return nil
}
