package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage persists tasks in the queue_tasks table (see migrations).
// Claiming uses FOR UPDATE SKIP LOCKED so several workers can share a queue.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

func (s *PostgresStorage) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_tasks (id, queue, name, payload, status, priority, attempts, max_attempts, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Queue, t.Name, t.Payload, t.Status, t.Priority, t.Attempts, t.MaxAttempts, t.ScheduledAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("queue: insert task: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ClaimTask(ctx context.Context, queues []string, lockFor time.Duration) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_tasks SET
			status = 'processing',
			attempts = attempts + 1,
			locked_until = now() + $2::interval
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE queue = ANY($1)
			  AND scheduled_at <= now()
			  AND (status = 'pending' OR (status = 'processing' AND locked_until < now()))
			ORDER BY priority DESC, scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, name, payload, status, priority, attempts, max_attempts, scheduled_at, locked_until, last_error, created_at`,
		queues, lockFor,
	)

	var t Task
	err := row.Scan(&t.ID, &t.Queue, &t.Name, &t.Payload, &t.Status, &t.Priority,
		&t.Attempts, &t.MaxAttempts, &t.ScheduledAt, &t.LockedUntil, &t.LastError, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTaskToClaim
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim task: %w", err)
	}
	return &t, nil
}

func (s *PostgresStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	return s.exec(ctx, `UPDATE queue_tasks SET status = 'completed', locked_until = NULL WHERE id = $1`, taskID)
}

func (s *PostgresStorage) RetryTask(ctx context.Context, taskID uuid.UUID, errMsg string, at time.Time) error {
	return s.exec(ctx, `
		UPDATE queue_tasks SET status = 'pending', locked_until = NULL, last_error = $2, scheduled_at = $3
		WHERE id = $1`, taskID, errMsg, at)
}

func (s *PostgresStorage) KillTask(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	return s.exec(ctx, `
		UPDATE queue_tasks SET status = 'dead', locked_until = NULL, last_error = $2
		WHERE id = $1`, taskID, errMsg)
}

func (s *PostgresStorage) HasPendingTask(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue_tasks WHERE name = $1 AND status IN ('pending', 'processing'))`,
		name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("queue: check pending task: %w", err)
	}
	return exists, nil
}

// PurgeCompleted deletes completed tasks older than the cutoff and returns how many were removed.
func (s *PostgresStorage) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_tasks WHERE status = 'completed' AND created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("queue: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStorage) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}
