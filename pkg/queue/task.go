package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultQueueName = "default"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusDead       TaskStatus = "dead"
)

type Priority int8

const (
	PriorityLow     Priority = 25
	PriorityDefault Priority = 50
	PriorityHigh    Priority = 75
)

// Task is a unit of deferred work persisted by a storage backend.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Queue       string     `json:"queue"`
	Name        string     `json:"name"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// taskName derives a stable handler name from the payload's Go type.
func taskName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}
