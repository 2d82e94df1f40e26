package queue

import "errors"

var (
	ErrRepositoryNil         = errors.New("queue: repository cannot be nil")
	ErrPayloadNil            = errors.New("queue: payload cannot be nil")
	ErrNoTaskToClaim         = errors.New("queue: no task to claim")
	ErrTaskNotFound          = errors.New("queue: task not found")
	ErrHandlerNotFound       = errors.New("queue: no handler registered for task")
	ErrNoHandlers            = errors.New("queue: no task handlers registered")
	ErrTaskAlreadyRegistered = errors.New("queue: periodic task already registered")
	ErrNoPeriodicTasks       = errors.New("queue: scheduler has no registered tasks")
)
