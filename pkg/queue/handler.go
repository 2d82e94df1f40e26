package queue

import (
	"context"
	"encoding/json"
)

// Handler processes tasks with a given name.
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

type (
	TaskHandlerFunc[T any]  func(ctx context.Context, payload T) error
	PeriodicTaskHandlerFunc func(ctx context.Context) error
)

// NewTaskHandler wraps a typed function. The handler name is derived from T,
// matching the name Enqueue assigns to payloads of the same type.
func NewTaskHandler[T any](fn TaskHandlerFunc[T]) Handler {
	var zero T
	return &typedHandler[T]{name: taskName(zero), fn: fn}
}

// NewPeriodicTaskHandler wraps a payload-less function registered under name,
// which must match the name given to Scheduler.AddTask.
func NewPeriodicTaskHandler(name string, fn PeriodicTaskHandlerFunc) Handler {
	return &periodicHandler{name: name, fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   TaskHandlerFunc[T]
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	return h.fn(ctx, v)
}

type periodicHandler struct {
	name string
	fn   PeriodicTaskHandlerFunc
}

func (h *periodicHandler) Name() string { return h.name }

func (h *periodicHandler) Handle(ctx context.Context, _ json.RawMessage) error {
	return h.fn(ctx)
}
