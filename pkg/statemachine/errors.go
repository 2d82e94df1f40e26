package statemachine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("transition needs a source state, target state and event")
	ErrInvalidEvent      = errors.New("state and event are required")
	ErrNoTransition      = errors.New("no transition for event")
	ErrGuardRejected     = errors.New("transition rejected by guard")
)

// TransitionError reports why Table.Next refused an event. It matches
// ErrNoTransition or ErrGuardRejected under errors.Is.
type TransitionError struct {
	From     string
	Event    string
	Rejected bool
}

func (e *TransitionError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("%s -> %s: rejected by guard", e.From, e.Event)
	}
	return fmt.Sprintf("%s -> %s: no transition", e.From, e.Event)
}

func (e *TransitionError) Unwrap() error {
	if e.Rejected {
		return ErrGuardRejected
	}
	return ErrNoTransition
}
