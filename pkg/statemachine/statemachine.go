// Package statemachine provides an immutable transition table for
// records whose state lives elsewhere (a database row, a value type).
// The table answers "given this state and event, where do we go?"
// without holding any current state itself, so one table can be shared
// by every record and every goroutine.
package statemachine

import "context"

// State represents a state in the machine.
type State interface {
	Name() string
}

// Event represents an event that triggers a transition.
type Event interface {
	Name() string
}

// Guard decides whether a transition may proceed for the given data.
type Guard func(ctx context.Context, from State, event Event, data any) bool

// Transition is a single edge of the table.
type Transition struct {
	From   State
	To     State
	Event  Event
	Guards []Guard // all must pass
}

type StringState string

func (s StringState) Name() string { return string(s) }

type StringEvent string

func (e StringEvent) Name() string { return string(e) }

// Table is a read-only set of transitions built by Builder.
type Table struct {
	edges map[string]map[string][]Transition
}

// Next returns the target state for event fired from the given state.
// Transitions registered for the same (from, event) pair are tried in
// registration order; the first whose guards all pass wins.
func (t *Table) Next(ctx context.Context, from State, event Event, data any) (State, error) {
	if from == nil || event == nil {
		return nil, ErrInvalidEvent
	}

	candidates := t.edges[from.Name()][event.Name()]
	if len(candidates) == 0 {
		return nil, &TransitionError{From: from.Name(), Event: event.Name()}
	}

	for _, tr := range candidates {
		if guardsPass(ctx, tr, from, event, data) {
			return tr.To, nil
		}
	}

	return nil, &TransitionError{From: from.Name(), Event: event.Name(), Rejected: true}
}

// Can reports whether Next would succeed.
func (t *Table) Can(ctx context.Context, from State, event Event, data any) bool {
	_, err := t.Next(ctx, from, event, data)
	return err == nil
}

// Transitions lists every edge leaving the given state.
func (t *Table) Transitions(from State) []Transition {
	var out []Transition
	for _, trs := range t.edges[from.Name()] {
		out = append(out, trs...)
	}
	return out
}

func guardsPass(ctx context.Context, tr Transition, from State, event Event, data any) bool {
	for _, g := range tr.Guards {
		if g != nil && !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}
