package entitlement

import (
	"context"
	"errors"

	"github.com/nandezu/entitlements/pkg/statemachine"
)

// Lifecycle states of an entitlement.
const (
	StateFree          = statemachine.StringState("free")
	StateActive        = statemachine.StringState("active")
	StatePendingCancel = statemachine.StringState("pending_cancel")
)

// Lifecycle events.
const (
	EventActivate = statemachine.StringEvent("activate")
	EventChange   = statemachine.StringEvent("change")
	EventRenew    = statemachine.StringEvent("renew")
	EventCancel   = statemachine.StringEvent("cancel")
	EventResume   = statemachine.StringEvent("resume")
	EventExpire   = statemachine.StringEvent("expire")
	EventLapse    = statemachine.StringEvent("lapse")
)

var lifecycle = statemachine.NewBuilder().
	From(StateFree).On(EventActivate).To(StateActive).Add().
	From(StateActive).On(EventActivate).To(StateActive).Add().
	From(StatePendingCancel).On(EventActivate).To(StateActive).Add().
	From(StateFree).On(EventChange).To(StateActive).Add().
	From(StateActive).On(EventChange).To(StateActive).Add().
	From(StatePendingCancel).On(EventChange).To(StateActive).Add().
	From(StateFree).On(EventRenew).To(StateFree).Add().
	From(StateActive).On(EventRenew).To(StateActive).Add().
	From(StatePendingCancel).On(EventRenew).To(StatePendingCancel).Add().
	From(StateActive).On(EventCancel).To(StatePendingCancel).Add().
	From(StatePendingCancel).On(EventResume).To(StateActive).Add().
	From(StatePendingCancel).On(EventExpire).To(StateFree).Add().
	From(StateActive).On(EventLapse).To(StateFree).Add().
	From(StatePendingCancel).On(EventLapse).To(StateFree).Add().
	MustBuild()

// State derives the lifecycle state from the stored fields.
func (e *Entitlement) State() statemachine.State {
	switch {
	case e.Tier == TierFree:
		return StateFree
	case e.CancelAtPeriodEnd:
		return StatePendingCancel
	default:
		return StateActive
	}
}

func (e *Entitlement) transition(event statemachine.Event) error {
	_, err := lifecycle.Next(context.Background(), e.State(), event, e)
	if err == nil {
		return nil
	}
	if errors.Is(err, statemachine.ErrNoTransition) && event == EventCancel && e.Tier == TierFree {
		return ErrNoActiveSubscription
	}
	return errors.Join(ErrInvalidTransition, err)
}
