package call

import (
	"go-fanline/internal/store"
)

// Action is what a party or a timer does to a call.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionTimeout Action = "timeout"
	ActionEnd     Action = "end"
)

type stateAction struct {
	state  store.CallState
	action Action
}

// transitions is the whole lifecycle. Anything not listed is refused.
var transitions = map[stateAction]store.CallState{
	{store.CallRinging, ActionAccept}:  store.CallAccepted,
	{store.CallRinging, ActionReject}:  store.CallRejected,
	{store.CallRinging, ActionTimeout}: store.CallTimedOut,
	{store.CallAccepted, ActionEnd}:    store.CallEnded,
}

// Next returns the state a call in from moves to on a.
func Next(from store.CallState, a Action) (store.CallState, error) {
	if from.Terminal() {
		return from, ErrCallOver
	}
	to, ok := transitions[stateAction{from, a}]
	if !ok {
		return from, ErrInvalidTransition
	}
	return to, nil
}
