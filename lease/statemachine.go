package lease

import (
	"errors"
	"fmt"
)

// Event names a lifecycle trigger. Events, not states, are the public
// vocabulary of the engine; callers request an event and the table below
// decides whether it is legal from the current state.
type Event string

const (
	EventSubmit           Event = "submit"
	EventDepositReceived  Event = "deposit_received"
	EventCancel           Event = "cancel"
	EventMoveInConfirmed  Event = "move_in_confirmed"
	EventDisputeRaised    Event = "dispute_raised"
	EventLeaseEndReached  Event = "lease_end_reached"
	EventDisputeResolved  Event = "dispute_resolved"
	EventReleaseConfirmed Event = "release_confirmed"
)

// ErrInvalidTransition signals an event that is not legal from the lease's
// current state.
var ErrInvalidTransition = errors.New("lease: invalid transition")

// transitions is the single source of lifecycle legality.
var transitions = map[State]map[Event]State{
	StateDraft: {
		EventSubmit: StatePendingFunding,
	},
	StatePendingFunding: {
		EventDepositReceived: StatePendingMoveIn,
		EventCancel:          StateCancelled,
	},
	StatePendingMoveIn: {
		EventMoveInConfirmed: StateActive,
	},
	StateActive: {
		EventDisputeRaised:    StateInDispute,
		EventLeaseEndReached:  StatePendingClose,
		EventReleaseConfirmed: StateClosed,
	},
	StatePendingClose: {
		EventDisputeRaised:    StateInDispute,
		EventReleaseConfirmed: StateClosed,
	},
	StateInDispute: {
		EventDisputeResolved: StateClosed,
	},
}

// Next returns the state reached by applying event from the given state.
func Next(from State, event Event) (State, error) {
	to, ok := transitions[from][event]
	if !ok {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, event)
	}
	return to, nil
}

// CanTransition reports whether event is legal from the given state.
func CanTransition(from State, event Event) bool {
	_, ok := transitions[from][event]
	return ok
}
