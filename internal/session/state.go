// Package session implements the peer session manager: the registry of links
// to remote participants, the handshake that upgrades a transport channel into
// an application session, and the broadcast fabric layered on active links.
package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Link.
type State int

const (
	// StateNone means no link exists for the remote identifier.
	StateNone State = iota
	// StatePendingOutgoing is a local connect awaiting the remote accept.
	StatePendingOutgoing
	// StatePendingIncoming is a remote connect awaiting the local decision.
	StatePendingIncoming
	// StateActive is an established session.
	StateActive
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StatePendingOutgoing:
		return "PENDING_OUTGOING"
	case StatePendingIncoming:
		return "PENDING_INCOMING"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Pending reports whether s is one of the two pending states.
func (s State) Pending() bool {
	return s == StatePendingOutgoing || s == StatePendingIncoming
}

// Direction records which side initiated the link.
type Direction int

const (
	// DirectionOutgoing links were initiated locally.
	DirectionOutgoing Direction = iota
	// DirectionIncoming links were initiated by the remote participant.
	DirectionIncoming
)

// String returns a human-readable name for the direction.
func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// ErrInvalidTransition is returned for a transition outside the state machine.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// transitions lists every allowed edge of the link state machine.
var transitions = map[State][]State{
	StateNone:            {StatePendingOutgoing, StatePendingIncoming},
	StatePendingOutgoing: {StateActive, StateNone},
	StatePendingIncoming: {StateActive, StateNone},
	StateActive:          {StateNone},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
