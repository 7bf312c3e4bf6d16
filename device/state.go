package device

import (
	"fmt"

	"github.com/juju/errors"
)

type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Stable states are announced to connection state observer.
// Connecting is announced too, right after transport connect is issued.
func (s State) notify() bool { return s != StateDisconnecting }

type Trigger uint32

const (
	TriggerConnect Trigger = iota + 1
	TriggerTransportConnected
	TriggerDisconnect
	TriggerTransportDisconnected
	// connect result code refused, only with ResultCodeStrict
	TriggerTransportRejected
	// transport lost link without Disconnect request
	TriggerConnectionLost
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnect:
		return "connect"
	case TriggerTransportConnected:
		return "transportConnected"
	case TriggerDisconnect:
		return "disconnect"
	case TriggerTransportDisconnected:
		return "transportDisconnected"
	case TriggerTransportRejected:
		return "transportRejected"
	case TriggerConnectionLost:
		return "connectionLost"
	default:
		return fmt.Sprintf("Trigger(%d)", uint32(t))
	}
}

type edge struct {
	trigger Trigger
	from    State
}

// Action is entry side effect to run after state is switched.
type Action uint8

const (
	ActionNone Action = iota
	ActionOpenSession
	ActionSessionReady
	ActionCloseSession
	ActionDropSession
)

type Transition struct {
	Trigger Trigger
	From    State
	To      State
	Action  Action
}

var transitions = map[edge]Transition{}

func init() {
	for _, t := range []Transition{
		{TriggerConnect, StateDisconnected, StateConnecting, ActionOpenSession},
		{TriggerTransportConnected, StateConnecting, StateConnected, ActionSessionReady},
		{TriggerDisconnect, StateConnected, StateDisconnecting, ActionCloseSession},
		{TriggerTransportDisconnected, StateDisconnecting, StateDisconnected, ActionDropSession},
		{TriggerTransportRejected, StateConnecting, StateDisconnected, ActionDropSession},
		{TriggerConnectionLost, StateConnecting, StateDisconnected, ActionDropSession},
		{TriggerConnectionLost, StateConnected, StateDisconnected, ActionDropSession},
	} {
		transitions[edge{t.Trigger, t.From}] = t
	}
}

// Next is pure transition function.
// Error satisfies errors.Is(err, ErrInvalidTransition) when trigger is not allowed from current state.
func Next(current State, t Trigger) (Transition, error) {
	tr, ok := transitions[edge{t, current}]
	if !ok {
		return Transition{}, errors.Annotatef(ErrInvalidTransition, "trigger=%s state=%s", t.String(), current.String())
	}
	return tr, nil
}

// Transitions lists the table, order unspecified.
func Transitions() []Transition {
	ts := make([]Transition, 0, len(transitions))
	for _, t := range transitions {
		ts = append(ts, t)
	}
	return ts
}
