package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// session's current state.
var ErrInvalidTransition = errors.New("session: invalid transition")

// State is the lifecycle position of a session.
type State int

const (
	Idle State = iota
	Discovering
	Connecting
	Negotiating
	Active
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a state change.
type Event int

const (
	EventStartDiscovery Event = iota
	EventStopDiscovery
	EventSelect
	EventConnected
	EventConnectFailed
	EventChannelReady
	EventNegotiationFailed
	EventDisconnect
	EventConnectionLost
	EventReleased
	EventAcknowledge
)

func (e Event) String() string {
	switch e {
	case EventStartDiscovery:
		return "start-discovery"
	case EventStopDiscovery:
		return "stop-discovery"
	case EventSelect:
		return "select"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventChannelReady:
		return "channel-ready"
	case EventNegotiationFailed:
		return "negotiation-failed"
	case EventDisconnect:
		return "disconnect"
	case EventConnectionLost:
		return "connection-lost"
	case EventReleased:
		return "released"
	case EventAcknowledge:
		return "acknowledge"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var transitions = map[State]map[Event]State{
	Idle: {
		EventStartDiscovery: Discovering,
	},
	Discovering: {
		EventStopDiscovery: Idle,
		EventSelect:        Connecting,
	},
	Connecting: {
		EventConnected:     Negotiating,
		EventConnectFailed: Failed,
		EventDisconnect:    Disconnecting,
	},
	Negotiating: {
		EventChannelReady:      Active,
		EventNegotiationFailed: Failed,
		EventDisconnect:        Disconnecting,
	},
	Active: {
		EventDisconnect:     Disconnecting,
		EventConnectionLost: Failed,
	},
	Disconnecting: {
		EventReleased: Idle,
	},
	Failed: {
		EventAcknowledge: Idle,
		EventDisconnect:  Idle,
	},
}

// transition returns the state reached from s on e.
func transition(s State, e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
}

// Mode is the inbound data path of an active session.
type Mode int

const (
	ModeNone Mode = iota
	ModeListen
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeListen:
		return "listen"
	case ModePoll:
		return "poll"
	}
	return "none"
}
