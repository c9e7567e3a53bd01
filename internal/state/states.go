// Package state provides the finite state machine for the connection lifecycle.
package state

// State represents the lifecycle status of one connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected:
		return true
	default:
		return false
	}
}

// IsLive returns true while a transport session exists for the connection.
func (s State) IsLive() bool {
	return s == StateConnecting || s == StateConnected
}

// IsOperational returns true if messages can be sent.
func (s State) IsOperational() bool {
	return s == StateConnected
}

// ParseState converts a persisted value back into a State. Unknown values
// map to Disconnected.
func ParseState(v string) State {
	s := State(v)
	if !s.Valid() {
		return StateDisconnected
	}
	return s
}
