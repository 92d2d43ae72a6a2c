package core

// State is the lifecycle state of the tunnel session.
//
//	Disconnected  -> Connecting
//	Connecting    -> Connected | Failed | Disconnecting
//	Connected     -> Disconnecting
//	Disconnecting -> Disconnected
//	Failed        -> Disconnected
type State int

const (
	// StateDisconnected is the initial and resting state.
	StateDisconnected State = iota
	// StateConnecting means a handshake is in flight.
	StateConnecting
	// StateConnected means the transport reported an established tunnel.
	StateConnected
	// StateDisconnecting means transport resources are being released.
	StateDisconnecting
	// StateFailed is reported once after a handshake failure, before Disconnected.
	StateFailed
)

// String returns the state name.
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
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Valid reports whether s is one of the five defined states.
func (s State) Valid() bool {
	return s >= StateDisconnected && s <= StateFailed
}

// Allowed reports whether the edge s -> next is part of the state machine.
func (s State) Allowed(next State) bool {
	switch s {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateFailed || next == StateDisconnecting
	case StateConnected:
		return next == StateDisconnecting
	case StateDisconnecting:
		return next == StateDisconnected
	case StateFailed:
		return next == StateDisconnected
	default:
		return false
	}
}
