package chatsync

// ConnectionState represents the current state of the WebSocket connection.
type ConnectionState int32

const (
	// StateDisconnected means no transport is open.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a transport is being opened.
	StateConnecting

	// StateConnected means the transport is open and sends are transmitted.
	StateConnected

	// StateErrored means the transport reported an error. A close always follows.
	StateErrored
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal step.
// Disconnected never goes straight to Connected.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	switch s {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateErrored || next == StateDisconnected
	case StateConnected:
		return next == StateDisconnected || next == StateErrored
	case StateErrored:
		return next == StateDisconnected
	default:
		return false
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}
