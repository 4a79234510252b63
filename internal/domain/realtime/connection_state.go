package realtime

import "fmt"

// ConnectionState represents where the push channel is in its lifecycle.
type ConnectionState string

const (
	// ConnectionStateDisconnected is the initial state, and the state after an
	// explicit disconnect or a server-initiated close.
	ConnectionStateDisconnected ConnectionState = "disconnected"

	// ConnectionStateConnecting indicates a handshake is in progress.
	ConnectionStateConnecting ConnectionState = "connecting"

	// ConnectionStateConnected indicates the handshake was confirmed.
	ConnectionStateConnected ConnectionState = "connected"

	// ConnectionStateReconnecting indicates a reconnect timer is pending.
	ConnectionStateReconnecting ConnectionState = "reconnecting"

	// ConnectionStateError indicates the most recent handshake failed.
	ConnectionStateError ConnectionState = "error"

	// ConnectionStateFailed is terminal until an explicit reconnect.
	ConnectionStateFailed ConnectionState = "failed"
)

func (s ConnectionState) String() string { return string(s) }

// ValidateTransition returns an error unless moving from s to target is one of
// the permitted edges.
func (s ConnectionState) ValidateTransition(target ConnectionState) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid connection state transition from %s to %s", s, target)
	}
	return nil
}

func (s ConnectionState) isValidTransition(target ConnectionState) bool {
	// An explicit disconnect is honoured from every state.
	if target == ConnectionStateDisconnected {
		return true
	}

	switch s {
	case ConnectionStateDisconnected, ConnectionStateFailed:
		return target == ConnectionStateConnecting
	case ConnectionStateError:
		return target == ConnectionStateConnecting ||
			target == ConnectionStateReconnecting ||
			target == ConnectionStateFailed
	case ConnectionStateConnecting:
		return target == ConnectionStateConnected || target == ConnectionStateError
	case ConnectionStateConnected:
		return target == ConnectionStateReconnecting
	case ConnectionStateReconnecting:
		return target == ConnectionStateConnecting || target == ConnectionStateFailed
	default:
		return false
	}
}
