package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionStateValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current ConnectionState
		target  ConnectionState
	}{
		{name: "disconnected to connecting", current: ConnectionStateDisconnected, target: ConnectionStateConnecting},
		{name: "error to connecting", current: ConnectionStateError, target: ConnectionStateConnecting},
		{name: "failed to connecting on explicit reconnect", current: ConnectionStateFailed, target: ConnectionStateConnecting},
		{name: "connecting to connected", current: ConnectionStateConnecting, target: ConnectionStateConnected},
		{name: "connecting to error", current: ConnectionStateConnecting, target: ConnectionStateError},
		{name: "error to reconnecting", current: ConnectionStateError, target: ConnectionStateReconnecting},
		{name: "error to failed", current: ConnectionStateError, target: ConnectionStateFailed},
		{name: "connected to disconnected", current: ConnectionStateConnected, target: ConnectionStateDisconnected},
		{name: "connected to reconnecting", current: ConnectionStateConnected, target: ConnectionStateReconnecting},
		{name: "reconnecting to connecting", current: ConnectionStateReconnecting, target: ConnectionStateConnecting},
		{name: "reconnecting to failed", current: ConnectionStateReconnecting, target: ConnectionStateFailed},
		{name: "reconnecting to disconnected", current: ConnectionStateReconnecting, target: ConnectionStateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.current.ValidateTransition(tt.target))
		})
	}
}

func TestConnectionStateInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current ConnectionState
		target  ConnectionState
	}{
		{name: "disconnected to connected", current: ConnectionStateDisconnected, target: ConnectionStateConnected},
		{name: "disconnected to reconnecting", current: ConnectionStateDisconnected, target: ConnectionStateReconnecting},
		{name: "connected to connecting", current: ConnectionStateConnected, target: ConnectionStateConnecting},
		{name: "connected to failed", current: ConnectionStateConnected, target: ConnectionStateFailed},
		{name: "reconnecting to connected", current: ConnectionStateReconnecting, target: ConnectionStateConnected},
		{name: "failed to reconnecting", current: ConnectionStateFailed, target: ConnectionStateReconnecting},
		{name: "connecting to reconnecting", current: ConnectionStateConnecting, target: ConnectionStateReconnecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.current.ValidateTransition(tt.target))
		})
	}
}
