// Package subscription keeps the server's view of a client's topic interest
// aligned with what the client wants, across disconnects and reconnects.
package subscription

import (
	"context"

	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/internal/infra/channel"
)

// Channel is the part of the push channel client the registry needs.
type Channel interface {
	// State returns the current connection state.
	State() realtime.ConnectionState

	// Send writes an outbound frame to the server.
	Send(ctx context.Context, msgType channel.MessageType, data any) error

	// OnStateChange registers a listener for connection state changes and
	// returns a function that removes it.
	OnStateChange(fn channel.StateListener) (unregister func())
}

var _ Channel = (*channel.Client)(nil)
