package interfaces

import (
	"context"

	"signal-hub/src/models"
)

// -----------------------------------------------------------------------------
// IEventHub is the surface exposed to producers and client transports
// (HTTP, WebSocket, gRPC). Implemented by the connection manager.
// -----------------------------------------------------------------------------

type IEventHub interface {
	// -----------------------------------------------------------------------------
	// RegisterConnection attaches a live transport for a user and returns its id.
	RegisterConnection(userID string, transport ITransport) (string, error)

	// -----------------------------------------------------------------------------
	// OnDisconnect tears down a connection. Safe to call more than once.
	OnDisconnect(connID string)

	// -----------------------------------------------------------------------------
	// Touch records a heartbeat for a connection.
	Touch(connID string)

	// -----------------------------------------------------------------------------
	// Subscribe validates and registers criteria for a user.
	Subscribe(userID string, criteria models.MCriteria) (string, error)

	// -----------------------------------------------------------------------------
	// Unsubscribe removes a subscription. False if it did not exist.
	Unsubscribe(subID string) bool

	// -----------------------------------------------------------------------------
	// Subscriptions lists a user's live subscriptions.
	Subscriptions(userID string) []models.MSubscription

	// -----------------------------------------------------------------------------
	// Broadcast hands an event to routing and delivery without waiting.
	// False when the ingress queue is full.
	Broadcast(event models.MEvent) bool

	// -----------------------------------------------------------------------------
	// HealthSnapshot reports the engine state.
	HealthSnapshot() models.MHealthSnapshot
}

// -----------------------------------------------------------------------------
// ITransport is one client connection able to receive serialized messages.
// -----------------------------------------------------------------------------

type ITransport interface {
	// ID is unique per connection for the process lifetime.
	ID() string

	// Send writes one message, honouring the context deadline.
	Send(ctx context.Context, message []byte) error

	// Close terminates the connection.
	Close() error
}
