package interfaces

import "time"

// Handle is one live transport connection for a user. The concrete
// implementation is the WebSocket connection wrapper; managers depend on
// this interface so tests and alternative transports can substitute it.
type Handle interface {
	// HandleID uniquely identifies this connection instance.
	HandleID() string

	// GetUserID returns the authenticated user.
	GetUserID() string

	// LastActive returns the time of the most recent inbound activity.
	LastActive() time.Time

	// WriteEvent queues a named event envelope for delivery.
	WriteEvent(event string, data map[string]interface{}) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
