// Package inbound defines the inbound port interfaces for the gateway core.
// Inbound adapters (stdio, HTTP) implement these.
package inbound

import (
	"context"
)

// Transport connects upstream callers to the gateway.
type Transport interface {
	// Start begins accepting upstream messages and blocks until the
	// context is cancelled or an error occurs.
	Start(ctx context.Context) error

	// Close gracefully shuts down the transport.
	Close() error
}
