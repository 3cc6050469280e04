// Package stdio provides the stdio transport adapter for the gateway.
package stdio

import (
	"context"
	"os"

	"github.com/chimera-gate/chimeragate/internal/port/inbound"
	"github.com/chimera-gate/chimeragate/internal/service"
)

// Transport connects the gateway to the process's stdin/stdout. This is the
// default transport for agent runtimes that spawn the gateway as a child.
type Transport struct {
	gateway *service.Gateway
}

// NewTransport creates a stdio transport wrapping the given gateway.
func NewTransport(gateway *service.Gateway) *Transport {
	return &Transport{gateway: gateway}
}

// Start begins proxying between stdin/stdout and the downstream server.
// It blocks until the context is cancelled or either stream closes.
func (t *Transport) Start(ctx context.Context) error {
	return t.gateway.Run(ctx, os.Stdin, os.Stdout)
}

// Close gracefully shuts down the transport. For stdio there is nothing to
// clean up beyond what Run's own shutdown already does.
func (t *Transport) Close() error {
	return nil
}

var _ inbound.Transport = (*Transport)(nil)
