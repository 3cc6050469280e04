// Package outbound defines the outbound port interfaces for the downstream
// tool server.
package outbound

import (
	"context"
	"io"
)

// ToolServer is the outbound port for the downstream tool server the
// gateway fronts. The stdio adapter implements this over a subprocess.
type ToolServer interface {
	// Start launches the server. Returns its stdin (for sending) and
	// stdout (for receiving).
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Wait blocks until the server terminates.
	Wait() error

	// Close shuts the server down: close stdin, allow a grace period for
	// voluntary exit, then force-terminate.
	Close() error
}
