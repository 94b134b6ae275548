// Package transport moves transaction envelopes between processes. It
// guarantees message boundaries, per-sender ordering, and single
// delivery; everything above it (dispatch, reference counting, death
// fan-out) lives in the runtime.
package transport

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/CapBus/internal/wire"
)

var (
	// ErrClosed reports use of a channel after shutdown.
	ErrClosed = errors.New("transport: channel closed")
	// ErrNoRoute reports a send to a process the transport does not
	// know. Surfaced to callers as an unreachable target.
	ErrNoRoute = errors.New("transport: no route to process")
	// ErrDuplicatePID reports a second attach under the same process id.
	ErrDuplicatePID = errors.New("transport: process id already attached")
)

// Channel is the per-process conduit the runtime consumes. Send and
// Recv are safe for concurrent use by all worker threads of a process.
type Channel interface {
	// Send enqueues one transaction for delivery. It never blocks on
	// the remote handler, only on transport backpressure.
	Send(tx *wire.Transaction) error

	// Recv blocks until a transaction arrives, the context is
	// cancelled, or the channel closes (ErrClosed).
	Recv(ctx context.Context) (*wire.Transaction, error)

	// OnPeerTerminated registers an out-of-band callback fired when a
	// peer process detaches or dies. May be called multiple times.
	OnPeerTerminated(fn func(wire.ProcessID))

	// Close detaches from the transport. Peers observe this as a
	// termination event.
	Close() error
}
