package ipc

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/CapBus/internal/wire"
)

var (
	// ErrUnreachable reports a call whose target handle or process could
	// not be resolved.
	ErrUnreachable = errors.New("ipc: target unreachable")

	// ErrRejected reports a call refused by the receiver's permission
	// hook or flood limiter.
	ErrRejected = errors.New("ipc: call rejected")

	// ErrPeerDead reports that the destination process terminated, either
	// before the call was sent or while it was outstanding.
	ErrPeerDead = errors.New("ipc: peer process terminated")

	// ErrObjectDead reports a call on a node whose implementation was
	// already released.
	ErrObjectDead = errors.New("ipc: target object destroyed")

	// ErrTimeout reports a two-way call that gave up waiting for its
	// reply. The reply, if it arrives later, is discarded.
	ErrTimeout = errors.New("ipc: call timed out")

	// ErrProtocol reports a malformed transaction or an illegal object
	// transfer.
	ErrProtocol = errors.New("ipc: protocol violation")

	// ErrHandlerFault reports that the remote handler panicked or
	// returned an error.
	ErrHandlerFault = errors.New("ipc: handler fault")

	// ErrRuntimeStopped reports use of the runtime after Shutdown.
	ErrRuntimeStopped = errors.New("ipc: runtime stopped")
)

// statusError maps a reply status to the caller-facing error, carrying
// whatever detail the receiver put in the reply payload.
func statusError(status uint32, detail []byte) error {
	var base error
	switch status {
	case wire.StatusUnreachable:
		base = ErrUnreachable
	case wire.StatusRejected:
		base = ErrRejected
	case wire.StatusDead:
		base = ErrObjectDead
	case wire.StatusFault:
		base = ErrHandlerFault
	case wire.StatusProtocol:
		base = ErrProtocol
	default:
		base = fmt.Errorf("ipc: unknown reply status %d", status)
	}
	if len(detail) == 0 {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}

// statusLabel names a status for metrics and logs.
func statusLabel(status uint32) string {
	switch status {
	case wire.StatusOK:
		return "ok"
	case wire.StatusUnreachable:
		return "unreachable"
	case wire.StatusRejected:
		return "rejected"
	case wire.StatusDead:
		return "dead"
	case wire.StatusFault:
		return "fault"
	case wire.StatusProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}
