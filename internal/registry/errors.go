package registry

import "errors"

var (
	// ErrUnknownObject reports a lookup of a handle or node id that the
	// registry has no record of.
	ErrUnknownObject = errors.New("registry: unknown object")

	// ErrObjectDestroyed reports an operation against a node whose
	// implementation has already been released.
	ErrObjectDestroyed = errors.New("registry: object destroyed")

	// ErrUnderflow reports a count decrement below zero. This is a
	// protocol violation by the peer and is surfaced, never clamped.
	ErrUnderflow = errors.New("registry: reference count underflow")

	// ErrRefReleased reports use of a reference after both of its local
	// counts reached zero.
	ErrRefReleased = errors.New("registry: reference already released")

	// ErrRefDead reports a strong operation on a reference whose owning
	// process has terminated or whose last strong count already dropped.
	ErrRefDead = errors.New("registry: reference not strong")
)
