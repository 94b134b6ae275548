package wire

// Control opcodes occupy the high bit of the opcode space so they can
// never collide with user-defined operation codes, which must stay
// below OpControlBase.
const (
	// OpControlBase is the lower bound of the control opcode range.
	OpControlBase uint32 = 0x8000_0000

	// OpAcquireStrong asks the owner to increment a node's strong count
	// on behalf of the sending holder.
	OpAcquireStrong = OpControlBase + iota
	// OpReleaseStrong releases one strong count previously acquired.
	OpReleaseStrong
	// OpAcquireWeak asks the owner to increment a node's weak count.
	OpAcquireWeak
	// OpReleaseWeak releases one weak count previously acquired.
	OpReleaseWeak
	// OpAttemptAcquire asks the owner to promote a weak reference to
	// strong. Unlike the other count operations it is two-way: the
	// reply status reports whether the node was still alive.
	OpAttemptAcquire
	// OpDeadNotification announces that the process identified by the
	// transaction cookie has terminated.
	OpDeadNotification
	// OpEnterLoop announces a worker thread joining the receive loop.
	OpEnterLoop
	// OpExitLoop announces a worker thread leaving the receive loop.
	OpExitLoop
)

// IsControl reports whether an opcode belongs to the control range.
func IsControl(code uint32) bool { return code >= OpControlBase }
