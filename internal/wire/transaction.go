package wire

// ProcessID identifies a process attached to the transport.
type ProcessID uint32

// NodeID identifies a local object within its owning process.
// Stable for the node's lifetime, never reused.
type NodeID uint64

// Handle names a node exported to one remote holder. Handles are
// allocated by the owning process and are never reused while any
// strong or weak count on them is non-zero.
type Handle uint32

// RootHandle is reserved: it resolves to the owning process's root
// node (if it published one) for any holder, without a prior export.
// It is the bootstrap capability; everything else travels inside
// transactions.
const RootHandle Handle = 0

// TargetKind tags the target union of a transaction.
type TargetKind uint8

const (
	// TargetNode addresses a node directly in the receiving process.
	TargetNode TargetKind = iota
	// TargetHandle addresses a node through a handle the receiving
	// process allocated for the sender.
	TargetHandle
)

// Target is the closed tagged variant over {local node, remote handle}.
type Target struct {
	Kind   TargetKind
	Node   NodeID
	Handle Handle
}

// NodeTarget builds a target addressing a local node.
func NodeTarget(id NodeID) Target {
	return Target{Kind: TargetNode, Node: id}
}

// HandleTarget builds a target addressing a remote node by handle.
func HandleTarget(h Handle) Target {
	return Target{Kind: TargetHandle, Handle: h}
}

// ObjectKind tags an object-table entry with the side that owns the
// referenced node, relative to the transaction's sender.
type ObjectKind uint8

const (
	// ObjectOwnedBySender means the handle lives in the sender's
	// export table; the receiver imports it.
	ObjectOwnedBySender ObjectKind = iota
	// ObjectOwnedByReceiver means the handle lives in the receiver's
	// own export table; the receiver resolves it back to its node.
	ObjectOwnedByReceiver
)

// ObjectRef is one entry of a transaction's object table: a reference
// being transferred alongside the payload.
type ObjectRef struct {
	// Offset is the position in the payload the reference belongs to.
	Offset uint32
	Kind   ObjectKind
	Handle Handle
	// Delta is the reference-count adjustment carried by the transfer,
	// +1 for a strong reference handed to the receiver.
	Delta int32
}

// Transaction flag bits.
const (
	// FlagOneway marks a fire-and-forget transaction with no reply.
	FlagOneway uint32 = 1 << 0
	// FlagReply marks a reply to an earlier two-way transaction.
	FlagReply uint32 = 1 << 1
)

// Reply status codes carried in the Status field.
const (
	StatusOK uint32 = iota
	StatusUnreachable
	StatusRejected
	StatusDead
	StatusFault
	StatusProtocol
)

// Transaction is one request or reply moved across the channel.
type Transaction struct {
	// Dest routes the transaction to its destination process. The
	// transport consumes it; it is part of the envelope so brokers can
	// route without a side table.
	Dest ProcessID

	Target Target
	// Cookie is an opaque owner-supplied value attached to the target
	// node; echoed back on replies and death notices.
	Cookie uint64
	Code   uint32
	Flags  uint32
	Sender ProcessID
	// SenderUID is the effective user id of the sending process,
	// consumed by permission hooks on the receiving side.
	SenderUID uint32

	// Corr correlates a reply with its originating two-way
	// transaction. Unique per sending process.
	Corr uint64
	// SenderThread is the cookie of the thread blocked on this
	// transaction's reply, or zero for oneway sends. Nested calls back
	// into the sender are steered to this thread.
	SenderThread uint64
	// TargetThread, when non-zero, requires the destination thread
	// with this cookie to service the transaction (borrowed-thread
	// execution). Zero lets any worker pick it up.
	TargetThread uint64
	// Status carries the outcome on replies; StatusOK elsewhere.
	Status uint32

	Payload []byte
	Objects []ObjectRef
}

// Oneway reports whether the transaction expects no reply.
func (t *Transaction) Oneway() bool { return t.Flags&FlagOneway != 0 }

// IsReply reports whether the transaction is a reply.
func (t *Transaction) IsReply() bool { return t.Flags&FlagReply != 0 }
