package registry

import (
	"sync"

	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Releaser is implemented by node implementations that need to free
// resources when their last strong reference drops.
type Releaser interface {
	Release()
}

// Node wraps a local object exposed to other processes. The
// implementation is released exactly when the strong count transitions
// to zero; the record itself survives for weak lookups until the weak
// count also reaches zero.
type Node struct {
	id     wire.NodeID
	cookie uint64

	mu       sync.Mutex
	strong   int64
	weak     int64
	impl     any
	released bool
}

// ID returns the node's process-local identity.
func (n *Node) ID() wire.NodeID { return n.id }

// Cookie returns the owner-supplied opaque value.
func (n *Node) Cookie() uint64 { return n.cookie }

// Impl returns the implementation, or ErrObjectDestroyed once the last
// strong reference has dropped.
func (n *Node) Impl() (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released {
		return nil, ErrObjectDestroyed
	}
	return n.impl, nil
}

// Counts returns the current strong and weak counts.
func (n *Node) Counts() (strong, weak int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.strong, n.weak
}

// Promote atomically increments the strong count if and only if it is
// already non-zero. The check and increment happen under one lock so a
// concurrent final release cannot resurrect the node.
func (n *Node) Promote() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released || n.strong == 0 {
		return false
	}
	n.strong++
	return true
}

// IncStrong increments the strong count. Acquiring the first strong
// reference on an already-released node fails with ErrObjectDestroyed.
func (n *Node) IncStrong() error {
	return n.incStrongN(1)
}

func (n *Node) incStrongN(delta int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released {
		return ErrObjectDestroyed
	}
	n.strong += delta
	return nil
}

// DecStrong decrements the strong count, releasing the implementation
// on the 1 -> 0 transition. Reports whether that release happened.
func (n *Node) DecStrong() (released bool, err error) {
	return n.decStrongN(1)
}

func (n *Node) decStrongN(delta int64) (released bool, err error) {
	if delta == 0 {
		return false, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.strong < delta {
		return false, ErrUnderflow
	}
	n.strong -= delta
	if n.strong == 0 && !n.released {
		n.released = true
		if r, ok := n.impl.(Releaser); ok {
			r.Release()
		}
		n.impl = nil
		return true, nil
	}
	return false, nil
}

// IncWeak increments the weak count. Valid even after release: weak
// references may outlive the implementation.
func (n *Node) IncWeak() {
	n.incWeakN(1)
}

func (n *Node) incWeakN(delta int64) {
	n.mu.Lock()
	n.weak += delta
	n.mu.Unlock()
}

// DecWeak decrements the weak count. Reports whether the record is now
// fully dead (both counts zero) and should be dropped.
func (n *Node) DecWeak() (dead bool, err error) {
	return n.decWeakN(1)
}

func (n *Node) decWeakN(delta int64) (dead bool, err error) {
	if delta == 0 {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.weak == 0 && n.strong == 0, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.weak < delta {
		return false, ErrUnderflow
	}
	n.weak -= delta
	return n.weak == 0 && n.strong == 0, nil
}
