package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// ControlSender reflects count transitions to a remote owner as oneway
// control transactions. Implemented by the runtime over its channel.
type ControlSender interface {
	SendControl(owner wire.ProcessID, code uint32, h wire.Handle) error
}

// export tracks the counts one remote holder has acquired on a node.
type export struct {
	node   wire.NodeID
	holder wire.ProcessID

	mu     sync.Mutex
	strong int64
	weak   int64
}

type exportKey struct {
	node   wire.NodeID
	holder wire.ProcessID
}

type refKey struct {
	owner  wire.ProcessID
	handle wire.Handle
}

// Registry is the per-process table of nodes, exports, and imported
// references. Maps use sync.Map so unrelated handles never serialize
// on a global lock; each record carries its own mutex.
type Registry struct {
	pid  wire.ProcessID
	ctrl ControlSender
	log  *logging.Logger

	nodes   sync.Map // wire.NodeID -> *Node
	exports sync.Map // wire.Handle -> *export
	refs    sync.Map // refKey -> *Ref

	exportMu  sync.Mutex // serializes first export per (node, holder)
	exportIdx map[exportKey]wire.Handle

	nextNode   atomic.Uint64
	nextHandle atomic.Uint32

	// root, when set, is served to every holder under wire.RootHandle.
	root atomic.Pointer[Node]
}

// New creates a registry for the given process identity.
func New(pid wire.ProcessID, ctrl ControlSender, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{
		pid:       pid,
		ctrl:      ctrl,
		log:       log,
		exportIdx: make(map[exportKey]wire.Handle),
	}
}

// PID returns the owning process identity.
func (r *Registry) PID() wire.ProcessID { return r.pid }

// RegisterLocal exposes an implementation as a node and returns its
// record. The node starts with zero counts; the first export or remote
// acquire pins it.
func (r *Registry) RegisterLocal(impl any, cookie uint64) *Node {
	n := &Node{
		id:     wire.NodeID(r.nextNode.Add(1)),
		cookie: cookie,
		impl:   impl,
	}
	r.nodes.Store(n.id, n)
	return n
}

// ResolveLocal returns the implementation registered under a node id.
func (r *Registry) ResolveLocal(id wire.NodeID) (any, error) {
	n, err := r.node(id)
	if err != nil {
		return nil, err
	}
	return n.Impl()
}

// Node returns the node record for an id.
func (r *Registry) Node(id wire.NodeID) (*Node, error) {
	return r.node(id)
}

func (r *Registry) node(id wire.NodeID) (*Node, error) {
	v, ok := r.nodes.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: node %d", ErrUnknownObject, id)
	}
	return v.(*Node), nil
}

// ExportHandle allocates the handle naming a node for one remote
// holder. The first export of a (node, holder) pair takes a weak count
// so the record outlives local releases; later exports return the same
// handle.
func (r *Registry) ExportHandle(node wire.NodeID, holder wire.ProcessID) (wire.Handle, error) {
	n, err := r.node(node)
	if err != nil {
		return 0, err
	}

	r.exportMu.Lock()
	defer r.exportMu.Unlock()

	key := exportKey{node: node, holder: holder}
	if h, ok := r.exportIdx[key]; ok {
		return h, nil
	}

	h := wire.Handle(r.nextHandle.Add(1))
	r.exportIdx[key] = h
	r.exports.Store(h, &export{node: node, holder: holder})
	n.IncWeak()
	return h, nil
}

// SetRoot publishes a node under wire.RootHandle for every holder. The
// root is pinned for the registry's lifetime and its remote counts are
// not tracked; it is the immortal bootstrap object.
func (r *Registry) SetRoot(n *Node) {
	n.IncWeak()
	r.root.Store(n)
}

// rootNode returns the published root, or an error if none exists.
func (r *Registry) rootNode() (*Node, error) {
	if n := r.root.Load(); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("%w: no root published", ErrUnknownObject)
}

// ResolveExport maps an inbound handle back to the node it names,
// verifying the sender is the holder the handle was allocated for.
func (r *Registry) ResolveExport(h wire.Handle, from wire.ProcessID) (*Node, error) {
	if h == wire.RootHandle {
		return r.rootNode()
	}
	e, err := r.export(h, from)
	if err != nil {
		return nil, err
	}
	return r.node(e.node)
}

func (r *Registry) export(h wire.Handle, from wire.ProcessID) (*export, error) {
	v, ok := r.exports.Load(h)
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrUnknownObject, h)
	}
	e := v.(*export)
	if e.holder != from {
		return nil, fmt.Errorf("%w: handle %d not held by process %d", ErrUnknownObject, h, from)
	}
	return e, nil
}

// AcquireStrong handles ACQUIRE_STRONG from a holder.
func (r *Registry) AcquireStrong(h wire.Handle, from wire.ProcessID) error {
	if h == wire.RootHandle {
		// The root is immortal; holder counts on it are not tracked.
		_, err := r.rootNode()
		return err
	}
	e, err := r.export(h, from)
	if err != nil {
		return err
	}
	n, err := r.node(e.node)
	if err != nil {
		return err
	}
	if err := n.IncStrong(); err != nil {
		return err
	}
	e.mu.Lock()
	e.strong++
	e.mu.Unlock()
	return nil
}

// ReleaseStrong handles RELEASE_STRONG from a holder. Underflow is a
// protocol violation by the peer and is surfaced.
func (r *Registry) ReleaseStrong(h wire.Handle, from wire.ProcessID) error {
	if h == wire.RootHandle {
		_, err := r.rootNode()
		return err
	}
	e, err := r.export(h, from)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.strong == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: strong on handle %d from process %d", ErrUnderflow, h, from)
	}
	e.strong--
	retire := e.weak == 0 && e.strong == 0
	e.mu.Unlock()

	n, err := r.node(e.node)
	if err != nil {
		return err
	}
	released, err := n.DecStrong()
	if err != nil {
		return err
	}
	if released {
		r.log.Debug("node implementation released",
			zap.Uint64("node", uint64(e.node)),
		)
	}
	if retire {
		r.retireExport(h, e, n)
	}
	return nil
}

// AcquireWeak handles ACQUIRE_WEAK from a holder.
func (r *Registry) AcquireWeak(h wire.Handle, from wire.ProcessID) error {
	if h == wire.RootHandle {
		_, err := r.rootNode()
		return err
	}
	e, err := r.export(h, from)
	if err != nil {
		return err
	}
	n, err := r.node(e.node)
	if err != nil {
		return err
	}
	n.IncWeak()
	e.mu.Lock()
	e.weak++
	e.mu.Unlock()
	return nil
}

// ReleaseWeak handles RELEASE_WEAK from a holder. Dropping the last
// count retires the export, releasing its bookkeeping weak; a node with
// no counts left is removed entirely.
func (r *Registry) ReleaseWeak(h wire.Handle, from wire.ProcessID) error {
	if h == wire.RootHandle {
		_, err := r.rootNode()
		return err
	}
	e, err := r.export(h, from)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.weak == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: weak on handle %d from process %d", ErrUnderflow, h, from)
	}
	e.weak--
	retire := e.weak == 0 && e.strong == 0
	e.mu.Unlock()

	n, err := r.node(e.node)
	if err != nil {
		return err
	}
	if _, err := n.DecWeak(); err != nil {
		return err
	}
	if retire {
		r.retireExport(h, e, n)
	}
	return nil
}

// AttemptAcquire handles the two-way ATTEMPT_ACQUIRE: promote the node
// on behalf of the holder, failing if its strong count already hit
// zero.
func (r *Registry) AttemptAcquire(h wire.Handle, from wire.ProcessID) error {
	if h == wire.RootHandle {
		_, err := r.rootNode()
		return err
	}
	e, err := r.export(h, from)
	if err != nil {
		return err
	}
	n, err := r.node(e.node)
	if err != nil {
		return err
	}
	if !n.Promote() {
		return fmt.Errorf("%w: node %d", ErrObjectDestroyed, e.node)
	}
	e.mu.Lock()
	e.strong++
	e.mu.Unlock()
	return nil
}

// retireExport drops an export record whose holder released every
// count, together with the bookkeeping weak taken at allocation.
func (r *Registry) retireExport(h wire.Handle, e *export, n *Node) {
	r.exportMu.Lock()
	delete(r.exportIdx, exportKey{node: e.node, holder: e.holder})
	r.exportMu.Unlock()
	r.exports.Delete(h)

	dead, err := n.DecWeak()
	if err != nil {
		r.log.Error("export bookkeeping weak underflow",
			zap.Uint64("node", uint64(e.node)),
			zap.Error(err),
		)
		return
	}
	if dead {
		r.nodes.Delete(e.node)
	}
}

// ImportHandle records a handle received from a remote owner, creating
// the reference on first sight or bumping its counts thereafter.
// Creation sends ACQUIRE_WEAK; the first strong use sends
// ACQUIRE_STRONG. Importing the same handle twice yields the identical
// *Ref.
func (r *Registry) ImportHandle(owner wire.ProcessID, h wire.Handle, strong bool) (*Ref, error) {
	key := refKey{owner: owner, handle: h}
	for {
		v, loaded := r.refs.Load(key)
		if !loaded {
			ref := &Ref{reg: r, owner: owner, handle: h, alive: true}
			v, loaded = r.refs.LoadOrStore(key, ref)
			if !loaded {
				r.sendControl(owner, wire.OpAcquireWeak, h)
			}
		}
		ref := v.(*Ref)

		ref.mu.Lock()
		if ref.removed {
			// Lost a race with the final release; retry with a
			// fresh record.
			ref.mu.Unlock()
			r.refs.CompareAndDelete(key, ref)
			continue
		}
		var acquire bool
		if strong {
			acquire = ref.strong == 0
			ref.strong++
		} else {
			ref.weak++
		}
		ref.mu.Unlock()

		if acquire {
			r.sendControl(owner, wire.OpAcquireStrong, h)
		}
		return ref, nil
	}
}

// LookupRef returns the reference for (owner, handle) if one exists.
func (r *Registry) LookupRef(owner wire.ProcessID, h wire.Handle) (*Ref, bool) {
	v, ok := r.refs.Load(refKey{owner: owner, handle: h})
	if !ok {
		return nil, false
	}
	return v.(*Ref), true
}

// MarkProcessDead clears liveness on every reference owned by the dead
// process and drops every count the dead process held on local nodes.
// Returns the references that were alive, for death fan-out.
func (r *Registry) MarkProcessDead(pid wire.ProcessID) []*Ref {
	var died []*Ref
	r.refs.Range(func(_, v any) bool {
		ref := v.(*Ref)
		if ref.owner == pid && ref.markDead() {
			died = append(died, ref)
		}
		return true
	})

	// The dead holder can never release what it acquired; unwind its
	// exports so local nodes are not pinned forever.
	r.exports.Range(func(k, v any) bool {
		e := v.(*export)
		if e.holder != pid {
			return true
		}
		h := k.(wire.Handle)
		e.mu.Lock()
		strong, weak := e.strong, e.weak
		e.strong, e.weak = 0, 0
		e.mu.Unlock()

		n, err := r.node(e.node)
		if err != nil {
			return true
		}
		if released, err := n.decStrongN(strong); err != nil {
			r.log.Error("unwinding dead holder", zap.Error(err))
		} else if released {
			r.log.Info("node released by peer death",
				zap.Uint64("node", uint64(e.node)),
				zap.Uint32("peer", uint32(pid)),
			)
		}
		if _, err := n.decWeakN(weak); err != nil {
			r.log.Error("unwinding dead holder", zap.Error(err))
		}
		r.retireExport(h, e, n)
		return true
	})
	return died
}

// Stats summarizes table sizes for the debug surface.
func (r *Registry) Stats() map[string]any {
	var nodes, exports, refs int
	r.nodes.Range(func(_, _ any) bool { nodes++; return true })
	r.exports.Range(func(_, _ any) bool { exports++; return true })
	r.refs.Range(func(_, _ any) bool { refs++; return true })
	return map[string]any{
		"nodes":   nodes,
		"exports": exports,
		"refs":    refs,
	}
}

func (r *Registry) sendControl(owner wire.ProcessID, code uint32, h wire.Handle) {
	if r.ctrl == nil {
		return
	}
	if err := r.ctrl.SendControl(owner, code, h); err != nil {
		r.log.Warn("control send failed",
			zap.Uint32("owner", uint32(owner)),
			zap.Uint32("code", code),
			zap.Error(err),
		)
	}
}

func (r *Registry) dropRef(ref *Ref, alive bool) {
	r.refs.Delete(refKey{owner: ref.owner, handle: ref.handle})
	if alive {
		r.sendControl(ref.owner, wire.OpReleaseWeak, ref.handle)
	}
}
