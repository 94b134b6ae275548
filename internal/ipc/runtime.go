// Package ipc is the capability runtime for one process: it owns the
// object registry, the worker pool, outbound calls, inbound dispatch
// and death fan-out, all on top of a transport channel.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/CapBus/internal/death"
	"github.com/GriffinCanCode/CapBus/internal/id"
	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/monitoring"
	"github.com/GriffinCanCode/CapBus/internal/registry"
	"github.com/GriffinCanCode/CapBus/internal/transport"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// inboxDepth bounds nested transactions queued at one blocked thread.
// Stack discipline keeps the real occupancy at one; the headroom only
// absorbs bursts of oneway sends steered at the thread.
const inboxDepth = 16

// dispatchQueueDepth bounds transactions routed to the pool but not yet
// picked up by a worker.
const dispatchQueueDepth = 256

// PermissionHook vets inbound transactions before dispatch. Returning
// an error rejects the call with a policy status; the error text is
// surfaced to the caller.
type PermissionHook interface {
	Authorize(sender wire.ProcessID, uid uint32, code uint32, node wire.NodeID) error
}

// PermissionHookFunc adapts a function to the PermissionHook interface.
type PermissionHookFunc func(sender wire.ProcessID, uid uint32, code uint32, node wire.NodeID) error

// Authorize calls f.
func (f PermissionHookFunc) Authorize(sender wire.ProcessID, uid uint32, code uint32, node wire.NodeID) error {
	return f(sender, uid, code, node)
}

// Options configures a Runtime.
type Options struct {
	// PID is this process's identity on the transport.
	PID wire.ProcessID
	// UID is stamped on outbound transactions for permission hooks.
	UID uint32
	// Channel is the attached transport conduit. Required.
	Channel transport.Channel
	// Logger defaults to a no-op logger.
	Logger *logging.Logger
	// Metrics may be nil; all recording is skipped.
	Metrics *monitoring.Metrics
	// Hook, when set, vets every inbound user transaction.
	Hook PermissionHook
	// CallTimeout bounds two-way calls whose context carries no
	// deadline. Zero means wait indefinitely.
	CallTimeout time.Duration
	// OnewayRate caps inbound oneway transactions per second. Zero
	// disables the flood limiter.
	OnewayRate rate.Limit
	// OnewayBurst is the limiter burst; defaults to the rate rounded
	// down, minimum one.
	OnewayBurst int
}

// Runtime is the per-process IPC engine. One Runtime per attached
// process; all methods are safe for concurrent use.
type Runtime struct {
	pid      wire.ProcessID
	uid      uint32
	instance uuid.UUID

	ch      transport.Channel
	reg     *registry.Registry
	deaths  *death.Registry
	log     *logging.Logger
	metrics *monitoring.Metrics
	hook    PermissionHook
	limiter *rate.Limiter

	callTimeout time.Duration

	corr      atomic.Uint64
	threadSeq atomic.Uint64
	waiters   sync.Map // corr -> *waiter
	inboxes   sync.Map // thread cookie -> *threadInbox

	// dispatchQ feeds the worker pool. Written and closed by the pump
	// only.
	dispatchQ chan *wire.Transaction

	poolMu     sync.Mutex
	workers    int
	busy       int
	maxWorkers int
	started    bool

	deadMu    sync.Mutex
	deadPeers map[wire.ProcessID]struct{}

	loopCtx    context.Context
	cancelLoop context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// waiter holds one outstanding two-way call until its reply, peer
// death, or abandonment.
type waiter struct {
	dest wire.ProcessID
	done chan outcome // buffered 1; written at most once
}

type outcome struct {
	tx  *wire.Transaction
	err error
}

// threadInbox delivers nested transactions to a thread blocked on a
// reply. Closed when the call completes; late deliveries fall back to
// the worker pool.
type threadInbox struct {
	mu     sync.Mutex
	closed bool
	ch     chan *wire.Transaction
}

func newThreadInbox() *threadInbox {
	return &threadInbox{ch: make(chan *wire.Transaction, inboxDepth)}
}

func (t *threadInbox) deliver(tx *wire.Transaction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.ch <- tx:
		return true
	default:
		return false
	}
}

// close marks the inbox dead and returns anything still queued so the
// caller can hand it back to the pool.
func (t *threadInbox) close() []*wire.Transaction {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	var orphans []*wire.Transaction
	for {
		select {
		case tx := <-t.ch:
			orphans = append(orphans, tx)
		default:
			return orphans
		}
	}
}

// New builds a Runtime over an attached channel. Start must be called
// before the runtime services inbound transactions.
func New(opts Options) (*Runtime, error) {
	if opts.Channel == nil {
		return nil, errors.New("ipc: channel is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	rt := &Runtime{
		pid:         opts.PID,
		uid:         opts.UID,
		instance:    uuid.New(),
		ch:          opts.Channel,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		hook:        opts.Hook,
		callTimeout: opts.CallTimeout,
		deadPeers:   make(map[wire.ProcessID]struct{}),
		dispatchQ:   make(chan *wire.Transaction, dispatchQueueDepth),
		stop:        make(chan struct{}),
	}
	if opts.OnewayRate > 0 {
		burst := opts.OnewayBurst
		if burst <= 0 {
			burst = int(opts.OnewayRate)
			if burst < 1 {
				burst = 1
			}
		}
		rt.limiter = rate.NewLimiter(opts.OnewayRate, burst)
	}
	rt.loopCtx, rt.cancelLoop = context.WithCancel(context.Background())
	rt.reg = registry.New(opts.PID, rt, opts.Logger)
	rt.deaths = death.NewRegistry(opts.Logger)
	opts.Channel.OnPeerTerminated(rt.peerTerminated)

	opts.Logger.Info("runtime created",
		zap.Uint32("pid", uint32(opts.PID)),
		zap.String("instance", rt.instance.String()),
	)
	return rt, nil
}

// PID returns the process identity this runtime is attached as.
func (rt *Runtime) PID() wire.ProcessID { return rt.pid }

// Registry exposes the object registry for the debug surface.
func (rt *Runtime) Registry() *registry.Registry { return rt.reg }

// Deaths exposes the death-notification registry for the debug surface.
func (rt *Runtime) Deaths() *death.Registry { return rt.deaths }

// Register publishes a handler as a new local node. The cookie is an
// opaque value echoed on replies and death notices for this node.
func (rt *Runtime) Register(h Handler, cookie uint64) *registry.Node {
	return rt.reg.RegisterLocal(h, cookie)
}

// ServeRoot registers a handler and publishes it as this process's
// root node: any peer reaches it under wire.RootHandle with no prior
// export. A broker daemon uses this for its name directory.
func (rt *Runtime) ServeRoot(h Handler, cookie uint64) *registry.Node {
	n := rt.reg.RegisterLocal(h, cookie)
	rt.reg.SetRoot(n)
	return n
}

// Root imports the root capability of a peer process.
func (rt *Runtime) Root(owner wire.ProcessID) (*Proxy, error) {
	return rt.Proxy(owner, wire.RootHandle)
}

// Expose allocates (or returns the existing) handle naming a local node
// to one holder process. This is how a service hands out its first
// capability; everything after travels inside transactions.
func (rt *Runtime) Expose(node wire.NodeID, holder wire.ProcessID) (wire.Handle, error) {
	return rt.reg.ExportHandle(node, holder)
}

// Proxy imports a handle as a strong reference and wraps it for
// calling. Close the proxy to drop the reference.
func (rt *Runtime) Proxy(owner wire.ProcessID, h wire.Handle) (*Proxy, error) {
	ref, err := rt.reg.ImportHandle(owner, h, true)
	if err != nil {
		return nil, err
	}
	return &Proxy{rt: rt, ref: ref}, nil
}

// ProxyFor wraps an already-held reference, e.g. one received as a call
// attachment. The proxy shares the reference's counts; closing the
// proxy drops one strong count.
func (rt *Runtime) ProxyFor(ref *registry.Ref) *Proxy {
	return &Proxy{rt: rt, ref: ref}
}

// LinkToDeath subscribes to the death of the process owning ref. If the
// owner is already dead the recipient fires immediately. The recipient
// is invoked exactly once, off the subscriber's own threads.
func (rt *Runtime) LinkToDeath(ref *registry.Ref, recipient death.Recipient) id.SubscriberID {
	sub := rt.deaths.Link(ref.Owner(), ref.Handle(), recipient)
	if !ref.Alive() {
		rt.deaths.NotifyHandle(ref.Owner(), ref.Handle())
	}
	return sub
}

// UnlinkDeath cancels a subscription. Returns false if it already fired
// or was never registered.
func (rt *Runtime) UnlinkDeath(ref *registry.Ref, sub id.SubscriberID) bool {
	return rt.deaths.Unlink(ref.Owner(), ref.Handle(), sub)
}

// Promote upgrades a weak-only reference to strong. The local fast path
// wins when a strong count already exists somewhere in this process;
// otherwise the owner arbitrates via a two-way ATTEMPT_ACQUIRE.
func (rt *Runtime) Promote(ctx context.Context, ref *registry.Ref) error {
	if ref.Promote() {
		return nil
	}
	if !ref.Alive() {
		return ErrPeerDead
	}
	tx := &wire.Transaction{
		Dest:   ref.Owner(),
		Target: wire.HandleTarget(ref.Handle()),
		Code:   wire.OpAttemptAcquire,
	}
	if _, err := rt.transact(ctx, tx); err != nil {
		return err
	}
	return ref.AdoptStrong()
}

// SendControl ships a refcount or lifecycle opcode to the owner of a
// handle. Control traffic is oneway. Implements registry.ControlSender.
func (rt *Runtime) SendControl(owner wire.ProcessID, code uint32, h wire.Handle) error {
	return rt.ch.Send(&wire.Transaction{
		Dest:      owner,
		Target:    wire.HandleTarget(h),
		Code:      code,
		Flags:     wire.FlagOneway,
		Sender:    rt.pid,
		SenderUID: rt.uid,
	})
}

// call is the shared body behind Proxy.Call and Proxy.Oneway.
func (rt *Runtime) call(ctx context.Context, ref *registry.Ref, code uint32, payload []byte, atts []Attachment, oneway bool) (*Reply, error) {
	if wire.IsControl(code) {
		return nil, fmt.Errorf("%w: code 0x%x is reserved for control transactions", ErrProtocol, code)
	}
	if !ref.Alive() {
		return nil, ErrPeerDead
	}
	objs, err := rt.exportAttachments(ref.Owner(), atts)
	if err != nil {
		return nil, err
	}
	tx := &wire.Transaction{
		Dest:      ref.Owner(),
		Target:    wire.HandleTarget(ref.Handle()),
		Code:      code,
		Sender:    rt.pid,
		SenderUID: rt.uid,
		Payload:   payload,
		Objects:   objs,
	}
	if oneway {
		tx.Flags = wire.FlagOneway
		if err := rt.ch.Send(tx); err != nil {
			if errors.Is(err, transport.ErrNoRoute) {
				return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
			}
			return nil, fmt.Errorf("ipc: send: %w", err)
		}
		return nil, nil
	}
	return rt.transact(ctx, tx)
}

// transact sends one two-way transaction and blocks for its reply,
// servicing nested transactions steered at this thread meanwhile (the
// borrowed-thread rule: a caller blocked on process P lends its stack
// to P's calls back into us, so two single-threaded processes can call
// each other without deadlock).
func (rt *Runtime) transact(ctx context.Context, tx *wire.Transaction) (*Reply, error) {
	if rt.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rt.callTimeout)
			defer cancel()
		}
	}

	corr := rt.corr.Add(1)
	thread := rt.threadSeq.Add(1)
	inbox := newThreadInbox()

	tx.Corr = corr
	tx.Sender = rt.pid
	tx.SenderUID = rt.uid
	tx.SenderThread = thread
	// Calling back into the process we are currently servicing steers
	// the transaction to its blocked thread instead of its pool.
	if info := dispatchFrom(ctx); info != nil && info.sender == tx.Dest {
		tx.TargetThread = info.thread
	}

	w := &waiter{dest: tx.Dest, done: make(chan outcome, 1)}
	rt.waiters.Store(corr, w)
	rt.inboxes.Store(thread, inbox)
	defer func() {
		rt.waiters.Delete(corr)
		rt.inboxes.Delete(thread)
		for _, orphan := range inbox.close() {
			go rt.dispatch(orphan)
		}
	}()

	// Checked after the waiter is registered so a concurrent death event
	// cannot slip between the check and the wait.
	if rt.peerDead(tx.Dest) {
		return nil, ErrPeerDead
	}

	rt.metrics.CallStarted()
	defer rt.metrics.CallFinished()
	start := time.Now()

	if err := rt.ch.Send(tx); err != nil {
		rt.metrics.RecordOutbound("send_failed", time.Since(start))
		if errors.Is(err, transport.ErrNoRoute) {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("ipc: send: %w", err)
	}

	for {
		select {
		case out := <-w.done:
			if out.err != nil {
				rt.metrics.RecordOutbound("peer_dead", time.Since(start))
				return nil, out.err
			}
			return rt.finishCall(out.tx, start)
		case nested := <-inbox.ch:
			rt.dispatch(nested)
		case <-ctx.Done():
			rt.metrics.RecordOutbound("timeout", time.Since(start))
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
			}
			return nil, ctx.Err()
		case <-rt.stop:
			return nil, ErrRuntimeStopped
		}
	}
}

func (rt *Runtime) finishCall(reply *wire.Transaction, start time.Time) (*Reply, error) {
	if reply.Status != wire.StatusOK {
		rt.metrics.RecordOutbound(statusLabel(reply.Status), time.Since(start))
		return nil, statusError(reply.Status, reply.Payload)
	}
	refs, nodes, err := rt.importObjects(reply.Sender, reply.Objects)
	if err != nil {
		rt.metrics.RecordOutbound("protocol", time.Since(start))
		return nil, fmt.Errorf("%w: reply objects: %v", ErrProtocol, err)
	}
	rt.metrics.RecordOutbound("ok", time.Since(start))
	return &Reply{Payload: reply.Payload, Refs: refs, Nodes: nodes}, nil
}

// completeReply hands a reply to its waiter; unmatched replies (the
// waiter timed out or died) are counted and dropped.
func (rt *Runtime) completeReply(tx *wire.Transaction) {
	v, ok := rt.waiters.LoadAndDelete(tx.Corr)
	if !ok {
		rt.metrics.RecordLateReply()
		rt.log.Debug("late reply discarded",
			zap.Uint64("corr", tx.Corr),
			zap.Uint32("sender", uint32(tx.Sender)),
		)
		return
	}
	v.(*waiter).done <- outcome{tx: tx}
}

// peerTerminated is the transport's out-of-band death callback. It runs
// once per dead peer: outstanding calls fail, references flip dead,
// exports held by the peer unwind, and subscriptions fire.
func (rt *Runtime) peerTerminated(pid wire.ProcessID) {
	rt.deadMu.Lock()
	if _, seen := rt.deadPeers[pid]; seen {
		rt.deadMu.Unlock()
		return
	}
	rt.deadPeers[pid] = struct{}{}
	rt.deadMu.Unlock()

	rt.metrics.RecordPeerDeath()
	died := rt.reg.MarkProcessDead(pid)

	failed := 0
	rt.waiters.Range(func(key, value any) bool {
		w := value.(*waiter)
		if w.dest == pid && rt.waiters.CompareAndDelete(key, value) {
			w.done <- outcome{err: ErrPeerDead}
			failed++
		}
		return true
	})

	notified := rt.deaths.NotifyProcess(pid)
	rt.metrics.RecordDeathNotices(notified)

	rt.log.Info("peer terminated",
		zap.Uint32("pid", uint32(pid)),
		zap.Int("refs_dead", len(died)),
		zap.Int("calls_failed", failed),
		zap.Int("subscribers_notified", notified),
	)
}

func (rt *Runtime) peerDead(pid wire.ProcessID) bool {
	rt.deadMu.Lock()
	defer rt.deadMu.Unlock()
	_, dead := rt.deadPeers[pid]
	return dead
}

// Stats summarizes runtime state for the debug surface.
func (rt *Runtime) Stats() map[string]any {
	rt.poolMu.Lock()
	workers, busy := rt.workers, rt.busy
	rt.poolMu.Unlock()
	reg := rt.reg.Stats()
	if nodes, ok := reg["nodes"].(int); ok {
		if refs, ok := reg["refs"].(int); ok {
			rt.metrics.SetObjectCounts(nodes, refs)
		}
	}
	return map[string]any{
		"pid":      uint32(rt.pid),
		"instance": rt.instance.String(),
		"workers":  workers,
		"busy":     busy,
		"registry": reg,
		"death":    rt.deaths.Stats(),
	}
}

// Shutdown stops the worker pool, fails blocked callers, and closes the
// channel. In-flight dispatches run to completion; the context bounds
// how long to wait for them.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.stopOnce.Do(func() {
		close(rt.stop)
		rt.cancelLoop()
	})
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return rt.ch.Close()
}
