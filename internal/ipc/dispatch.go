package ipc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/CapBus/internal/registry"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Handler services transactions addressed to one node. Implementations
// must be safe for concurrent use: the pool dispatches to the same node
// from multiple workers.
type Handler interface {
	HandleTransaction(ctx context.Context, call *Call) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, call *Call) (*Result, error)

// HandleTransaction calls f.
func (f HandlerFunc) HandleTransaction(ctx context.Context, call *Call) (*Result, error) {
	return f(ctx, call)
}

// Call is one inbound transaction as the handler sees it: attached
// objects are already imported into this process's registry.
type Call struct {
	Sender    wire.ProcessID
	SenderUID uint32
	Code      uint32
	// NodeID is the local node the call was addressed to.
	NodeID wire.NodeID
	// Cookie is the value registered with the node.
	Cookie  uint64
	Payload []byte
	// Refs holds references the caller attached; the handler owns them
	// and must release what it does not keep.
	Refs []*registry.Ref
	// Nodes holds local nodes the caller handed back (objects this
	// process itself exported earlier).
	Nodes  []wire.NodeID
	Oneway bool
}

// Result is what a handler returns for a two-way call.
type Result struct {
	Payload []byte
	// Attachments are objects handed to the caller alongside the
	// payload.
	Attachments []Attachment
}

// Reply is what a caller gets back from a two-way call, attached
// objects already imported.
type Reply struct {
	Payload []byte
	Refs    []*registry.Ref
	Nodes   []wire.NodeID
}

// Attachment is one object to transfer inside a transaction: either a
// local node (exported to the destination) or a reference the
// destination itself owns (handed back). Forwarding a reference owned
// by a third process is not supported; route such transfers through
// the owner.
type Attachment struct {
	// Offset is the payload position the object belongs to.
	Offset uint32
	// Node is the local node to hand out. Ignored when Ref is set.
	Node wire.NodeID
	// Ref, when set, hands a held reference back to its owner.
	Ref *registry.Ref
}

// dispatchInfo rides the handler context so calls made from inside a
// dispatch can steer back to the caller's blocked thread.
type dispatchInfo struct {
	sender wire.ProcessID
	thread uint64
}

type dispatchKey struct{}

func withDispatch(ctx context.Context, info *dispatchInfo) context.Context {
	return context.WithValue(ctx, dispatchKey{}, info)
}

func dispatchFrom(ctx context.Context) *dispatchInfo {
	info, _ := ctx.Value(dispatchKey{}).(*dispatchInfo)
	return info
}

// dispatch services one inbound transaction to completion, replies
// included. Runs on a pool worker or a borrowed (blocked) thread.
func (rt *Runtime) dispatch(tx *wire.Transaction) {
	if tx.IsReply() {
		rt.completeReply(tx)
		return
	}
	if wire.IsControl(tx.Code) {
		rt.handleControl(tx)
		return
	}
	start := time.Now()
	status := rt.dispatchUser(tx)
	rt.metrics.RecordInbound(statusLabel(status), time.Since(start))
}

func (rt *Runtime) dispatchUser(tx *wire.Transaction) uint32 {
	if tx.Oneway() && rt.limiter != nil && !rt.limiter.Allow() {
		rt.metrics.RecordOnewayDropped()
		rt.log.Warn("oneway transaction dropped by flood limiter",
			zap.Uint32("sender", uint32(tx.Sender)),
			zap.Uint32("code", tx.Code),
		)
		return wire.StatusRejected
	}

	node, status := rt.resolveTarget(tx)
	if node == nil {
		return rt.replyFailure(tx, status, "")
	}
	impl, err := node.Impl()
	if err != nil {
		return rt.replyFailure(tx, wire.StatusDead, "")
	}
	h, ok := impl.(Handler)
	if !ok {
		rt.log.Error("node implementation is not a handler",
			zap.Uint64("node", uint64(node.ID())),
		)
		return rt.replyFailure(tx, wire.StatusUnreachable, "")
	}

	if rt.hook != nil {
		if err := rt.hook.Authorize(tx.Sender, tx.SenderUID, tx.Code, node.ID()); err != nil {
			rt.log.Warn("transaction rejected by permission hook",
				zap.Uint32("sender", uint32(tx.Sender)),
				zap.Uint32("uid", tx.SenderUID),
				zap.Uint32("code", tx.Code),
				zap.Error(err),
			)
			return rt.replyFailure(tx, wire.StatusRejected, err.Error())
		}
	}

	refs, nodes, err := rt.importObjects(tx.Sender, tx.Objects)
	if err != nil {
		return rt.replyFailure(tx, wire.StatusProtocol, err.Error())
	}

	call := &Call{
		Sender:    tx.Sender,
		SenderUID: tx.SenderUID,
		Code:      tx.Code,
		NodeID:    node.ID(),
		Cookie:    node.Cookie(),
		Payload:   tx.Payload,
		Refs:      refs,
		Nodes:     nodes,
		Oneway:    tx.Oneway(),
	}
	ctx := withDispatch(context.Background(), &dispatchInfo{
		sender: tx.Sender,
		thread: tx.SenderThread,
	})

	res, err := rt.invoke(ctx, h, call)
	if err != nil {
		return rt.replyFailure(tx, wire.StatusFault, err.Error())
	}
	if tx.Oneway() {
		return wire.StatusOK
	}

	reply := &wire.Transaction{
		Dest:         tx.Sender,
		Flags:        wire.FlagReply,
		Corr:         tx.Corr,
		TargetThread: tx.SenderThread,
		Cookie:       node.Cookie(),
		Status:       wire.StatusOK,
		Sender:       rt.pid,
		SenderUID:    rt.uid,
	}
	if res != nil {
		reply.Payload = res.Payload
		objs, err := rt.exportAttachments(tx.Sender, res.Attachments)
		if err != nil {
			return rt.replyFailure(tx, wire.StatusFault, err.Error())
		}
		reply.Objects = objs
	}
	if err := rt.ch.Send(reply); err != nil {
		rt.log.Warn("reply send failed",
			zap.Uint32("dest", uint32(tx.Sender)),
			zap.Uint64("corr", tx.Corr),
			zap.Error(err),
		)
	}
	return wire.StatusOK
}

// resolveTarget maps the transaction's target union to a local node.
// Node-id addressing is only honored for loopback traffic; remote
// processes must come through a handle they were issued.
func (rt *Runtime) resolveTarget(tx *wire.Transaction) (*registry.Node, uint32) {
	switch tx.Target.Kind {
	case wire.TargetHandle:
		node, err := rt.reg.ResolveExport(tx.Target.Handle, tx.Sender)
		if err != nil {
			rt.log.Warn("unresolvable target handle",
				zap.Uint32("handle", uint32(tx.Target.Handle)),
				zap.Uint32("sender", uint32(tx.Sender)),
				zap.Error(err),
			)
			return nil, wire.StatusUnreachable
		}
		return node, wire.StatusOK
	case wire.TargetNode:
		if tx.Sender != rt.pid {
			return nil, wire.StatusUnreachable
		}
		node, err := rt.reg.Node(tx.Target.Node)
		if err != nil {
			return nil, wire.StatusUnreachable
		}
		return node, wire.StatusOK
	default:
		return nil, wire.StatusProtocol
	}
}

// invoke runs the handler with a panic fence. A panicking handler kills
// one transaction, not the process.
func (rt *Runtime) invoke(ctx context.Context, h Handler, call *Call) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error("handler panic",
				zap.Uint32("code", call.Code),
				zap.Uint64("node", uint64(call.NodeID)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res, err = nil, fmt.Errorf("%w: panic: %v", ErrHandlerFault, r)
		}
	}()
	return h.HandleTransaction(ctx, call)
}

// replyFailure reports a failed dispatch to the caller. Oneway
// transactions get no reply; the failure is logged and counted only.
func (rt *Runtime) replyFailure(tx *wire.Transaction, status uint32, detail string) uint32 {
	if tx.Oneway() {
		return status
	}
	reply := &wire.Transaction{
		Dest:         tx.Sender,
		Flags:        wire.FlagReply,
		Corr:         tx.Corr,
		TargetThread: tx.SenderThread,
		Cookie:       tx.Cookie,
		Status:       status,
		Sender:       rt.pid,
		SenderUID:    rt.uid,
		Payload:      []byte(detail),
	}
	if err := rt.ch.Send(reply); err != nil {
		rt.log.Warn("failure reply send failed",
			zap.Uint32("dest", uint32(tx.Sender)),
			zap.Uint64("corr", tx.Corr),
			zap.Error(err),
		)
	}
	return status
}

// handleControl services refcount and lifecycle opcodes. Refcount
// violations (underflow, unknown handles) are surfaced in the log and
// never clamped; a peer that miscounts has a bug worth seeing.
func (rt *Runtime) handleControl(tx *wire.Transaction) {
	h := tx.Target.Handle
	from := tx.Sender
	var err error
	switch tx.Code {
	case wire.OpAcquireStrong:
		err = rt.reg.AcquireStrong(h, from)
	case wire.OpReleaseStrong:
		err = rt.reg.ReleaseStrong(h, from)
	case wire.OpAcquireWeak:
		err = rt.reg.AcquireWeak(h, from)
	case wire.OpReleaseWeak:
		err = rt.reg.ReleaseWeak(h, from)
	case wire.OpAttemptAcquire:
		err = rt.reg.AttemptAcquire(h, from)
		status := wire.StatusOK
		switch {
		case errors.Is(err, registry.ErrObjectDestroyed):
			status = wire.StatusDead
		case err != nil:
			status = wire.StatusUnreachable
		}
		reply := &wire.Transaction{
			Dest:         from,
			Flags:        wire.FlagReply,
			Corr:         tx.Corr,
			TargetThread: tx.SenderThread,
			Status:       status,
			Sender:       rt.pid,
		}
		if sendErr := rt.ch.Send(reply); sendErr != nil {
			rt.log.Warn("attempt-acquire reply send failed",
				zap.Uint32("dest", uint32(from)),
				zap.Error(sendErr),
			)
		}
	case wire.OpDeadNotification:
		rt.peerTerminated(wire.ProcessID(tx.Cookie))
		return
	case wire.OpEnterLoop, wire.OpExitLoop:
		// Broker bookkeeping; nothing to do at an endpoint.
		return
	default:
		rt.log.Warn("unknown control code",
			zap.Uint32("code", tx.Code),
			zap.Uint32("sender", uint32(from)),
		)
		return
	}
	if err != nil {
		rt.log.Error("control transaction failed",
			zap.Uint32("code", tx.Code),
			zap.Uint32("handle", uint32(h)),
			zap.Uint32("sender", uint32(from)),
			zap.Error(err),
		)
	}
}

// importObjects materializes a transaction's object table on the
// receiving side: sender-owned entries become references, entries this
// process itself owns resolve back to local nodes.
func (rt *Runtime) importObjects(from wire.ProcessID, objs []wire.ObjectRef) ([]*registry.Ref, []wire.NodeID, error) {
	var refs []*registry.Ref
	var nodes []wire.NodeID
	for _, o := range objs {
		switch o.Kind {
		case wire.ObjectOwnedBySender:
			ref, err := rt.reg.ImportHandle(from, o.Handle, o.Delta > 0)
			if err != nil {
				return nil, nil, fmt.Errorf("import handle %d from %d: %w", o.Handle, from, err)
			}
			refs = append(refs, ref)
		case wire.ObjectOwnedByReceiver:
			node, err := rt.reg.ResolveExport(o.Handle, from)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve returned handle %d from %d: %w", o.Handle, from, err)
			}
			nodes = append(nodes, node.ID())
		default:
			return nil, nil, fmt.Errorf("unknown object kind %d", o.Kind)
		}
	}
	return refs, nodes, nil
}

// exportAttachments builds a transaction's object table on the sending
// side. Local nodes are exported under a handle scoped to the
// destination; held references may only travel back to their owner.
func (rt *Runtime) exportAttachments(dest wire.ProcessID, atts []Attachment) ([]wire.ObjectRef, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	objs := make([]wire.ObjectRef, 0, len(atts))
	for _, att := range atts {
		if att.Ref != nil {
			if att.Ref.Owner() != dest {
				return nil, fmt.Errorf("%w: reference owned by process %d cannot be forwarded to process %d",
					ErrProtocol, att.Ref.Owner(), dest)
			}
			objs = append(objs, wire.ObjectRef{
				Offset: att.Offset,
				Kind:   wire.ObjectOwnedByReceiver,
				Handle: att.Ref.Handle(),
			})
			continue
		}
		h, err := rt.reg.ExportHandle(att.Node, dest)
		if err != nil {
			return nil, fmt.Errorf("export node %d: %w", att.Node, err)
		}
		objs = append(objs, wire.ObjectRef{
			Offset: att.Offset,
			Kind:   wire.ObjectOwnedBySender,
			Handle: h,
			Delta:  1,
		})
	}
	return objs, nil
}
