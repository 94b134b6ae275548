package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// DefaultQueueDepth is the per-endpoint inbound queue used when the
// caller passes zero.
const DefaultQueueDepth = 128

// Hub is the in-memory broker: it routes transactions between attached
// endpoints by destination process id and synthesizes peer-terminated
// events when an endpoint detaches. It plays the role the kernel
// driver plays for real Binder.
type Hub struct {
	log *logging.Logger

	mu        sync.RWMutex
	endpoints map[wire.ProcessID]*Endpoint
	loopers   map[wire.ProcessID]int
	closed    bool
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		log:       log,
		endpoints: make(map[wire.ProcessID]*Endpoint),
		loopers:   make(map[wire.ProcessID]int),
	}
}

// Attach registers a process and returns its channel. Queue depth
// bounds how many undelivered transactions may pile up before senders
// block.
func (h *Hub) Attach(pid wire.ProcessID, queueDepth int) (*Endpoint, error) {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.endpoints[pid]; ok {
		return nil, ErrDuplicatePID
	}
	ep := &Endpoint{
		hub:  h,
		pid:  pid,
		in:   make(chan *wire.Transaction, queueDepth),
		done: make(chan struct{}),
	}
	h.endpoints[pid] = ep
	h.log.Debug("endpoint attached", zap.Uint32("pid", uint32(pid)))
	return ep, nil
}

// Close detaches every endpoint and refuses further attaches.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	eps := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
}

// Loopers reports how many worker threads a process has announced via
// ENTER_LOOP. Observability only; routing does not depend on it.
func (h *Hub) Loopers(pid wire.ProcessID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loopers[pid]
}

// Stats summarizes hub state for the debug surface.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pids := make([]uint32, 0, len(h.endpoints))
	for pid := range h.endpoints {
		pids = append(pids, uint32(pid))
	}
	return map[string]any{
		"endpoints": len(h.endpoints),
		"pids":      pids,
	}
}

func (h *Hub) route(tx *wire.Transaction) error {
	// Loop announcements are bookkeeping for the broker, not traffic.
	if tx.Code == wire.OpEnterLoop || tx.Code == wire.OpExitLoop {
		h.mu.Lock()
		if tx.Code == wire.OpEnterLoop {
			h.loopers[tx.Sender]++
		} else if h.loopers[tx.Sender] > 0 {
			h.loopers[tx.Sender]--
		}
		h.mu.Unlock()
		return nil
	}

	h.mu.RLock()
	dest, ok := h.endpoints[tx.Dest]
	h.mu.RUnlock()
	if !ok {
		return ErrNoRoute
	}

	// A single queue per endpoint preserves send order; delivery blocks
	// on backpressure but aborts if the destination dies meanwhile.
	select {
	case dest.in <- tx:
		return nil
	case <-dest.done:
		return ErrNoRoute
	}
}

func (h *Hub) detach(pid wire.ProcessID) {
	h.mu.Lock()
	if _, ok := h.endpoints[pid]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.endpoints, pid)
	delete(h.loopers, pid)
	remaining := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		remaining = append(remaining, ep)
	}
	h.mu.Unlock()

	h.log.Info("endpoint detached", zap.Uint32("pid", uint32(pid)))
	for _, ep := range remaining {
		ep.notifyPeerTerminated(pid)
	}
}

// Endpoint is one process's channel into the hub.
type Endpoint struct {
	hub *Hub
	pid wire.ProcessID
	in  chan *wire.Transaction

	done      chan struct{}
	closeOnce sync.Once

	deathMu  sync.Mutex
	deathFns []func(wire.ProcessID)
}

var _ Channel = (*Endpoint)(nil)

// PID returns the process id this endpoint is attached as.
func (e *Endpoint) PID() wire.ProcessID { return e.pid }

// Send routes one transaction through the hub.
func (e *Endpoint) Send(tx *wire.Transaction) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	tx.Sender = e.pid
	return e.hub.route(tx)
}

// Recv blocks for the next inbound transaction.
func (e *Endpoint) Recv(ctx context.Context) (*wire.Transaction, error) {
	select {
	case tx := <-e.in:
		return tx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		// Drain what was queued before the close.
		select {
		case tx := <-e.in:
			return tx, nil
		default:
			return nil, ErrClosed
		}
	}
}

// OnPeerTerminated registers a death callback.
func (e *Endpoint) OnPeerTerminated(fn func(wire.ProcessID)) {
	e.deathMu.Lock()
	e.deathFns = append(e.deathFns, fn)
	e.deathMu.Unlock()
}

// Close detaches from the hub; peers observe a termination event.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.hub.detach(e.pid)
	})
	return nil
}

func (e *Endpoint) notifyPeerTerminated(pid wire.ProcessID) {
	e.deathMu.Lock()
	fns := make([]func(wire.ProcessID), len(e.deathFns))
	copy(fns, e.deathFns)
	e.deathMu.Unlock()
	for _, fn := range fns {
		fn(pid)
	}
}
