package ipc

import (
	"fmt"

	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Start brings the runtime online: a demux pump that receives from the
// channel and routes, plus initial dispatch workers, grown on demand up
// to max. Each worker announces itself to the broker with ENTER_LOOP.
func (rt *Runtime) Start(initial, max int) error {
	if initial < 1 {
		return fmt.Errorf("ipc: pool needs at least one worker, got %d", initial)
	}
	if max < initial {
		return fmt.Errorf("ipc: max pool size %d below initial %d", max, initial)
	}
	rt.poolMu.Lock()
	defer rt.poolMu.Unlock()
	if rt.started {
		return fmt.Errorf("ipc: runtime already started")
	}
	rt.started = true
	rt.maxWorkers = max

	rt.wg.Add(1)
	go rt.pumpLoop()
	for i := 0; i < initial; i++ {
		rt.spawnLocked()
	}
	return nil
}

// pumpLoop is the single receiver. It never dispatches user code
// itself, so replies keep flowing while every worker is busy; that
// separation is what lets a process with one worker survive being
// called back while blocked.
func (rt *Runtime) pumpLoop() {
	defer rt.wg.Done()
	// Only the pump sends on dispatchQ, so only the pump may close it.
	defer close(rt.dispatchQ)
	for {
		tx, err := rt.ch.Recv(rt.loopCtx)
		if err != nil {
			return
		}
		rt.routeInbound(tx)
	}
}

// routeInbound classifies one received transaction: replies complete
// their waiter, thread-targeted transactions go to the blocked thread's
// inbox, everything else queues for the pool.
func (rt *Runtime) routeInbound(tx *wire.Transaction) {
	if tx.IsReply() {
		rt.completeReply(tx)
		return
	}
	if tx.TargetThread != 0 {
		if v, ok := rt.inboxes.Load(tx.TargetThread); ok {
			if v.(*threadInbox).deliver(tx) {
				return
			}
		}
		// Thread already unblocked (timeout, death); the pool takes it.
	}
	select {
	case rt.dispatchQ <- tx:
	case <-rt.stop:
	}
}

// spawnLocked starts one worker. Caller holds poolMu.
func (rt *Runtime) spawnLocked() {
	rt.workers++
	rt.metrics.WorkerStarted()
	rt.wg.Add(1)
	go rt.workerLoop()
}

func (rt *Runtime) workerLoop() {
	defer rt.wg.Done()
	defer func() {
		rt.poolMu.Lock()
		rt.workers--
		rt.poolMu.Unlock()
		rt.metrics.WorkerStopped()
	}()

	rt.announce(wire.OpEnterLoop)
	defer rt.announce(wire.OpExitLoop)

	for tx := range rt.dispatchQ {
		// The last free worker going busy requests a new one, so the
		// pool keeps one thread ready until it hits its ceiling.
		rt.poolMu.Lock()
		rt.busy++
		if rt.busy == rt.workers && rt.workers < rt.maxWorkers {
			rt.spawnLocked()
		}
		rt.poolMu.Unlock()
		rt.metrics.WorkerBusy(true)

		rt.dispatch(tx)

		rt.metrics.WorkerBusy(false)
		rt.poolMu.Lock()
		rt.busy--
		rt.poolMu.Unlock()
	}
}

// announce tells the broker a worker entered or left the loop.
// Best-effort observability; a dumb transport may drop it.
func (rt *Runtime) announce(code uint32) {
	_ = rt.ch.Send(&wire.Transaction{
		Dest:   rt.pid,
		Code:   code,
		Flags:  wire.FlagOneway,
		Sender: rt.pid,
	})
}
