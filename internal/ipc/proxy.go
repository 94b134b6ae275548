package ipc

import (
	"context"

	"github.com/GriffinCanCode/CapBus/internal/death"
	"github.com/GriffinCanCode/CapBus/internal/id"
	"github.com/GriffinCanCode/CapBus/internal/registry"
)

// Proxy is the caller-side face of a remote node: a held reference plus
// the runtime that knows how to reach its owner. Safe for concurrent
// use.
type Proxy struct {
	rt  *Runtime
	ref *registry.Ref
}

// Ref exposes the underlying reference, e.g. to attach it to a call or
// manage its counts directly.
func (p *Proxy) Ref() *registry.Ref { return p.ref }

// Call performs a two-way transaction and blocks for the reply. While
// blocked, the calling goroutine services nested calls the target makes
// back into this process. The context deadline bounds the wait; on
// expiry the reply is discarded whenever it arrives.
func (p *Proxy) Call(ctx context.Context, code uint32, payload []byte, atts ...Attachment) (*Reply, error) {
	return p.rt.call(ctx, p.ref, code, payload, atts, false)
}

// Oneway fires a transaction with no reply. Delivery is ordered with
// respect to other sends to the same process but never confirmed.
func (p *Proxy) Oneway(code uint32, payload []byte, atts ...Attachment) error {
	_, err := p.rt.call(context.Background(), p.ref, code, payload, atts, true)
	return err
}

// LinkToDeath subscribes to the owning process's death. Fires
// immediately if the owner is already gone.
func (p *Proxy) LinkToDeath(recipient death.Recipient) id.SubscriberID {
	return p.rt.LinkToDeath(p.ref, recipient)
}

// UnlinkDeath cancels a death subscription.
func (p *Proxy) UnlinkDeath(sub id.SubscriberID) bool {
	return p.rt.UnlinkDeath(p.ref, sub)
}

// Close drops the proxy's strong count. The reference record survives
// while weak counts remain.
func (p *Proxy) Close() error {
	return p.ref.DecStrong()
}
