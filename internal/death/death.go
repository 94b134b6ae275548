// Package death tracks who wants to hear about the demise of remote
// objects. Subscriptions are one-shot: delivery and unlink race safely
// and a subscriber is notified at most once per reference.
package death

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/CapBus/internal/id"
	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Event describes the death of one referenced object.
type Event struct {
	Owner  wire.ProcessID
	Handle wire.Handle
}

// Recipient receives a death event. Called from the runtime's
// notification path; implementations must not block.
type Recipient func(Event)

type refKey struct {
	owner  wire.ProcessID
	handle wire.Handle
}

type link struct {
	id        id.SubscriberID
	recipient Recipient
	fired     bool
}

// Registry maps references to their death subscribers. It holds weak,
// non-owning links: dropping a subscription never touches the
// reference counts of the object it watches.
type Registry struct {
	log *logging.Logger

	mu    sync.Mutex
	links map[refKey][]*link
}

// NewRegistry creates an empty death registry.
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{
		log:   log,
		links: make(map[refKey][]*link),
	}
}

// Link subscribes a recipient to the death of (owner, handle) and
// returns the subscription id used to unlink.
func (r *Registry) Link(owner wire.ProcessID, h wire.Handle, recipient Recipient) id.SubscriberID {
	sub := &link{id: id.NewSubscriberID(), recipient: recipient}
	key := refKey{owner: owner, handle: h}

	r.mu.Lock()
	r.links[key] = append(r.links[key], sub)
	r.mu.Unlock()
	return sub.id
}

// Unlink removes a subscription. Returns false if it was already
// delivered or already unlinked; that is a no-op, not an error.
func (r *Registry) Unlink(owner wire.ProcessID, h wire.Handle, subID id.SubscriberID) bool {
	key := refKey{owner: owner, handle: h}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.links[key]
	for i, sub := range subs {
		if sub.id != subID {
			continue
		}
		fired := sub.fired
		r.links[key] = append(subs[:i], subs[i+1:]...)
		if len(r.links[key]) == 0 {
			delete(r.links, key)
		}
		return !fired
	}
	return false
}

// NotifyHandle delivers the death of one reference to every live
// subscriber, exactly once each. Repeated signals are no-ops.
func (r *Registry) NotifyHandle(owner wire.ProcessID, h wire.Handle) int {
	return r.deliver(refKey{owner: owner, handle: h})
}

// NotifyProcess delivers death for every watched reference owned by
// the terminated process.
func (r *Registry) NotifyProcess(owner wire.ProcessID) int {
	r.mu.Lock()
	var keys []refKey
	for key := range r.links {
		if key.owner == owner {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, key := range keys {
		n += r.deliver(key)
	}
	return n
}

func (r *Registry) deliver(key refKey) int {
	r.mu.Lock()
	var pending []*link
	for _, sub := range r.links[key] {
		if !sub.fired {
			sub.fired = true
			pending = append(pending, sub)
		}
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}
	ev := Event{Owner: key.owner, Handle: key.handle}
	for _, sub := range pending {
		sub.recipient(ev)
	}
	r.log.Debug("death notifications delivered",
		zap.Uint32("owner", uint32(key.owner)),
		zap.Uint32("handle", uint32(key.handle)),
		zap.Int("subscribers", len(pending)),
	)
	return len(pending)
}

// Stats reports the number of live subscriptions.
func (r *Registry) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := 0
	for _, links := range r.links {
		subs += len(links)
	}
	return map[string]any{
		"watched_refs":  len(r.links),
		"subscriptions": subs,
	}
}
