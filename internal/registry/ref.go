package registry

import (
	"sync"

	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Ref is the client-side record of a handle to a node owned by another
// process. Local strong and weak counts are tracked here; only the
// 0 <-> 1 edges are reflected to the owner as control transactions.
type Ref struct {
	reg    *Registry
	owner  wire.ProcessID
	handle wire.Handle

	mu      sync.Mutex
	strong  int64
	weak    int64
	alive   bool
	removed bool
}

// Owner returns the process that owns the referenced node.
func (r *Ref) Owner() wire.ProcessID { return r.owner }

// Handle returns the handle naming this reference.
func (r *Ref) Handle() wire.Handle { return r.handle }

// Alive reports whether the owning process is still believed to be up.
func (r *Ref) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Counts returns the current local strong and weak counts.
func (r *Ref) Counts() (strong, weak int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strong, r.weak
}

// IncStrong increments the local strong count. The reference must
// already be strong; converting a weak-only reference goes through
// promotion so the owner can refuse a destroyed node.
func (r *Ref) IncStrong() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return ErrRefReleased
	}
	if r.strong == 0 {
		return ErrRefDead
	}
	r.strong++
	return nil
}

// DecStrong decrements the local strong count. The 1 -> 0 transition
// sends RELEASE_STRONG to the owner; when both counts reach zero the
// record is destroyed and RELEASE_WEAK follows.
func (r *Ref) DecStrong() error {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return ErrRefReleased
	}
	if r.strong == 0 {
		r.mu.Unlock()
		return ErrUnderflow
	}
	r.strong--
	last := r.strong == 0
	alive := r.alive
	destroy := last && r.weak == 0
	if destroy {
		r.removed = true
	}
	r.mu.Unlock()

	if last && alive {
		r.reg.sendControl(r.owner, wire.OpReleaseStrong, r.handle)
	}
	if destroy {
		r.reg.dropRef(r, alive)
	}
	return nil
}

// IncWeak increments the local weak count.
func (r *Ref) IncWeak() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return ErrRefReleased
	}
	r.weak++
	return nil
}

// DecWeak decrements the local weak count, destroying the record when
// both counts reach zero.
func (r *Ref) DecWeak() error {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return ErrRefReleased
	}
	if r.weak == 0 {
		r.mu.Unlock()
		return ErrUnderflow
	}
	r.weak--
	alive := r.alive
	destroy := r.strong == 0 && r.weak == 0
	if destroy {
		r.removed = true
	}
	r.mu.Unlock()

	if destroy {
		r.reg.dropRef(r, alive)
	}
	return nil
}

// Downgrade converts one strong count into a weak count.
func (r *Ref) Downgrade() error {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return ErrRefReleased
	}
	if r.strong == 0 {
		r.mu.Unlock()
		return ErrUnderflow
	}
	r.strong--
	r.weak++
	last := r.strong == 0
	alive := r.alive
	r.mu.Unlock()

	if last && alive {
		r.reg.sendControl(r.owner, wire.OpReleaseStrong, r.handle)
	}
	return nil
}

// Promote attempts the local fast path of weak-to-strong promotion: it
// succeeds only while another local strong count pins the node. A
// weak-only reference must be promoted through the runtime, which asks
// the owner with an ATTEMPT_ACQUIRE round trip.
func (r *Ref) Promote() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed || !r.alive || r.strong == 0 {
		return false
	}
	r.strong++
	return true
}

// AdoptStrong installs a strong count granted by a successful remote
// ATTEMPT_ACQUIRE. No ACQUIRE_STRONG is sent: the owner already counted
// the promotion.
func (r *Ref) AdoptStrong() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return ErrRefReleased
	}
	if !r.alive {
		return ErrRefDead
	}
	r.strong++
	return nil
}

// markDead clears the liveness flag. Reports whether the reference was
// alive before, so death delivery stays exactly-once.
func (r *Ref) markDead() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.alive
	r.alive = false
	return was
}
