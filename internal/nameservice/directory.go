// Package nameservice is the bootstrap directory: services publish
// their root capability under a name, clients resolve names into live
// proxies. The directory runs as the broker daemon's root node, so any
// attached process reaches it under wire.RootHandle.
//
// Handles are scoped to one holder, so the directory cannot forward a
// capability it holds. Resolution is therefore a three-party exchange:
// the directory asks the owning service to mint a handle for the
// requester (a bind call on the directory's reference), then tells the
// requester where to import it.
package nameservice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/CapBus/internal/death"
	"github.com/GriffinCanCode/CapBus/internal/ipc"
	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/parcel"
	"github.com/GriffinCanCode/CapBus/internal/registry"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Directory transaction codes.
const (
	// CodeRegister publishes a service: {"name": string, "service": ref}.
	CodeRegister uint32 = iota + 1
	// CodeLookup resolves a name: {"name": string} ->
	// {"owner": pid, "handle": handle}.
	CodeLookup
	// CodeList enumerates published names: {} -> {"names": [string]}.
	CodeList
	// CodeBind is sent by the directory to a registered service when a
	// lookup needs a handle minted for the requesting process:
	// {"requester": pid} -> {"handle": handle}.
	CodeBind
)

type entry struct {
	owner wire.ProcessID
	proxy *ipc.Proxy
}

// Directory is the daemon-side name table. Entries hold a strong
// reference on the published node and evict themselves when the owning
// process dies.
type Directory struct {
	rt  *ipc.Runtime
	log *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

var _ ipc.Handler = (*Directory)(nil)

// NewDirectory creates an empty directory bound to the daemon runtime.
func NewDirectory(rt *ipc.Runtime, log *logging.Logger) *Directory {
	if log == nil {
		log = logging.NewNop()
	}
	return &Directory{
		rt:      rt,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// HandleTransaction services directory requests.
func (d *Directory) HandleTransaction(ctx context.Context, call *ipc.Call) (*ipc.Result, error) {
	switch call.Code {
	case CodeRegister:
		return d.register(call)
	case CodeLookup:
		return d.lookup(ctx, call)
	case CodeList:
		return d.list()
	default:
		return nil, fmt.Errorf("unknown directory code %d", call.Code)
	}
}

func (d *Directory) register(call *ipc.Call) (*ipc.Result, error) {
	p, err := parcel.ReadCall(call)
	if err != nil {
		return nil, err
	}
	name, ok := p.String("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("register needs a name")
	}
	ref, ok := p.Ref("service")
	if !ok {
		return nil, fmt.Errorf("register needs a service capability")
	}
	if ref.Owner() != call.Sender {
		return nil, fmt.Errorf("process %d cannot register a service owned by process %d",
			call.Sender, ref.Owner())
	}

	d.mu.Lock()
	if _, taken := d.entries[name]; taken {
		d.mu.Unlock()
		return nil, fmt.Errorf("name %q already registered", name)
	}
	d.entries[name] = &entry{owner: call.Sender, proxy: d.rt.ProxyFor(ref)}
	d.mu.Unlock()

	d.rt.LinkToDeath(ref, func(death.Event) { d.evict(name, ref) })

	d.log.Info("service registered",
		zap.String("name", name),
		zap.Uint32("owner", uint32(call.Sender)),
	)
	return &ipc.Result{}, nil
}

func (d *Directory) lookup(ctx context.Context, call *ipc.Call) (*ipc.Result, error) {
	p, err := parcel.ReadCall(call)
	if err != nil {
		return nil, err
	}
	name, _ := p.String("name")

	d.mu.RLock()
	e, ok := d.entries[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("name %q not registered", name)
	}

	// Ask the owner to mint a handle for the requester; the directory's
	// own handle would not verify against the requester's identity.
	bindPayload, _, err := parcel.NewWriter().
		PutInt("requester", int64(call.Sender)).
		Build()
	if err != nil {
		return nil, err
	}
	reply, err := e.proxy.Call(ctx, CodeBind, bindPayload)
	if err != nil {
		return nil, fmt.Errorf("bind %q at process %d: %w", name, e.owner, err)
	}
	bound, err := parcel.ReadReply(reply)
	if err != nil {
		return nil, err
	}
	handle, ok := bound.Int("handle")
	if !ok {
		return nil, fmt.Errorf("service %q returned no handle", name)
	}

	payload, _, err := parcel.NewWriter().
		PutInt("owner", int64(e.owner)).
		PutInt("handle", handle).
		Build()
	if err != nil {
		return nil, err
	}
	return &ipc.Result{Payload: payload}, nil
}

func (d *Directory) list() (*ipc.Result, error) {
	d.mu.RLock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)

	payload, _, err := parcel.NewWriter().PutStrings("names", names).Build()
	if err != nil {
		return nil, err
	}
	return &ipc.Result{Payload: payload}, nil
}

// evict removes a name when its owner dies and drops the held
// reference record.
func (d *Directory) evict(name string, ref *registry.Ref) {
	d.mu.Lock()
	e, ok := d.entries[name]
	if ok {
		delete(d.entries, name)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	// Counts on a dead reference unwind locally without control sends.
	_ = ref.DecStrong()
	d.log.Info("service evicted, owner died",
		zap.String("name", name),
		zap.Uint32("owner", uint32(e.owner)),
	)
}

// Names returns the registered names, for the debug surface.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
