package nameservice

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/GriffinCanCode/CapBus/internal/ipc"
	"github.com/GriffinCanCode/CapBus/internal/parcel"
	"github.com/GriffinCanCode/CapBus/internal/registry"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Service wraps a handler so the directory can bind it to requesters:
// CodeBind transactions mint a handle for the named process, everything
// else passes through to the wrapped handler.
type Service struct {
	rt    *ipc.Runtime
	inner ipc.Handler
	node  atomic.Pointer[registry.Node]
}

var _ ipc.Handler = (*Service)(nil)

// HandleTransaction intercepts bind requests and delegates the rest.
func (s *Service) HandleTransaction(ctx context.Context, call *ipc.Call) (*ipc.Result, error) {
	if call.Code != CodeBind {
		return s.inner.HandleTransaction(ctx, call)
	}
	node := s.node.Load()
	if node == nil {
		return nil, fmt.Errorf("service not registered yet")
	}
	p, err := parcel.ReadCall(call)
	if err != nil {
		return nil, err
	}
	requester, ok := p.Int("requester")
	if !ok {
		return nil, fmt.Errorf("bind needs a requester")
	}
	h, err := s.rt.Expose(node.ID(), wire.ProcessID(requester))
	if err != nil {
		return nil, err
	}
	payload, _, err := parcel.NewWriter().PutInt("handle", int64(h)).Build()
	if err != nil {
		return nil, err
	}
	return &ipc.Result{Payload: payload}, nil
}

// Announce registers a handler as a named service: the handler becomes
// a node, wrapped for binding, and the node travels to the directory as
// an attachment. The directory holds it strong until the process dies
// or the name is dropped.
func Announce(ctx context.Context, rt *ipc.Runtime, dir *ipc.Proxy, name string, inner ipc.Handler, cookie uint64) (*registry.Node, error) {
	s := &Service{rt: rt, inner: inner}
	node := rt.Register(s, cookie)
	s.node.Store(node)

	payload, atts, err := parcel.NewWriter().
		PutString("name", name).
		PutNode("service", node.ID()).
		Build()
	if err != nil {
		return nil, err
	}
	if _, err := dir.Call(ctx, CodeRegister, payload, atts...); err != nil {
		return nil, fmt.Errorf("announce %q: %w", name, err)
	}
	return node, nil
}

// Lookup resolves a name into a live proxy for the calling runtime.
func Lookup(ctx context.Context, rt *ipc.Runtime, dir *ipc.Proxy, name string) (*ipc.Proxy, error) {
	payload, _, err := parcel.NewWriter().PutString("name", name).Build()
	if err != nil {
		return nil, err
	}
	reply, err := dir.Call(ctx, CodeLookup, payload)
	if err != nil {
		return nil, err
	}
	p, err := parcel.ReadReply(reply)
	if err != nil {
		return nil, err
	}
	owner, ok := p.Int("owner")
	if !ok {
		return nil, fmt.Errorf("lookup %q: reply carries no owner", name)
	}
	handle, ok := p.Int("handle")
	if !ok {
		return nil, fmt.Errorf("lookup %q: reply carries no handle", name)
	}
	return rt.Proxy(wire.ProcessID(owner), wire.Handle(handle))
}

// List enumerates the published names.
func List(ctx context.Context, dir *ipc.Proxy) ([]string, error) {
	reply, err := dir.Call(ctx, CodeList, nil)
	if err != nil {
		return nil, err
	}
	p, err := parcel.ReadReply(reply)
	if err != nil {
		return nil, err
	}
	names, _ := p.Strings("names")
	return names, nil
}
