package parcel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/CapBus/internal/ipc"
	"github.com/GriffinCanCode/CapBus/internal/registry"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

func TestFieldsRoundTrip(t *testing.T) {
	payload, atts, err := NewWriter().
		PutString("name", "clock").
		PutInt("pid", 42).
		PutBool("oneway", true).
		PutBytes("blob", []byte{0x00, 0xff, 0x7f}).
		Build()
	require.NoError(t, err)
	assert.Empty(t, atts)

	r, err := ReadCall(&ipc.Call{Payload: payload})
	require.NoError(t, err)

	name, ok := r.String("name")
	require.True(t, ok)
	assert.Equal(t, "clock", name)

	pid, ok := r.Int("pid")
	require.True(t, ok)
	assert.Equal(t, int64(42), pid)

	oneway, ok := r.Bool("oneway")
	require.True(t, ok)
	assert.True(t, oneway)

	blob, ok := r.Bytes("blob")
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xff, 0x7f}, blob)

	_, ok = r.String("missing")
	assert.False(t, ok)
}

func TestObjectMarkers(t *testing.T) {
	reg := registry.New(1, nil, nil)
	ref, err := reg.ImportHandle(wire.ProcessID(7), wire.Handle(3), true)
	require.NoError(t, err)

	payload, atts, err := NewWriter().
		PutString("name", "storage").
		PutNode("service", wire.NodeID(11)).
		PutRef("returned", ref).
		PutNode("backup", wire.NodeID(12)).
		Build()
	require.NoError(t, err)
	require.Len(t, atts, 3)
	assert.Equal(t, wire.NodeID(11), atts[0].Node)
	assert.Equal(t, ref, atts[1].Ref)
	assert.Equal(t, wire.NodeID(12), atts[2].Node)

	// Simulate the receiver's view: sender-owned entries imported as
	// refs in table order, receiver-owned entries resolved to nodes.
	recvReg := registry.New(2, nil, nil)
	recvA, err := recvReg.ImportHandle(1, 101, true)
	require.NoError(t, err)
	recvB, err := recvReg.ImportHandle(1, 102, true)
	require.NoError(t, err)

	r, err := ReadReply(&ipc.Reply{
		Payload: payload,
		Refs:    []*registry.Ref{recvA, recvB},
		Nodes:   []wire.NodeID{55},
	})
	require.NoError(t, err)

	got, ok := r.Ref("service")
	require.True(t, ok)
	assert.Equal(t, recvA, got)

	got, ok = r.Ref("backup")
	require.True(t, ok)
	assert.Equal(t, recvB, got)

	node, ok := r.Node("returned")
	require.True(t, ok)
	assert.Equal(t, wire.NodeID(55), node)

	_, ok = r.Ref("returned")
	assert.False(t, ok, "a node marker must not read as a ref")
}

func TestEmptyPayload(t *testing.T) {
	r, err := ReadCall(&ipc.Call{})
	require.NoError(t, err)
	_, ok := r.Int("anything")
	assert.False(t, ok)
}
