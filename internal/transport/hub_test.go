package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

func TestHubRoutesByDestination(t *testing.T) {
	hub := NewHub(logging.NewNop())
	a, err := hub.Attach(1, 0)
	require.NoError(t, err)
	b, err := hub.Attach(2, 0)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(&wire.Transaction{Dest: 2, Target: wire.HandleTarget(1), Code: 7}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tx, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), tx.Code)
	assert.Equal(t, wire.ProcessID(1), tx.Sender, "hub stamps the sender")
}

func TestHubPreservesSendOrder(t *testing.T) {
	hub := NewHub(logging.NewNop())
	a, _ := hub.Attach(1, 64)
	b, _ := hub.Attach(2, 64)
	defer a.Close()
	defer b.Close()

	for i := uint32(0); i < 50; i++ {
		require.NoError(t, a.Send(&wire.Transaction{Dest: 2, Target: wire.HandleTarget(1), Code: i}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := uint32(0); i < 50; i++ {
		tx, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, tx.Code)
	}
}

func TestHubNoRoute(t *testing.T) {
	hub := NewHub(logging.NewNop())
	a, _ := hub.Attach(1, 0)
	defer a.Close()

	err := a.Send(&wire.Transaction{Dest: 9, Target: wire.HandleTarget(1)})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestHubDuplicatePID(t *testing.T) {
	hub := NewHub(logging.NewNop())
	a, err := hub.Attach(1, 0)
	require.NoError(t, err)
	defer a.Close()

	_, err = hub.Attach(1, 0)
	assert.ErrorIs(t, err, ErrDuplicatePID)
}

func TestHubPeerTerminatedEvent(t *testing.T) {
	hub := NewHub(logging.NewNop())
	a, _ := hub.Attach(1, 0)
	b, _ := hub.Attach(2, 0)
	defer a.Close()

	var mu sync.Mutex
	var deaths []wire.ProcessID
	a.OnPeerTerminated(func(pid wire.ProcessID) {
		mu.Lock()
		deaths = append(deaths, pid)
		mu.Unlock()
	})

	b.Close()
	b.Close() // second close is a no-op

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []wire.ProcessID{2}, deaths)
}

func TestEndpointRecvAfterClose(t *testing.T) {
	hub := NewHub(logging.NewNop())
	a, _ := hub.Attach(1, 4)
	b, _ := hub.Attach(2, 4)
	defer b.Close()

	require.NoError(t, b.Send(&wire.Transaction{Dest: 1, Target: wire.HandleTarget(1), Code: 3}))
	a.Close()

	// Queued transactions drain before ErrClosed.
	ctx := context.Background()
	tx, err := a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tx.Code)

	_, err = a.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	err = a.Send(&wire.Transaction{Dest: 2, Target: wire.HandleTarget(1)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHubLooperBookkeeping(t *testing.T) {
	hub := NewHub(logging.NewNop())
	a, _ := hub.Attach(1, 0)
	defer a.Close()

	require.NoError(t, a.Send(&wire.Transaction{Dest: 1, Target: wire.NodeTarget(0), Code: wire.OpEnterLoop}))
	require.NoError(t, a.Send(&wire.Transaction{Dest: 1, Target: wire.NodeTarget(0), Code: wire.OpEnterLoop}))
	assert.Equal(t, 2, hub.Loopers(1))

	require.NoError(t, a.Send(&wire.Transaction{Dest: 1, Target: wire.NodeTarget(0), Code: wire.OpExitLoop}))
	assert.Equal(t, 1, hub.Loopers(1))
}
