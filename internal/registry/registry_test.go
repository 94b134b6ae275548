package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// recordingSender captures control transactions instead of sending them.
type recordingSender struct {
	mu    sync.Mutex
	sends []controlSend
}

type controlSend struct {
	owner  wire.ProcessID
	code   uint32
	handle wire.Handle
}

func (s *recordingSender) SendControl(owner wire.ProcessID, code uint32, h wire.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, controlSend{owner: owner, code: code, handle: h})
	return nil
}

func (s *recordingSender) count(code uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, send := range s.sends {
		if send.code == code {
			n++
		}
	}
	return n
}

type releaseCounter struct {
	mu       sync.Mutex
	released int
}

func (c *releaseCounter) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func newTestRegistry(pid wire.ProcessID) (*Registry, *recordingSender) {
	sender := &recordingSender{}
	return New(pid, sender, logging.NewNop()), sender
}

func TestRegisterAndResolveLocal(t *testing.T) {
	r, _ := newTestRegistry(1)
	impl := &releaseCounter{}

	n := r.RegisterLocal(impl, 0)
	require.NotZero(t, n.ID())

	got, err := r.ResolveLocal(n.ID())
	require.NoError(t, err)
	assert.Same(t, impl, got)

	_, err = r.ResolveLocal(n.ID() + 100)
	assert.ErrorIs(t, err, ErrUnknownObject)
}

func TestRootHandle(t *testing.T) {
	r, sender := newTestRegistry(1)

	_, err := r.ResolveExport(wire.RootHandle, 7)
	assert.ErrorIs(t, err, ErrUnknownObject)

	n := r.RegisterLocal(&releaseCounter{}, 0)
	r.SetRoot(n)

	// Any holder resolves the root without a prior export.
	got, err := r.ResolveExport(wire.RootHandle, 7)
	require.NoError(t, err)
	assert.Same(t, n, got)
	got, err = r.ResolveExport(wire.RootHandle, 42)
	require.NoError(t, err)
	assert.Same(t, n, got)

	// Count ops on the root are accepted but untracked.
	require.NoError(t, r.AcquireStrong(wire.RootHandle, 7))
	require.NoError(t, r.ReleaseStrong(wire.RootHandle, 7))
	require.NoError(t, r.ReleaseStrong(wire.RootHandle, 7))
	strong, _ := n.Counts()
	assert.Zero(t, strong)
	assert.Equal(t, 0, sender.count(wire.OpReleaseStrong))
}

func TestExportHandleStablePerHolder(t *testing.T) {
	r, _ := newTestRegistry(1)
	n := r.RegisterLocal(&releaseCounter{}, 0)

	h1, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)
	h2, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "handle must be stable per (node, holder)")

	h3, err := r.ExportHandle(n.ID(), 3)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "different holders get different handles")

	// The export pins the node record with a weak count.
	strong, weak := n.Counts()
	assert.Equal(t, int64(0), strong)
	assert.Equal(t, int64(2), weak)
}

func TestResolveExportVerifiesHolder(t *testing.T) {
	r, _ := newTestRegistry(1)
	n := r.RegisterLocal(&releaseCounter{}, 0)
	h, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)

	_, err = r.ResolveExport(h, 2)
	assert.NoError(t, err)

	_, err = r.ResolveExport(h, 3)
	assert.ErrorIs(t, err, ErrUnknownObject)

	_, err = r.ResolveExport(h+50, 2)
	assert.ErrorIs(t, err, ErrUnknownObject)
}

func TestNodeReleaseExactlyOnce(t *testing.T) {
	r, _ := newTestRegistry(1)
	impl := &releaseCounter{}
	n := r.RegisterLocal(impl, 0)
	h, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)

	require.NoError(t, r.AcquireWeak(h, 2))
	require.NoError(t, r.AcquireStrong(h, 2))
	require.NoError(t, r.AcquireStrong(h, 2))

	require.NoError(t, r.ReleaseStrong(h, 2))
	assert.Equal(t, 0, impl.released, "release must wait for the last strong count")

	require.NoError(t, r.ReleaseStrong(h, 2))
	assert.Equal(t, 1, impl.released, "implementation released on 1 -> 0")

	_, err = r.ResolveLocal(n.ID())
	assert.ErrorIs(t, err, ErrObjectDestroyed)

	// The weak count still pins the record for weak lookups.
	_, err = r.Node(n.ID())
	assert.NoError(t, err)

	require.NoError(t, r.ReleaseWeak(h, 2))
	_, err = r.Node(n.ID())
	assert.ErrorIs(t, err, ErrUnknownObject, "record dropped when weak reaches zero")
}

func TestReleaseUnderflowSurfaced(t *testing.T) {
	r, _ := newTestRegistry(1)
	n := r.RegisterLocal(&releaseCounter{}, 0)
	h, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)

	err = r.ReleaseStrong(h, 2)
	assert.ErrorIs(t, err, ErrUnderflow, "decrement below zero is a protocol violation")
}

func TestNodePromote(t *testing.T) {
	r, _ := newTestRegistry(1)
	n := r.RegisterLocal(&releaseCounter{}, 0)
	h, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)

	assert.False(t, n.Promote(), "promote must fail while strong count is zero")

	require.NoError(t, r.AcquireStrong(h, 2))
	assert.True(t, n.Promote(), "promote must succeed while strong count is positive")

	strong, _ := n.Counts()
	assert.Equal(t, int64(2), strong)
}

func TestAttemptAcquireAfterDestroy(t *testing.T) {
	r, _ := newTestRegistry(1)
	n := r.RegisterLocal(&releaseCounter{}, 0)
	h, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)

	require.NoError(t, r.AcquireWeak(h, 2))
	require.NoError(t, r.AcquireStrong(h, 2))
	require.NoError(t, r.ReleaseStrong(h, 2))

	err = r.AttemptAcquire(h, 2)
	assert.ErrorIs(t, err, ErrObjectDestroyed)
}

func TestImportHandleDeduplicates(t *testing.T) {
	r, sender := newTestRegistry(1)

	ref1, err := r.ImportHandle(9, 4, true)
	require.NoError(t, err)
	ref2, err := r.ImportHandle(9, 4, true)
	require.NoError(t, err)

	assert.Same(t, ref1, ref2, "same (owner, handle) must yield the identical reference")

	strong, _ := ref1.Counts()
	assert.Equal(t, int64(2), strong)

	assert.Equal(t, 1, sender.count(wire.OpAcquireWeak), "one ACQUIRE_WEAK on creation")
	assert.Equal(t, 1, sender.count(wire.OpAcquireStrong), "only the first import sends ACQUIRE_STRONG")
}

func TestRefReleaseProtocol(t *testing.T) {
	r, sender := newTestRegistry(1)

	ref, err := r.ImportHandle(9, 4, true)
	require.NoError(t, err)
	require.NoError(t, ref.IncStrong())

	require.NoError(t, ref.DecStrong())
	assert.Equal(t, 0, sender.count(wire.OpReleaseStrong))

	require.NoError(t, ref.DecStrong())
	assert.Equal(t, 1, sender.count(wire.OpReleaseStrong), "RELEASE_STRONG on the 1 -> 0 edge")
	assert.Equal(t, 1, sender.count(wire.OpReleaseWeak), "record destruction sends RELEASE_WEAK")

	_, ok := r.LookupRef(9, 4)
	assert.False(t, ok, "reference destroyed when both counts reach zero")

	assert.ErrorIs(t, ref.DecStrong(), ErrRefReleased)
}

func TestRefPromoteLocalFastPath(t *testing.T) {
	r, _ := newTestRegistry(1)

	ref, err := r.ImportHandle(9, 4, true)
	require.NoError(t, err)
	require.NoError(t, ref.IncWeak())

	assert.True(t, ref.Promote(), "strong count pins the node, promote succeeds")
	require.NoError(t, ref.DecStrong())
	require.NoError(t, ref.DecStrong())

	assert.False(t, ref.Promote(), "weak-only reference cannot promote locally")
}

func TestRefDowngrade(t *testing.T) {
	r, sender := newTestRegistry(1)

	ref, err := r.ImportHandle(9, 4, true)
	require.NoError(t, err)
	require.NoError(t, ref.Downgrade())

	strong, weak := ref.Counts()
	assert.Equal(t, int64(0), strong)
	assert.Equal(t, int64(1), weak)
	assert.Equal(t, 1, sender.count(wire.OpReleaseStrong))

	_, ok := r.LookupRef(9, 4)
	assert.True(t, ok, "weak count keeps the record alive")
}

func TestMarkProcessDead(t *testing.T) {
	r, sender := newTestRegistry(1)

	ref, err := r.ImportHandle(9, 4, true)
	require.NoError(t, err)
	other, err := r.ImportHandle(8, 4, true)
	require.NoError(t, err)

	died := r.MarkProcessDead(9)
	require.Len(t, died, 1)
	assert.Same(t, ref, died[0])
	assert.False(t, ref.Alive())
	assert.True(t, other.Alive(), "references to other owners unaffected")

	// Idempotent: a second death signal reports nothing new.
	assert.Empty(t, r.MarkProcessDead(9))

	// Releases after death adjust local counts without control sends.
	before := sender.count(wire.OpReleaseStrong)
	require.NoError(t, ref.DecStrong())
	assert.Equal(t, before, sender.count(wire.OpReleaseStrong))
}

func TestMarkProcessDeadUnwindsExports(t *testing.T) {
	r, _ := newTestRegistry(1)
	impl := &releaseCounter{}
	n := r.RegisterLocal(impl, 0)
	h, err := r.ExportHandle(n.ID(), 2)
	require.NoError(t, err)

	require.NoError(t, r.AcquireWeak(h, 2))
	require.NoError(t, r.AcquireStrong(h, 2))

	r.MarkProcessDead(2)

	assert.Equal(t, 1, impl.released, "dead holder's strong count unwound")
	_, err = r.Node(n.ID())
	assert.ErrorIs(t, err, ErrUnknownObject, "export retired and record dropped")
}

func TestConcurrentImports(t *testing.T) {
	r, sender := newTestRegistry(1)

	const goroutines = 32
	var wg sync.WaitGroup
	refs := make([]*Ref, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := r.ImportHandle(9, 4, true)
			assert.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, refs[0], refs[i])
	}
	strong, _ := refs[0].Counts()
	assert.Equal(t, int64(goroutines), strong)
	assert.Equal(t, 1, sender.count(wire.OpAcquireStrong))
	assert.Equal(t, 1, sender.count(wire.OpAcquireWeak))
}
