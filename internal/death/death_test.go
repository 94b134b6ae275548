package death

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/CapBus/internal/logging"
)

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) recipient(Event) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestDeliverExactlyOnce(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	c := &counter{}
	r.Link(5, 1, c.recipient)

	assert.Equal(t, 1, r.NotifyHandle(5, 1))
	assert.Equal(t, 0, r.NotifyHandle(5, 1), "repeated death signals are no-ops")
	assert.Equal(t, 1, c.value())
}

func TestUnlinkBeforeDelivery(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	c := &counter{}
	sub := r.Link(5, 1, c.recipient)

	assert.True(t, r.Unlink(5, 1, sub))
	assert.Equal(t, 0, r.NotifyHandle(5, 1))
	assert.Equal(t, 0, c.value())
}

func TestUnlinkAfterDeliveryReturnsFalse(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	c := &counter{}
	sub := r.Link(5, 1, c.recipient)

	r.NotifyHandle(5, 1)
	assert.False(t, r.Unlink(5, 1, sub))
	assert.False(t, r.Unlink(5, 1, sub), "second unlink is still a no-op")
}

func TestNotifyProcessFansOut(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	a, b, other := &counter{}, &counter{}, &counter{}
	r.Link(5, 1, a.recipient)
	r.Link(5, 2, b.recipient)
	r.Link(6, 1, other.recipient)

	assert.Equal(t, 2, r.NotifyProcess(5))
	assert.Equal(t, 1, a.value())
	assert.Equal(t, 1, b.value())
	assert.Equal(t, 0, other.value(), "other owners are untouched")

	assert.Equal(t, 0, r.NotifyProcess(5))
}

func TestPerSubscriberDelivery(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	a, b := &counter{}, &counter{}
	r.Link(5, 1, a.recipient)
	subB := r.Link(5, 1, b.recipient)

	assert.True(t, r.Unlink(5, 1, subB))
	assert.Equal(t, 1, r.NotifyHandle(5, 1))
	assert.Equal(t, 1, a.value())
	assert.Equal(t, 0, b.value())
}
