package opident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward explicitly
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache() (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(DefaultConfig(), nil)
	c.now = clock.now
	return c, clock
}

func TestOperationIDStableWithinTTL(t *testing.T) {
	c, clock := newTestCache()

	first := c.OperationID("intake:med-1", 0)
	require.NotEmpty(t, first)

	clock.advance(10 * time.Second)
	assert.Equal(t, first, c.OperationID("intake:med-1", 0))
}

func TestOperationIDDistinctPerKey(t *testing.T) {
	c, _ := newTestCache()

	a := c.OperationID("intake:med-1", 0)
	b := c.OperationID("intake:med-2", 0)
	assert.NotEqual(t, a, b)
}

func TestOperationIDRemintsAfterExpiry(t *testing.T) {
	c, clock := newTestCache()

	first := c.OperationID("intake:med-1", 0)
	clock.advance(31 * time.Second)
	assert.NotEqual(t, first, c.OperationID("intake:med-1", 0))
}

func TestOperationIDCustomTTL(t *testing.T) {
	c, clock := newTestCache()

	first := c.OperationID("purchase:med-1", 2*time.Minute)
	clock.advance(90 * time.Second)
	assert.Equal(t, first, c.OperationID("purchase:med-1", 0))
}

func TestClearForcesFreshOperation(t *testing.T) {
	c, _ := newTestCache()

	first := c.OperationID("intake:med-1", 0)
	c.Clear("intake:med-1")
	assert.NotEqual(t, first, c.OperationID("intake:med-1", 0))
}

func TestSettleShortensLifetime(t *testing.T) {
	c, clock := newTestCache()

	first := c.OperationID("intake:med-1", 0)
	c.Settle("intake:med-1")

	// Inside the grace window a resend still deduplicates.
	clock.advance(3 * time.Second)
	assert.Equal(t, first, c.OperationID("intake:med-1", 0))

	clock.advance(3 * time.Second)
	assert.NotEqual(t, first, c.OperationID("intake:med-1", 0))
}

func TestSettleUnknownKey(t *testing.T) {
	c, _ := newTestCache()
	c.Settle("never-issued")
	assert.Equal(t, 0, c.Len())
}

func TestStopWithoutStartSweep(t *testing.T) {
	c, _ := newTestCache()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung with no sweep running")
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	c, clock := newTestCache()

	c.OperationID("a", 0)
	c.OperationID("b", 2*time.Minute)
	assert.Equal(t, 2, c.Len())

	clock.advance(time.Minute)
	c.sweep()
	assert.Equal(t, 1, c.Len())

	clock.advance(2 * time.Minute)
	c.sweep()
	assert.Equal(t, 0, c.Len())
}
