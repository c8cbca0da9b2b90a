package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/istime"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 5, 12, 10, 30, 0, 0, istime.Zone())}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testController(clk *fakeClock) *DegradeController {
	return NewDegradeController(ControllerConfig{
		ExitRatio:     0.4,
		Window:        5 * time.Second,
		LatencyBudget: 50 * time.Millisecond,
		MinSamples:    3,
		Now:           clk.Now,
	})
}

func TestControllerStaysNormalOnHealthyFeed(t *testing.T) {
	clk := newFakeClock()
	c := testController(clk)

	for i := 0; i < 20; i++ {
		tr, ok := c.Feed(1, 100, time.Millisecond)
		assert.False(t, ok, "no transition expected in normal state, got %+v", tr)
		clk.Advance(200 * time.Millisecond)
	}
	assert.Equal(t, StateNormal, c.State())
}

func TestControllerEnterResetsSamples(t *testing.T) {
	clk := newFakeClock()
	c := testController(clk)

	// Healthy history before entry must not count toward the exit window.
	for i := 0; i < 5; i++ {
		c.Feed(1, 100, time.Millisecond)
		clk.Advance(100 * time.Millisecond)
	}
	tr, ok := c.EnterDegraded()
	require.True(t, ok)
	assert.Equal(t, StateNormal, tr.From)
	assert.Equal(t, StateDegraded, tr.To)

	_, ok = c.Feed(1, 100, time.Millisecond)
	assert.False(t, ok)
	clk.Advance(100 * time.Millisecond)
	_, ok = c.Feed(1, 100, time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, StateDegraded, c.State())

	clk.Advance(100 * time.Millisecond)
	tr, ok = c.Feed(1, 100, time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, StateExitPending, tr.To)
	assert.Equal(t, "exit_candidate", tr.Decision)
}

func TestControllerExitAfterDwell(t *testing.T) {
	clk := newFakeClock()
	c := testController(clk)
	c.EnterDegraded()

	var last Transition
	for i := 0; i < 10; i++ {
		if tr, ok := c.Feed(2, 100, time.Millisecond); ok {
			last = tr
		}
		clk.Advance(time.Second)
	}
	assert.Equal(t, StateNormal, c.State())
	assert.Equal(t, StateExitPending, last.From)
	assert.Equal(t, StateNormal, last.To)
	assert.Equal(t, "exit_degraded", last.Decision)
}

func TestControllerRegressionReturnsToDegraded(t *testing.T) {
	clk := newFakeClock()
	c := testController(clk)
	c.EnterDegraded()

	for i := 0; i < 3; i++ {
		c.Feed(2, 100, time.Millisecond)
		clk.Advance(time.Second)
	}
	require.Equal(t, StateExitPending, c.State())

	// A quiet gap empties the rolling window; the lone pressured sample
	// that follows cannot satisfy the exit conditions.
	clk.Advance(5 * time.Second)
	tr, ok := c.Feed(90, 100, time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, StateDegraded, tr.To)
	assert.Equal(t, "exit_regressed", tr.Decision)
}

func TestControllerLatencyBudgetBlocksExit(t *testing.T) {
	clk := newFakeClock()
	c := testController(clk)
	c.EnterDegraded()

	for i := 0; i < 10; i++ {
		_, ok := c.Feed(1, 100, 200*time.Millisecond)
		assert.False(t, ok)
		clk.Advance(400 * time.Millisecond)
	}
	assert.Equal(t, StateDegraded, c.State())
}

func TestControllerNeverSkipsDegraded(t *testing.T) {
	clk := newFakeClock()
	c := testController(clk)

	// Plenty of healthy samples while normal: the controller must not
	// reach exit_pending without an explicit degraded entry.
	for i := 0; i < 15; i++ {
		c.Feed(0, 100, time.Microsecond)
		clk.Advance(300 * time.Millisecond)
	}
	assert.Equal(t, StateNormal, c.State())
}

func TestControllerReentryCooldown(t *testing.T) {
	clk := newFakeClock()
	c := NewDegradeController(ControllerConfig{
		ExitRatio:       0.4,
		Window:          2 * time.Second,
		LatencyBudget:   50 * time.Millisecond,
		MinSamples:      2,
		ReentryCooldown: 30 * time.Second,
		Now:             clk.Now,
	})

	c.EnterDegraded()
	for i := 0; i < 6; i++ {
		c.Feed(1, 100, time.Millisecond)
		clk.Advance(time.Second)
	}
	require.Equal(t, StateNormal, c.State())

	// Second entry: healthy samples inside the cooldown window must not
	// start another exit.
	c.EnterDegraded()
	for i := 0; i < 4; i++ {
		_, ok := c.Feed(1, 100, time.Millisecond)
		assert.False(t, ok)
		clk.Advance(time.Second)
	}
	assert.Equal(t, StateDegraded, c.State())

	clk.Advance(30 * time.Second)
	c.Feed(1, 100, time.Millisecond)
	clk.Advance(time.Second)
	tr, ok := c.Feed(1, 100, time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, StateExitPending, tr.To)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "normal", StateNormal.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "exit_pending", StateExitPending.String())
}
