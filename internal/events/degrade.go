package events

import (
	"sort"
	"sync"
	"time"
)

// State is the degrade controller's position. The controller never moves
// NORMAL → EXIT_PENDING; only a degraded bus can begin exiting.
type State int

const (
	StateNormal State = iota
	StateDegraded
	StateExitPending
)

func (s State) String() string {
	switch s {
	case StateDegraded:
		return "degraded"
	case StateExitPending:
		return "exit_pending"
	default:
		return "normal"
	}
}

// Transition records one state change for metrics and logging.
type Transition struct {
	From     State
	To       State
	Decision string
}

// ControllerConfig tunes exit evaluation.
type ControllerConfig struct {
	// ExitRatio is the rolling-average backlog/capacity ceiling that
	// permits leaving degraded mode.
	ExitRatio float64
	// Window is both the rolling sample window and the dwell time in
	// EXIT_PENDING before returning to normal.
	Window time.Duration
	// LatencyBudget caps p95 serialize latency for an exit.
	LatencyBudget time.Duration
	// MinSamples guards against deciding on a near-empty window.
	MinSamples int
	// ReentryCooldown delays exit evaluation after a completed exit so
	// a bus oscillating around the threshold cannot thrash.
	ReentryCooldown time.Duration
	Now             func() time.Time
}

type ctrlSample struct {
	at      time.Time
	ratio   float64
	latency time.Duration
}

// DegradeController decides when the bus may leave degraded mode. Entry is
// external (the publish path crosses the backlog threshold); exit needs a
// sustained healthy window.
type DegradeController struct {
	cfg ControllerConfig

	mu           sync.Mutex
	state        State
	samples      []ctrlSample
	pendingSince time.Time
	lastExit     time.Time
}

// NewDegradeController applies defaults for unset fields.
func NewDegradeController(cfg ControllerConfig) *DegradeController {
	if cfg.ExitRatio <= 0 {
		cfg.ExitRatio = 0.4
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = 50 * time.Millisecond
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.ReentryCooldown < 0 {
		cfg.ReentryCooldown = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DegradeController{cfg: cfg}
}

// State returns the current controller state.
func (c *DegradeController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnterDegraded is called by the publish path when backlog crosses the
// degrade threshold. Entering resets the sample window so stale healthy
// samples cannot trigger an instant exit.
func (c *DegradeController) EnterDegraded() (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDegraded {
		return Transition{}, false
	}
	tr := Transition{From: c.state, To: StateDegraded, Decision: "enter_degraded"}
	c.state = StateDegraded
	c.samples = nil
	c.pendingSince = time.Time{}
	return tr, true
}

// Feed records one publish observation and evaluates exit conditions.
// Returns the transition taken, if any.
func (c *DegradeController) Feed(backlog, capacity int, serialize time.Duration) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	ratio := 0.0
	if capacity > 0 {
		ratio = float64(backlog) / float64(capacity)
	}
	c.samples = append(c.samples, ctrlSample{at: now, ratio: ratio, latency: serialize})
	c.trim(now)

	switch c.state {
	case StateNormal:
		return Transition{}, false
	case StateDegraded:
		if !c.lastExit.IsZero() && now.Sub(c.lastExit) < c.cfg.ReentryCooldown {
			return Transition{}, false
		}
		if c.healthy() {
			c.state = StateExitPending
			c.pendingSince = now
			return Transition{From: StateDegraded, To: StateExitPending, Decision: "exit_candidate"}, true
		}
	case StateExitPending:
		if !c.healthy() {
			c.state = StateDegraded
			c.pendingSince = time.Time{}
			return Transition{From: StateExitPending, To: StateDegraded, Decision: "exit_regressed"}, true
		}
		if now.Sub(c.pendingSince) >= c.cfg.Window {
			c.state = StateNormal
			c.pendingSince = time.Time{}
			c.lastExit = now
			return Transition{From: StateExitPending, To: StateNormal, Decision: "exit_degraded"}, true
		}
	}
	return Transition{}, false
}

// trim drops samples older than the window. Caller holds the lock.
func (c *DegradeController) trim(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for ; i < len(c.samples); i++ {
		if c.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

// healthy reports whether the rolling window satisfies the exit
// conditions. Caller holds the lock.
func (c *DegradeController) healthy() bool {
	if len(c.samples) < c.cfg.MinSamples {
		return false
	}
	sum := 0.0
	latencies := make([]time.Duration, len(c.samples))
	for i, s := range c.samples {
		sum += s.ratio
		latencies[i] = s.latency
	}
	avg := sum / float64(len(c.samples))
	if avg > c.cfg.ExitRatio {
		return false
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p95 := latencies[(len(latencies)*95)/100]
	return p95 <= c.cfg.LatencyBudget
}
