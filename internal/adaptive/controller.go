package adaptive

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/strikes"
)

// ModeName renders a detail mode for status output and logs.
func ModeName(mode int) string {
	switch mode {
	case metrics.DetailModeBand:
		return "band"
	case metrics.DetailModeAgg:
		return "agg"
	default:
		return "full"
	}
}

// Hysteresis is the controller exposure the status writer publishes.
type Hysteresis struct {
	Mode             int    `json:"option_detail_mode"`
	ModeName         string `json:"option_detail_mode_name"`
	BandWindow       int    `json:"band_window"`
	HealthyStreak    int    `json:"healthy_streak"`
	PromoteAfter     int    `json:"promote_after"`
	LastChangeCycle  int64  `json:"last_change_cycle"`
	LastChangeReason string `json:"last_change_reason,omitempty"`
	Demotions        int64  `json:"demotions_total"`
	Promotions       int64  `json:"promotions_total"`
}

// Controller owns the per-option detail mode. Demotion steps toward agg
// immediately; promotion requires a run of healthy cycles and moves one
// step at a time, so recovery is deliberately slower than retreat.
type Controller struct {
	mu           sync.Mutex
	mode         int
	bandSteps    int
	promoteAfter int
	healthy      int
	lastCycle    int64
	lastReason   string
	demotions    int64
	promotions   int64

	indices []string
	reg     *metrics.Registry
}

func NewController(cfg config.AdaptiveConfig, indices []string, reg *metrics.Registry) *Controller {
	promoteAfter := cfg.PromoteHealthyCycles
	if promoteAfter <= 0 {
		promoteAfter = 10
	}
	c := &Controller{
		mode:         metrics.DetailModeFull,
		bandSteps:    cfg.BandATMWindow,
		promoteAfter: promoteAfter,
		indices:      indices,
		reg:          reg,
	}
	c.export()
	return c
}

// Mode returns the current detail mode.
func (c *Controller) Mode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// BandWindowSteps returns the band half-width in strike steps.
func (c *Controller) BandWindowSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bandSteps
}

// DetailModeFor satisfies metrics.DetailModeFunc: the band window is
// converted from strike steps to price units per index.
func (c *Controller) DetailModeFor(index string) (int, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, float64(c.bandSteps) * strikes.StepFor(index)
}

// Demote steps the mode one level toward agg. Returns false when already
// at agg. The healthy streak resets either way.
func (c *Controller) Demote(reason string, cycle int64) bool {
	c.mu.Lock()
	c.healthy = 0
	if c.mode >= metrics.DetailModeAgg {
		c.mu.Unlock()
		return false
	}
	c.mode++
	c.lastCycle = cycle
	c.lastReason = reason
	c.demotions++
	mode := c.mode
	c.mu.Unlock()

	c.noteChange(mode, reason, cycle)
	return true
}

// CycleHealthy records one alert-free cycle; after promoteAfter in a row
// the mode steps one level back toward full.
func (c *Controller) CycleHealthy(cycle int64) {
	c.mu.Lock()
	c.healthy++
	if c.mode == metrics.DetailModeFull || c.healthy < c.promoteAfter {
		c.mu.Unlock()
		return
	}
	c.mode--
	c.healthy = 0
	c.lastCycle = cycle
	c.lastReason = "healthy_cycles"
	c.promotions++
	mode := c.mode
	c.mu.Unlock()

	c.noteChange(mode, "healthy_cycles", cycle)
}

// CycleUnhealthy resets the healthy streak without demoting.
func (c *Controller) CycleUnhealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = 0
}

// Hysteresis snapshots the controller for the status writer.
func (c *Controller) Hysteresis() Hysteresis {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Hysteresis{
		Mode:             c.mode,
		ModeName:         ModeName(c.mode),
		BandWindow:       c.bandSteps,
		HealthyStreak:    c.healthy,
		PromoteAfter:     c.promoteAfter,
		LastChangeCycle:  c.lastCycle,
		LastChangeReason: c.lastReason,
		Demotions:        c.demotions,
		Promotions:       c.promotions,
	}
}

func (c *Controller) noteChange(mode int, reason string, cycle int64) {
	log.Info().
		Str("mode", ModeName(mode)).
		Str("reason", reason).
		Int64("cycle", cycle).
		Msg("detail mode changed")
	if c.reg == nil {
		return
	}
	for _, idx := range c.indices {
		c.reg.Inc(metrics.MDetailModeChanges, idx, reason)
	}
	c.export()
}

func (c *Controller) export() {
	if c.reg == nil {
		return
	}
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	for _, idx := range c.indices {
		c.reg.Set(metrics.MDetailMode, float64(mode), idx)
	}
}
