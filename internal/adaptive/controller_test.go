package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/metrics"
)

func TestControllerDemoteStepsTowardAgg(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Options{})
	c := NewController(config.AdaptiveConfig{PromoteHealthyCycles: 2, BandATMWindow: 3}, []string{"NIFTY"}, reg)

	assert.Equal(t, metrics.DetailModeFull, c.Mode())
	mode, band := c.DetailModeFor("NIFTY")
	assert.Equal(t, metrics.DetailModeFull, mode)
	assert.InDelta(t, 150, band, 1e-9, "3 steps of 50 points")

	require.True(t, c.Demote("followups_weight", 10))
	assert.Equal(t, metrics.DetailModeBand, c.Mode())
	require.True(t, c.Demote("followups_weight", 11))
	assert.Equal(t, metrics.DetailModeAgg, c.Mode())
	assert.False(t, c.Demote("followups_weight", 12), "agg is the floor")

	assert.InDelta(t, 2, reg.Value(metrics.MDetailMode, "NIFTY"), 1e-9)
	assert.InDelta(t, 2, reg.Value(metrics.MDetailModeChanges, "NIFTY", "followups_weight"), 1e-9)
}

func TestControllerBandWindowScalesWithStrikeStep(t *testing.T) {
	c := NewController(config.AdaptiveConfig{BandATMWindow: 2}, nil, nil)

	_, niftyBand := c.DetailModeFor("NIFTY")
	_, bankBand := c.DetailModeFor("BANKNIFTY")
	assert.InDelta(t, 100, niftyBand, 1e-9)
	assert.InDelta(t, 200, bankBand, 1e-9, "BANKNIFTY uses 100 point steps")
}

func TestControllerPromotesOneStepAfterHealthyRun(t *testing.T) {
	c := NewController(config.AdaptiveConfig{PromoteHealthyCycles: 3, BandATMWindow: 3}, nil, nil)

	c.Demote("followups_weight", 1)
	c.Demote("followups_weight", 2)
	require.Equal(t, metrics.DetailModeAgg, c.Mode())

	c.CycleHealthy(3)
	c.CycleHealthy(4)
	assert.Equal(t, metrics.DetailModeAgg, c.Mode(), "streak not reached yet")
	c.CycleHealthy(5)
	assert.Equal(t, metrics.DetailModeBand, c.Mode(), "one step per streak, never straight to full")

	c.CycleHealthy(6)
	c.CycleHealthy(7)
	c.CycleHealthy(8)
	assert.Equal(t, metrics.DetailModeFull, c.Mode())

	h := c.Hysteresis()
	assert.Equal(t, "healthy_cycles", h.LastChangeReason)
	assert.Equal(t, int64(8), h.LastChangeCycle)
	assert.Equal(t, int64(2), h.Demotions)
	assert.Equal(t, int64(2), h.Promotions)
}

func TestControllerUnhealthyResetsStreak(t *testing.T) {
	c := NewController(config.AdaptiveConfig{PromoteHealthyCycles: 2, BandATMWindow: 3}, nil, nil)

	c.Demote("followups_weight", 1)
	c.CycleHealthy(2)
	c.CycleUnhealthy()
	c.CycleHealthy(3)
	assert.Equal(t, metrics.DetailModeBand, c.Mode(), "streak restarted after an alerting cycle")
	c.CycleHealthy(4)
	assert.Equal(t, metrics.DetailModeFull, c.Mode())
}

func TestControllerHysteresisSnapshot(t *testing.T) {
	c := NewController(config.AdaptiveConfig{PromoteHealthyCycles: 10, BandATMWindow: 4}, nil, nil)
	c.Demote("followups_weight", 7)

	h := c.Hysteresis()
	assert.Equal(t, metrics.DetailModeBand, h.Mode)
	assert.Equal(t, "band", h.ModeName)
	assert.Equal(t, 4, h.BandWindow)
	assert.Equal(t, 10, h.PromoteAfter)
	assert.Equal(t, int64(7), h.LastChangeCycle)
	assert.Equal(t, "followups_weight", h.LastChangeReason)
	assert.Equal(t, 0, h.HealthyStreak)
}

func TestEngineEndCycleDemotesOnPressure(t *testing.T) {
	clk := newFakeClock()
	reg := metrics.NewRegistry(metrics.Options{})
	bus := events.NewBus(events.Options{Capacity: 256, Registry: reg, Now: clk.Now})
	eng := NewEngine(EngineOptions{
		Adaptive: config.AdaptiveConfig{
			InterpThreshold: 0.5, InterpStreak: 2,
			RiskDriftPct: 25, RiskDriftWindow: 4, RiskRowTolerance: 0.05,
			BucketUtilMin: 0.7, BucketUtilStreak: 5,
			SeverityEnabled: true, PromoteHealthyCycles: 2, BandATMWindow: 3,
		},
		Followups: config.FollowupsConfig{
			Enabled: true, SuppressSeconds: 60,
			WeightWindow: 300 * time.Second, DemoteThreshold: 4, RecentBuffer: 50,
		},
		Indices:  []string{"NIFTY"},
		Bus:      bus,
		Registry: reg,
		Clock:    clk.Now,
	})

	// Two cycles above the interpolation threshold; the second alerts at
	// critical, weight 5, pushing pressure past the demote threshold.
	eng.ObserveInterpolation("NIFTY", 0.9, 1)
	eng.EndCycle(1)
	assert.Equal(t, metrics.DetailModeFull, eng.Controller().Mode())

	eng.ObserveInterpolation("NIFTY", 0.9, 2)
	eng.EndCycle(2)
	assert.Equal(t, metrics.DetailModeBand, eng.Controller().Mode())

	require.Len(t, eventsOfType(bus, TypeFollowupAlert), 1)
	require.Len(t, eng.Recent(0), 1)
	assert.Equal(t, SevCritical, eng.Recent(0)[0].Severity)
	assert.InDelta(t, 5, eng.WeightPressure(), 1e-9)
	assert.Equal(t, 1, eng.SeverityCounts()[SevCritical])
}

func TestEngineHealthyCyclesPromote(t *testing.T) {
	clk := newFakeClock()
	eng := NewEngine(EngineOptions{
		Adaptive: config.AdaptiveConfig{
			InterpThreshold: 0.5, InterpStreak: 2,
			RiskDriftWindow: 4, BucketUtilStreak: 5,
			SeverityEnabled: true, PromoteHealthyCycles: 2, BandATMWindow: 3,
		},
		Followups: config.FollowupsConfig{
			Enabled: true, SuppressSeconds: 60,
			WeightWindow: 300 * time.Second, DemoteThreshold: 4,
		},
		Clock: clk.Now,
	})

	eng.Controller().Demote("followups_weight", 1)
	require.Equal(t, metrics.DetailModeBand, eng.Controller().Mode())

	// Pressure drains with the clock; quiet cycles then promote.
	clk.Advance(301 * time.Second)
	eng.ObserveInterpolation("NIFTY", 0.1, 2)
	eng.EndCycle(2)
	eng.ObserveInterpolation("NIFTY", 0.1, 3)
	eng.EndCycle(3)
	assert.Equal(t, metrics.DetailModeFull, eng.Controller().Mode())
}
