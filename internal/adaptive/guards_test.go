package adaptive

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
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

func TestInterpolationGuardAlertsAfterStreak(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Options{})
	g := NewInterpolationGuard(config.AdaptiveConfig{InterpThreshold: 0.5, InterpStreak: 3}, reg)

	var alerts []*Alert
	for _, f := range []float64{0.4, 0.55, 0.60, 0.61} {
		if a := g.Record("NIFTY", f); a != nil {
			alerts = append(alerts, a)
		}
	}

	require.Len(t, alerts, 1, "only the sample completing the streak alerts")
	a := alerts[0]
	assert.Equal(t, TypeInterpolationHigh, a.Type)
	assert.Equal(t, "NIFTY", a.Index)
	assert.InDelta(t, 0.61, a.InterpolatedFraction, 1e-9)
	assert.NotEmpty(t, a.Message)

	assert.Equal(t, 3, g.Streak("NIFTY"))
	assert.InDelta(t, 3, reg.Value(metrics.MInterpStreak, "NIFTY"), 1e-9)
	assert.InDelta(t, 1, reg.Value(metrics.MInterpAlerts, "NIFTY", "streak"), 1e-9)
}

func TestInterpolationGuardResetBelowThreshold(t *testing.T) {
	g := NewInterpolationGuard(config.AdaptiveConfig{InterpThreshold: 0.6, InterpStreak: 2}, nil)

	assert.Nil(t, g.Record("NIFTY", 0.7))
	assert.Nil(t, g.Record("NIFTY", 0.5), "dip resets the streak")
	assert.Nil(t, g.Record("NIFTY", 0.7))
	assert.NotNil(t, g.Record("NIFTY", 0.7))
}

func TestInterpolationGuardTracksIndicesIndependently(t *testing.T) {
	g := NewInterpolationGuard(config.AdaptiveConfig{InterpThreshold: 0.6, InterpStreak: 2}, nil)

	assert.Nil(t, g.Record("NIFTY", 0.7))
	assert.Nil(t, g.Record("BANKNIFTY", 0.7))
	assert.NotNil(t, g.Record("NIFTY", 0.7))
	assert.Equal(t, 1, g.Streak("BANKNIFTY"))
}

func TestRiskDriftGuardDetectsUpDrift(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Options{})
	g := NewRiskDriftGuard(config.AdaptiveConfig{RiskDriftWindow: 4, RiskDriftPct: 20, RiskRowTolerance: 0.05}, reg)

	feeds := []struct {
		delta float64
		rows  int
	}{
		{1000, 200}, {1050, 202}, {1100, 198}, {1300, 199},
	}
	var alerts []*Alert
	for _, f := range feeds {
		if a := g.Record(f.delta, f.rows); a != nil {
			alerts = append(alerts, a)
		}
	}

	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, TypeRiskDeltaDrift, a.Type)
	assert.InDelta(t, 30, a.DriftPct, 1e-9)
	assert.Equal(t, "up", a.Sign)
	assert.InDelta(t, 1, reg.Value(metrics.MDriftAlerts, "up"), 1e-9)
}

func TestRiskDriftGuardDownDrift(t *testing.T) {
	g := NewRiskDriftGuard(config.AdaptiveConfig{RiskDriftWindow: 3, RiskDriftPct: 25, RiskRowTolerance: 0.05}, nil)

	assert.Nil(t, g.Record(1000, 100))
	assert.Nil(t, g.Record(900, 100))
	a := g.Record(700, 101)
	require.NotNil(t, a)
	assert.InDelta(t, -30, a.DriftPct, 1e-9)
	assert.Equal(t, "down", a.Sign)
}

func TestRiskDriftGuardIgnoresUnstableRowCounts(t *testing.T) {
	g := NewRiskDriftGuard(config.AdaptiveConfig{RiskDriftWindow: 3, RiskDriftPct: 20, RiskRowTolerance: 0.05}, nil)

	assert.Nil(t, g.Record(1000, 100))
	assert.Nil(t, g.Record(1200, 130))
	assert.Nil(t, g.Record(1400, 150), "row count moved 50 percent, drift is universe growth")
}

func TestRiskDriftGuardWaitsForFullWindow(t *testing.T) {
	g := NewRiskDriftGuard(config.AdaptiveConfig{RiskDriftWindow: 5, RiskDriftPct: 10, RiskRowTolerance: 0.05}, nil)

	for i := 0; i < 4; i++ {
		assert.Nil(t, g.Record(1000+float64(i)*200, 100))
	}
}

func TestBucketUtilGuardStreak(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Options{})
	g := NewBucketUtilGuard(config.AdaptiveConfig{BucketUtilMin: 0.7, BucketUtilStreak: 2}, reg)

	assert.Nil(t, g.Record("NIFTY", 0.6))
	a := g.Record("NIFTY", 0.65)
	require.NotNil(t, a)
	assert.Equal(t, TypeBucketUtilLow, a.Type)
	assert.InDelta(t, 0.65, a.Utilization, 1e-9)
	assert.InDelta(t, 1, reg.Value(metrics.MBucketUtilAlerts), 1e-9)

	assert.Nil(t, g.Record("NIFTY", 0.8), "recovery resets the streak")
	assert.Nil(t, g.Record("NIFTY", 0.6))
}
