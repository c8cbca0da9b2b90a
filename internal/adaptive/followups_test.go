package adaptive

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/metrics"
)

func newTestDispatcher(t *testing.T, cfg config.FollowupsConfig) (*Dispatcher, *events.Bus, *metrics.Registry, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	reg := metrics.NewRegistry(metrics.Options{})
	bus := events.NewBus(events.Options{Capacity: 256, Registry: reg, Now: clk.Now})
	sev := NewSeverityEngine(config.AdaptiveConfig{SeverityEnabled: true}, bus, reg, clk.Now)
	if cfg.SuppressSeconds == 0 {
		cfg.SuppressSeconds = 60
	}
	if cfg.WeightWindow == 0 {
		cfg.WeightWindow = 300 * time.Second
	}
	cfg.Enabled = true
	return NewDispatcher(cfg, sev, bus, reg, clk.Now), bus, reg, clk
}

func interpAlert(index string, fraction float64) *Alert {
	return &Alert{Type: TypeInterpolationHigh, Index: index, InterpolatedFraction: fraction, Message: "test"}
}

func TestDispatchSuppressesRepeatsInsideWindow(t *testing.T) {
	d, _, reg, clk := newTestDispatcher(t, config.FollowupsConfig{})

	require.True(t, d.Dispatch(interpAlert("NIFTY", 0.7), 1))
	assert.False(t, d.Dispatch(interpAlert("NIFTY", 0.71), 2), "same severity inside the window drops")
	assert.InDelta(t, 1, reg.Value(metrics.MFollowupsSuppressed, TypeInterpolationHigh), 1e-9)

	clk.Advance(61 * time.Second)
	assert.True(t, d.Dispatch(interpAlert("NIFTY", 0.7), 3), "window expiry re-arms the key")
}

func TestDispatchEscalationBypassesSuppression(t *testing.T) {
	d, _, reg, _ := newTestDispatcher(t, config.FollowupsConfig{})

	require.True(t, d.Dispatch(interpAlert("NIFTY", 0.7), 1))
	assert.True(t, d.Dispatch(interpAlert("NIFTY", 0.9), 1), "critical beats the warn emission")
	assert.False(t, d.Dispatch(interpAlert("NIFTY", 0.9), 1), "repeat critical suppresses again")

	assert.InDelta(t, 1, reg.Value(metrics.MFollowupsEmitted, TypeInterpolationHigh, SevWarn), 1e-9)
	assert.InDelta(t, 1, reg.Value(metrics.MFollowupsEmitted, TypeInterpolationHigh, SevCritical), 1e-9)
}

func TestDispatchKeysIndependentPerIndexAndType(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, config.FollowupsConfig{})

	require.True(t, d.Dispatch(interpAlert("NIFTY", 0.7), 1))
	assert.True(t, d.Dispatch(interpAlert("BANKNIFTY", 0.7), 1))
	assert.True(t, d.Dispatch(&Alert{Type: TypeBucketUtilLow, Index: "NIFTY", Utilization: 0.4}, 1))
}

func TestWeightPressureRollsOff(t *testing.T) {
	d, _, reg, clk := newTestDispatcher(t, config.FollowupsConfig{})

	// Default weights: warn 2, critical 5.
	require.True(t, d.Dispatch(interpAlert("NIFTY", 0.7), 1))
	require.True(t, d.Dispatch(interpAlert("BANKNIFTY", 0.9), 1))
	assert.InDelta(t, 7, d.WeightPressure(), 1e-9)
	assert.InDelta(t, 7, reg.Value(metrics.MFollowupsPressure), 1e-9)

	clk.Advance(301 * time.Second)
	assert.InDelta(t, 0, d.WeightPressure(), 1e-9, "entries age out of the rolling window")
	assert.InDelta(t, 0, reg.Value(metrics.MFollowupsPressure), 1e-9)
}

func TestDispatchStampsAlertAndPublishes(t *testing.T) {
	d, bus, _, _ := newTestDispatcher(t, config.FollowupsConfig{})

	a := interpAlert("NIFTY", 0.9)
	require.True(t, d.Dispatch(a, 42))
	assert.Equal(t, int64(42), a.Cycle)
	assert.InDelta(t, 5, a.Weight, 1e-9)
	assert.NotEmpty(t, a.TS)

	followups := eventsOfType(bus, TypeFollowupAlert)
	require.Len(t, followups, 1)
	ev := followups[0]
	assert.Equal(t, "followup:NIFTY:"+TypeInterpolationHigh, ev.CoalesceKey)
	assert.EqualValues(t, 42, ev.Payload["cycle"])
	assert.EqualValues(t, 5, ev.Payload["weight"])
	assert.EqualValues(t, 5, ev.Payload["weight_pressure"])
	assert.Equal(t, SevCritical, ev.Payload["severity"])
	assert.Contains(t, ev.Payload, "severity_counts")
}

func TestDispatchGlobalAlertsUseGlobalKey(t *testing.T) {
	d, bus, _, _ := newTestDispatcher(t, config.FollowupsConfig{})

	require.True(t, d.Dispatch(&Alert{Type: TypeRiskDeltaDrift, DriftPct: 30, Sign: "up"}, 1))
	followups := eventsOfType(bus, TypeFollowupAlert)
	require.Len(t, followups, 1)
	assert.Equal(t, "followup:global:"+TypeRiskDeltaDrift, followups[0].CoalesceKey)
}

func TestRecentBufferBounded(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, config.FollowupsConfig{RecentBuffer: 5})

	for i := 0; i < 7; i++ {
		require.True(t, d.Dispatch(interpAlert(fmt.Sprintf("IDX%d", i), 0.7), int64(i)))
	}
	recent := d.Recent(0)
	require.Len(t, recent, 5)
	assert.Equal(t, "IDX2", recent[0].Index, "oldest two were evicted")
	assert.Equal(t, "IDX6", recent[4].Index, "newest last")

	tail := d.Recent(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "IDX5", tail[0].Index)
}

func TestDispatcherDisabledDropsEverything(t *testing.T) {
	clk := newFakeClock()
	sev := NewSeverityEngine(config.AdaptiveConfig{SeverityEnabled: true}, nil, nil, clk.Now)
	d := NewDispatcher(config.FollowupsConfig{Enabled: false}, sev, nil, nil, clk.Now)

	assert.False(t, d.Dispatch(interpAlert("NIFTY", 0.9), 1))
	assert.Empty(t, d.Recent(0))
}
