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

func newTestSeverity(t *testing.T) (*SeverityEngine, *events.Bus, *metrics.Registry, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	reg := metrics.NewRegistry(metrics.Options{})
	bus := events.NewBus(events.Options{Capacity: 128, Registry: reg, Now: clk.Now})
	sev := NewSeverityEngine(config.AdaptiveConfig{SeverityEnabled: true}, bus, reg, clk.Now)
	return sev, bus, reg, clk
}

func eventsOfType(bus *events.Bus, eventType string) []*events.Event {
	var out []*events.Event
	for _, ev := range bus.GetSince(0, 0) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestSeverityClassifyAscending(t *testing.T) {
	sev, _, _, _ := newTestSeverity(t)

	cases := []struct {
		fraction float64
		want     string
	}{
		{0.50, SevInfo},
		{0.60, SevWarn},
		{0.84, SevWarn},
		{0.85, SevCritical},
		{0.95, SevCritical},
	}
	for _, tc := range cases {
		a := &Alert{Type: TypeInterpolationHigh, Index: "NIFTY", InterpolatedFraction: tc.fraction}
		sev.Enrich(a)
		assert.Equal(t, tc.want, a.Severity, "fraction %.2f", tc.fraction)
	}
}

func TestSeverityClassifyDescendingForUtilization(t *testing.T) {
	sev, _, _, _ := newTestSeverity(t)

	cases := []struct {
		util float64
		want string
	}{
		{0.60, SevInfo},
		{0.50, SevWarn},
		{0.30, SevWarn},
		{0.25, SevCritical},
		{0.10, SevCritical},
	}
	for _, tc := range cases {
		a := &Alert{Type: TypeBucketUtilLow, Index: "NIFTY", Utilization: tc.util}
		sev.Enrich(a)
		assert.Equal(t, tc.want, a.Severity, "utilization %.2f", tc.util)
	}
}

func TestSeverityClassifyDriftUsesMagnitude(t *testing.T) {
	sev, _, _, _ := newTestSeverity(t)

	a := &Alert{Type: TypeRiskDeltaDrift, DriftPct: -70, Sign: "down"}
	sev.Enrich(a)
	assert.Equal(t, SevCritical, a.Severity, "negative drift grades on absolute value")
}

func TestSeverityStateChangePublishes(t *testing.T) {
	sev, bus, reg, _ := newTestSeverity(t)

	warn := &Alert{Type: TypeInterpolationHigh, Index: "NIFTY", InterpolatedFraction: 0.7}
	sev.Enrich(warn)
	assert.Equal(t, SevWarn, warn.Severity)
	assert.Equal(t, SevWarn, warn.ActiveSeverity)

	states := eventsOfType(bus, TypeSeverityState)
	require.Len(t, states, 1, "info to warn transition publishes state")
	assert.Equal(t, "NIFTY", states[0].Payload["index"])
	assert.Equal(t, TypeInterpolationHigh, states[0].Payload["type"])
	assert.Equal(t, SevWarn, states[0].Payload["current_severity"])
	require.Len(t, eventsOfType(bus, TypeSeverityCounts), 1)

	// Same severity again: state unchanged, nothing new on the bus.
	sev.Enrich(&Alert{Type: TypeInterpolationHigh, Index: "NIFTY", InterpolatedFraction: 0.72})
	assert.Len(t, eventsOfType(bus, TypeSeverityState), 1)

	crit := &Alert{Type: TypeInterpolationHigh, Index: "NIFTY", InterpolatedFraction: 0.9}
	sev.Enrich(crit)
	assert.Equal(t, SevCritical, crit.ActiveSeverity)
	assert.Len(t, eventsOfType(bus, TypeSeverityState), 2)
	assert.InDelta(t, 2, reg.Value(metrics.MSeverityState, "NIFTY", TypeInterpolationHigh), 1e-9)

	st, ok := sev.State("NIFTY", TypeInterpolationHigh)
	require.True(t, ok)
	assert.Equal(t, SevCritical, st.Current)
	assert.Equal(t, 2, st.Counts[SevWarn])
	assert.Equal(t, 1, st.Counts[SevCritical])
}

func TestSeverityCountsTallyActiveStates(t *testing.T) {
	sev, _, _, _ := newTestSeverity(t)

	sev.Enrich(&Alert{Type: TypeInterpolationHigh, Index: "NIFTY", InterpolatedFraction: 0.9})
	sev.Enrich(&Alert{Type: TypeBucketUtilLow, Index: "NIFTY", Utilization: 0.4})
	sev.Enrich(&Alert{Type: TypeInterpolationHigh, Index: "BANKNIFTY", InterpolatedFraction: 0.55})

	counts := sev.Counts()
	assert.Equal(t, 1, counts[SevCritical])
	assert.Equal(t, 1, counts[SevWarn])
	assert.Equal(t, 1, counts[SevInfo])
}

func TestSeveritySweepDecaysIdleStates(t *testing.T) {
	sev, bus, _, clk := newTestSeverity(t)

	sev.Enrich(&Alert{Type: TypeInterpolationHigh, Index: "NIFTY", InterpolatedFraction: 0.9})
	st, _ := sev.State("NIFTY", TypeInterpolationHigh)
	require.Equal(t, SevCritical, st.Current)

	sev.Sweep(10 * time.Minute)
	st, _ = sev.State("NIFTY", TypeInterpolationHigh)
	assert.Equal(t, SevCritical, st.Current, "fresh state does not decay")

	clk.Advance(11 * time.Minute)
	sev.Sweep(10 * time.Minute)
	st, _ = sev.State("NIFTY", TypeInterpolationHigh)
	assert.Equal(t, SevWarn, st.Current)
	assert.Equal(t, 1, st.DecaySteps)

	clk.Advance(11 * time.Minute)
	sev.Sweep(10 * time.Minute)
	st, _ = sev.State("NIFTY", TypeInterpolationHigh)
	assert.Equal(t, SevInfo, st.Current)

	// Two decays and the original escalation, each published.
	assert.Len(t, eventsOfType(bus, TypeSeverityState), 3)
}

func TestSeverityDisabledGradesWithoutState(t *testing.T) {
	clk := newFakeClock()
	sev := NewSeverityEngine(config.AdaptiveConfig{SeverityEnabled: false}, nil, nil, clk.Now)

	a := &Alert{Type: TypeInterpolationHigh, Index: "NIFTY", InterpolatedFraction: 0.9}
	sev.Enrich(a)
	assert.Equal(t, SevCritical, a.Severity)
	assert.Equal(t, SevCritical, a.ActiveSeverity)
	_, ok := sev.State("NIFTY", TypeInterpolationHigh)
	assert.False(t, ok)
}
