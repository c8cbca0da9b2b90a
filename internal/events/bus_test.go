package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/metrics"
)

func newTestBus(t *testing.T, opts Options) (*Bus, *metrics.Registry, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	reg := metrics.NewRegistry(metrics.Options{})
	opts.Registry = reg
	opts.Now = clk.Now
	if opts.Controller.Now == nil {
		opts.Controller.Now = clk.Now
	}
	return NewBus(opts), reg, clk
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	bus, _, _ := newTestBus(t, Options{Capacity: 64})

	var prev int64
	for i := 0; i < 10; i++ {
		ev, err := bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
		assert.Greater(t, ev.ID, prev)
		prev = ev.ID
	}

	got := bus.GetSince(0, 0)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ID, got[i-1].ID)
	}
}

func TestPublishRejectsInvalid(t *testing.T) {
	bus, _, _ := newTestBus(t, Options{Capacity: 64})

	_, err := bus.Publish("", map[string]any{"a": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidEvent)
	assert.True(t, errs.IsKind(err, errs.KindInputInvalid))

	_, err = bus.Publish("misc", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidEvent)

	assert.Zero(t, bus.Stats().LatestID, "failed publishes must not consume ids")
}

func TestCoalesceKeepsLatest(t *testing.T) {
	bus, reg, _ := newTestBus(t, Options{Capacity: 64})

	for i := 1; i <= 3; i++ {
		_, err := bus.Publish(TypePanelFull, map[string]any{"v": i}, WithCoalesceKey(TypePanelFull))
		require.NoError(t, err)
		_, err = bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}

	var fulls []*Event
	for _, ev := range bus.GetSince(0, 0) {
		if ev.Type == TypePanelFull {
			fulls = append(fulls, ev)
		}
	}
	require.Len(t, fulls, 1, "at most one live event per coalesce key")
	assert.EqualValues(t, 3, fulls[0].Payload["v"])

	st := bus.Stats()
	assert.EqualValues(t, 2, st.Coalesced[TypePanelFull])
	assert.Equal(t, 4, st.Backlog)
	assert.EqualValues(t, 2, reg.Value(metrics.MEventsCoalesced, TypePanelFull))
	assert.EqualValues(t, 3, reg.Value(metrics.MEventsPublished, TypePanelFull))
}

func TestGenerationStamping(t *testing.T) {
	bus, _, _ := newTestBus(t, Options{Capacity: 64})

	ev, err := bus.Publish("misc", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.EqualValues(t, 0, ev.Payload["_generation"])
	assert.EqualValues(t, 0, bus.Generation())

	full1, err := bus.Publish(TypePanelFull, map[string]any{"snap": 1}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)
	assert.EqualValues(t, 0, full1.Payload["_generation"])
	assert.EqualValues(t, 1, bus.Generation(), "panel_full increments generation exactly once")

	diff, err := bus.Publish(TypePanelDiff, map[string]any{"changed": 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, diff.Payload["_generation"])
	assert.EqualValues(t, 1, bus.Generation(), "panel_diff must not advance generation")

	full2, err := bus.Publish(TypePanelFull, map[string]any{"snap": 2}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)
	assert.EqualValues(t, 1, full2.Payload["_generation"])
	assert.EqualValues(t, 2, bus.Generation())
}

func TestLatestFullSnapshotCopies(t *testing.T) {
	bus, _, _ := newTestBus(t, Options{Capacity: 64})

	_, _, ok := bus.LatestFullSnapshot()
	assert.False(t, ok)

	_, err := bus.Publish(TypePanelFull, map[string]any{"snap": 7}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)

	snap, gen, ok := bus.LatestFullSnapshot()
	require.True(t, ok)
	assert.EqualValues(t, 0, gen)
	assert.EqualValues(t, 7, snap["snap"])
	assert.Contains(t, snap, "publish_unixtime")

	snap["snap"] = 999
	again, _, _ := bus.LatestFullSnapshot()
	assert.EqualValues(t, 7, again["snap"], "returned snapshot must be a copy")
}

func TestTimestampISTAndOverride(t *testing.T) {
	bus, _, clk := newTestBus(t, Options{Capacity: 64})

	ev, err := bus.Publish("misc", map[string]any{"a": 1})
	require.NoError(t, err)
	parsed, err := time.Parse(time.RFC3339, ev.Timestamp)
	require.NoError(t, err)
	_, offset := parsed.Zone()
	assert.Equal(t, 5*3600+1800, offset, "timestamps are IST")
	assert.True(t, parsed.Equal(clk.Now()))

	ev, err = bus.Publish("misc", map[string]any{"a": 2}, WithTimestamp("2025-05-12T09:15:00+05:30"))
	require.NoError(t, err)
	assert.Equal(t, "2025-05-12T09:15:00+05:30", ev.Timestamp)
}

func TestTraceAndSerializedLen(t *testing.T) {
	bus, _, clk := newTestBus(t, Options{Capacity: 64, TraceEnabled: true})

	ev, err := bus.Publish(TypePanelFull, map[string]any{"snap": 1}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)

	require.NotEmpty(t, ev.Serialized)
	assert.True(t, json.Valid(ev.Serialized))

	slen, ok := ev.Payload["_serialized_len"].(int)
	require.True(t, ok)
	assert.Equal(t, len(ev.Serialized), slen)

	assert.EqualValues(t, clk.Now().Unix(), ev.Payload["publish_unixtime"])

	trace, ok := ev.Payload["_trace"].(map[string]any)
	require.True(t, ok, "trace stamp enabled")
	assert.NotEmpty(t, trace["id"])
	assert.EqualValues(t, clk.Now().Unix(), trace["publish_ts"])

	// Trace stays off for non-panel types.
	ev, err = bus.Publish("misc", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.NotContains(t, ev.Payload, "_trace")
	assert.NotContains(t, ev.Payload, "publish_unixtime")
}

func TestSerializeCacheDedupe(t *testing.T) {
	c := newSerializeCache(4)

	b1, err := c.serialize("misc", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	b2, err := c.serialize("misc", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "canonical form is key-order independent")

	st := c.stats()
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)

	// Same content under a different type is a distinct entry.
	_, err = c.serialize("other", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.stats().Misses)
}

func TestSerializeCacheEvicts(t *testing.T) {
	c := newSerializeCache(2)
	for i := 0; i < 3; i++ {
		_, err := c.serialize("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.stats().Size)

	// Oldest entry was evicted; re-serializing it misses again.
	_, err := c.serialize("misc", map[string]any{"i": 0})
	require.NoError(t, err)
	assert.EqualValues(t, 4, c.stats().Misses)
}

func TestBusSerializeDedupeAcrossPublishes(t *testing.T) {
	bus, _, _ := newTestBus(t, Options{Capacity: 64})

	ev1, err := bus.Publish("severity_counts", map[string]any{"warn": 2, "critical": 0})
	require.NoError(t, err)
	ev2, err := bus.Publish("severity_counts", map[string]any{"warn": 2, "critical": 0})
	require.NoError(t, err)

	assert.Equal(t, ev1.Serialized, ev2.Serialized)
	st := bus.Stats().SerializeCache
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
}

func TestOverflowDropsOldest(t *testing.T) {
	bus, reg, _ := newTestBus(t, Options{Capacity: 16, BacklogWarn: 1000, BacklogDegrade: 1000})

	for i := 0; i < 20; i++ {
		_, err := bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}

	st := bus.Stats()
	assert.Equal(t, 16, st.Backlog)
	assert.Equal(t, 16, st.Highwater)
	assert.EqualValues(t, 5, st.OldestID)
	assert.EqualValues(t, 4, reg.Value(metrics.MEventsDropped, "overflow", "misc"))

	got := bus.GetSince(0, 0)
	require.Len(t, got, 16)
	assert.EqualValues(t, 5, got[0].ID)
}

func TestRetentionTrimsExpired(t *testing.T) {
	bus, reg, clk := newTestBus(t, Options{
		Capacity:       64,
		BacklogWarn:    1000,
		BacklogDegrade: 1000,
		Retention:      30 * time.Second,
	})

	for i := 0; i < 3; i++ {
		_, err := bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}
	clk.Advance(31 * time.Second)
	_, err := bus.Publish("misc", map[string]any{"i": 3})
	require.NoError(t, err)

	st := bus.Stats()
	assert.Equal(t, 1, st.Backlog)
	assert.EqualValues(t, 4, st.OldestID)
	assert.EqualValues(t, 3, reg.Value(metrics.MEventsDropped, "expired", "misc"))
}

func TestDegradedDiffDowngrade(t *testing.T) {
	bus, reg, _ := newTestBus(t, Options{Capacity: 32, BacklogWarn: 3, BacklogDegrade: 4})

	for i := 0; i < 3; i++ {
		_, err := bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}
	assert.False(t, bus.Degraded())

	ev, err := bus.Publish(TypePanelDiff, map[string]any{
		"alpha": 1, "beta": 2, "gamma": 3, "delta": 4, "epsilon": 5, "zeta": 6,
	})
	require.NoError(t, err)

	assert.True(t, bus.Degraded())
	assert.Equal(t, true, ev.Payload["degraded"])
	assert.Equal(t, "backpressure", ev.Payload["reason"])
	keys, ok := ev.Payload["orig_keys"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"alpha", "beta", "delta", "epsilon", "gamma"}, keys)
	assert.NotContains(t, ev.Payload, "zeta")

	assert.EqualValues(t, 1, reg.Value(metrics.MBackpressureEvents, "enter_degraded"))
	assert.EqualValues(t, 1, reg.Value(metrics.MEventsDegradedMode))

	// Fulls pass through untouched even while degraded.
	full, err := bus.Publish(TypePanelFull, map[string]any{"snap": 1}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)
	assert.EqualValues(t, 1, full.Payload["snap"])
}

func TestSnapshotGuardMissingBaseline(t *testing.T) {
	bus, reg, _ := newTestBus(t, Options{Capacity: 64})

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(TypePanelDiff, map[string]any{"i": i})
		require.NoError(t, err)
	}

	reason, forced := bus.EnforceSnapshotGuard()
	require.True(t, forced)
	assert.Equal(t, ReasonMissingBaseline, reason)

	var fulls []*Event
	for _, ev := range bus.GetSince(0, 0) {
		if ev.Type == TypePanelFull {
			fulls = append(fulls, ev)
		}
	}
	require.Len(t, fulls, 1, "exactly one forced panel_full")
	assert.Equal(t, ReasonMissingBaseline, fulls[0].Payload["forced_reason"])
	assert.EqualValues(t, 1, reg.Value(metrics.MEventsForcedFull, ReasonMissingBaseline))
	assert.Equal(t, ReasonMissingBaseline, bus.Stats().ForcedFullLast)
}

func TestSnapshotGuardGapCooldown(t *testing.T) {
	bus, reg, clk := newTestBus(t, Options{Capacity: 64, SnapshotGapMax: 10})

	_, err := bus.Publish(TypePanelFull, map[string]any{"snap": 1}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		_, err := bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}

	reason, forced := bus.EnforceSnapshotGuard()
	require.True(t, forced)
	assert.Equal(t, ReasonGapExceeded, reason)

	// Re-trigger the same reason inside the cooldown: suppressed.
	for i := 0; i < 11; i++ {
		_, err := bus.Publish("misc", map[string]any{"j": i})
		require.NoError(t, err)
	}
	_, forced = bus.EnforceSnapshotGuard()
	assert.False(t, forced)

	clk.Advance(31 * time.Second)
	reason, forced = bus.EnforceSnapshotGuard()
	require.True(t, forced)
	assert.Equal(t, ReasonGapExceeded, reason)
	assert.EqualValues(t, 2, reg.Value(metrics.MEventsForcedFull, ReasonGapExceeded))
}

func TestSnapshotGuardGenerationMismatch(t *testing.T) {
	bus, _, clk := newTestBus(t, Options{Capacity: 64})

	_, err := bus.Publish(TypePanelFull, map[string]any{"snap": 1}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)
	_, err = bus.Publish(TypePanelDiff, map[string]any{"changed": 1})
	require.NoError(t, err)

	_, forced := bus.EnforceSnapshotGuard()
	assert.False(t, forced, "diff carries the current generation")

	_, err = bus.Publish(TypePanelFull, map[string]any{"snap": 2}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)

	reason, forced := bus.EnforceSnapshotGuard()
	require.True(t, forced)
	assert.Equal(t, ReasonGenerationMismatch, reason)

	_, forced = bus.EnforceSnapshotGuard()
	assert.False(t, forced, "cooldown suppresses the repeat")

	// A fresh diff stamped with the current generation heals the stream.
	clk.Advance(31 * time.Second)
	_, err = bus.Publish(TypePanelDiff, map[string]any{"changed": 2})
	require.NoError(t, err)
	_, forced = bus.EnforceSnapshotGuard()
	assert.False(t, forced)
}

func TestGetSinceBounds(t *testing.T) {
	bus, _, _ := newTestBus(t, Options{Capacity: 64})
	for i := 0; i < 5; i++ {
		_, err := bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}

	got := bus.GetSince(2, 0)
	require.Len(t, got, 3)
	assert.EqualValues(t, 3, got[0].ID)

	got = bus.GetSince(2, 2)
	require.Len(t, got, 2)
	assert.EqualValues(t, 3, got[0].ID)
	assert.EqualValues(t, 4, got[1].ID)

	assert.Nil(t, bus.GetSince(5, 0))
	assert.Nil(t, bus.GetSince(99, 0))
}

func TestConsumerLifecycle(t *testing.T) {
	bus, reg, _ := newTestBus(t, Options{Capacity: 64})

	release1 := bus.ConsumerConnected()
	release2 := bus.ConsumerConnected()
	assert.Equal(t, 2, bus.Stats().Consumers)
	assert.EqualValues(t, 2, reg.Value(metrics.MEventsConsumers))

	release1()
	release1() // idempotent
	assert.Equal(t, 1, bus.Stats().Consumers)
	assert.EqualValues(t, 1, reg.Value(metrics.MEventsConsumers))
	assert.EqualValues(t, 1, reg.Value(metrics.MSSEConnDuration), "one duration observation")

	release2()
	assert.Equal(t, 0, bus.Stats().Consumers)
}

func TestBusAdaptiveExitClearsDegraded(t *testing.T) {
	bus, reg, clk := newTestBus(t, Options{
		Capacity:       32,
		BacklogWarn:    3,
		BacklogDegrade: 4,
		Retention:      2 * time.Second,
		Controller: ControllerConfig{
			ExitRatio:     0.4,
			Window:        5 * time.Second,
			LatencyBudget: time.Second,
			MinSamples:    3,
		},
	})

	for i := 0; i < 4; i++ {
		_, err := bus.Publish("misc", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.True(t, bus.Degraded())
	require.Equal(t, StateDegraded, bus.ControllerState())

	// Light publishing while old events age out: backlog ratio recovers,
	// the controller walks degraded -> exit_pending -> normal.
	for i := 1; i <= 7; i++ {
		clk.Advance(time.Second)
		_, err := bus.Publish("misc", map[string]any{"tick": i})
		require.NoError(t, err)
	}

	assert.False(t, bus.Degraded())
	assert.Equal(t, StateNormal, bus.ControllerState())
	assert.EqualValues(t, 1, reg.Value(metrics.MAdaptiveTransitions, "normal", "degraded"))
	assert.EqualValues(t, 1, reg.Value(metrics.MAdaptiveTransitions, "degraded", "exit_pending"))
	assert.EqualValues(t, 1, reg.Value(metrics.MAdaptiveTransitions, "exit_pending", "normal"))
	assert.EqualValues(t, 1, reg.Value(metrics.MBackpressureEvents, "adaptive_exit"))
	assert.EqualValues(t, 0, reg.Value(metrics.MEventsDegradedMode))
}

func TestStatsSnapshot(t *testing.T) {
	bus, _, clk := newTestBus(t, Options{Capacity: 64})

	_, err := bus.Publish(TypePanelFull, map[string]any{"snap": 1}, WithCoalesceKey(TypePanelFull))
	require.NoError(t, err)
	_, err = bus.Publish("misc", map[string]any{"a": 1})
	require.NoError(t, err)

	st := bus.Stats()
	assert.EqualValues(t, 2, st.LatestID)
	assert.EqualValues(t, 1, st.OldestID)
	assert.Equal(t, 2, st.Backlog)
	assert.Equal(t, 64, st.MaxEvents)
	assert.EqualValues(t, 1, st.Generation)
	assert.EqualValues(t, 1, st.Types[TypePanelFull])
	assert.EqualValues(t, 1, st.Types["misc"])
	assert.Equal(t, "normal", st.ControllerState)
	assert.Equal(t, clk.Now().Unix(), st.LastFullUnix)
	assert.EqualValues(t, 2, st.SerializeCache.Misses)
}

func TestDefaultBusSingleton(t *testing.T) {
	ResetForTests()
	metrics.ResetForTests()
	t.Cleanup(func() {
		ResetForTests()
		metrics.ResetForTests()
	})

	first := Default()
	assert.Same(t, first, Default(), "repeat access returns the same bus")

	_, err := first.Publish("misc", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Stats().Backlog)

	ResetForTests()
	fresh := Default()
	assert.NotSame(t, first, fresh, "reset forces a rebuild")
	assert.Zero(t, fresh.Stats().Backlog)
}
