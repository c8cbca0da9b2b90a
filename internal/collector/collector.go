// Package collector drives the collection cycle: per enabled index it
// resolves expiries, filters and enriches the chain, classifies coverage
// and persists rows, then feeds the analytics guards and finalizes cycle
// metrics and artifacts.
package collector

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/g6io/g6/internal/adaptive"
	"github.com/g6io/g6/internal/analytics"
	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/expiry"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/optfilter"
	"github.com/g6io/g6/internal/provider"
	"github.com/g6io/g6/internal/snapshots"
	"github.com/g6io/g6/internal/storage"
)

// Options wires the orchestrator. Config, Provider, Filter, Sink and
// Registry are required; the rest degrade gracefully when nil.
type Options struct {
	Config   *config.Config
	Provider provider.Provider
	Filter   *optfilter.Filter
	Sink     storage.OptionsSink
	Snaps    *snapshots.Cache
	Registry *metrics.Registry
	Card     *metrics.Cardinality
	Engine   *adaptive.Engine
	Bus      *events.Bus
	Expiries *expiry.Service
	Now      func() time.Time
	// OnCycle runs after each cycle completes, before the inter-cycle
	// sleep. The status writer hangs off this hook.
	OnCycle func(*CycleOutcome)
}

// Orchestrator owns the cycle loop. All mutable cross-cycle state lives
// in atomic counters so a parallel-index cycle needs no extra locking.
type Orchestrator struct {
	cfg      *config.Config
	prov     provider.Provider
	filter   *optfilter.Filter
	sink     storage.OptionsSink
	snaps    *snapshots.Cache
	reg      *metrics.Registry
	card     *metrics.Cardinality
	engine   *adaptive.Engine
	bus      *events.Bus
	expiries *expiry.Service
	now      func() time.Time
	onCycle  func(*CycleOutcome)
	mem      *MemoryWatcher
	bench    *benchWriter

	cycle     atomic.Int64
	cyclesAll atomic.Int64
	cyclesOK  atomic.Int64
	apiCalls  atomic.Int64
	apiFails  atomic.Int64
}

func New(opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = istime.Now
	}
	svc := opts.Expiries
	if svc == nil {
		svc = expiry.NewService()
	}
	o := &Orchestrator{
		cfg:      opts.Config,
		prov:     opts.Provider,
		filter:   opts.Filter,
		sink:     opts.Sink,
		snaps:    opts.Snaps,
		reg:      opts.Registry,
		card:     opts.Card,
		engine:   opts.Engine,
		bus:      opts.Bus,
		expiries: svc,
		now:      now,
		onCycle:  opts.OnCycle,
		mem:      NewMemoryWatcher(opts.Config.Memory),
	}
	if dir := opts.Config.Collection.BenchmarkDir; dir != "" {
		o.bench = newBenchWriter(dir, opts.Config.Collection.BenchKeepN, opts.Config.Collection.BenchCompress, opts.Registry)
	}
	return o
}

// Run drives cycles until the context ends. RunOnce mode returns after
// the first cycle with its terminal error, if any.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		out := o.RunCycle(ctx)
		if o.onCycle != nil {
			o.onCycle(out)
		}
		if o.bus != nil {
			if reason, forced := o.bus.EnforceSnapshotGuard(); forced {
				log.Warn().Str("reason", reason).Int64("cycle", out.Cycle).Msg("snapshot guard fired after cycle")
			}
		}
		if o.cfg.Collection.RunOnce {
			return out.Err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(out.SleepSec * float64(time.Second))):
		}
	}
}

// RunCycle executes one full cycle and returns its outcome. Provider and
// persistence errors are recorded per expiry and never abort siblings;
// only a stale index under abort mode halts the cycle early.
func (o *Orchestrator) RunCycle(ctx context.Context) *CycleOutcome {
	cycle := o.cycle.Add(1)
	start := o.now()
	interval := o.cfg.Collection.Interval
	out := &CycleOutcome{
		Cycle:               cycle,
		Start:               start,
		Interval:            interval,
		PhaseTimes:          map[string]float64{},
		PhaseFailures:       map[string]int{},
		PartialReasonTotals: map[string]int{},
	}

	memMB, cpuPct, tier := o.mem.Sample()
	out.MemoryMB, out.CPUPct, out.MemoryTier = memMB, cpuPct, tier
	o.reg.Set(metrics.MMemoryUsageMB, memMB)
	o.reg.Set(metrics.MCPUUsagePct, cpuPct)
	o.reg.Set(metrics.MMemoryTier, float64(tier))
	flags := o.flagsFor(tier)
	if tier > TierNormal {
		log.Warn().Str("tier", tier.String()).Float64("memory_mb", memMB).
			Float64("scale", flags.scale).Msg("memory pressure scaling applied")
	}

	results := o.collectAll(ctx, cycle, flags)
	collectEnd := o.now()
	out.PhaseTimes["collect"] = collectEnd.Sub(start).Seconds()

	var views []analytics.OptionView
	aborted := false
	for _, r := range results {
		out.Indices = append(out.Indices, r.outcome)
		out.Options += r.outcome.Options
		views = append(views, r.views...)
		for _, rec := range r.outcome.Expiries {
			if rec.PartialReason != "" {
				out.PartialReasonTotals[rec.PartialReason]++
			}
		}
		if r.err != nil {
			out.PhaseFailures["collect"]++
		}
		if r.abort {
			aborted = true
			out.Err = r.err
		}
	}
	out.Status = CycleStatusOf(out.Indices)

	if !aborted && len(views) > 0 {
		o.runAnalytics(views, cycle, out)
	}
	if o.engine != nil {
		o.engine.EndCycle(cycle)
	}

	o.finalizeCycle(out, collectEnd)
	return out
}

// collectAll runs the per-index collection serially or under errgroup
// when parallel indices are enabled. Under abort mode a stale index
// cancels the remaining work; already-finished siblings keep their
// results.
func (o *Orchestrator) collectAll(ctx context.Context, cycle int64, flags cycleFlags) []indexResult {
	indices := o.cfg.EnabledIndices()
	results := make([]indexResult, len(indices))
	if o.cfg.Collection.ParallelIndices && len(indices) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := range indices {
			i := i
			g.Go(func() error {
				results[i] = o.collectIndex(gctx, indices[i], cycle, flags)
				if results[i].abort {
					return results[i].err
				}
				return nil
			})
		}
		_ = g.Wait()
		return results
	}
	for i := range indices {
		results[i] = o.collectIndex(ctx, indices[i], cycle, flags)
		if results[i].abort {
			return results[:i+1]
		}
	}
	return results
}

// runAnalytics builds the vol surface and risk aggregate from the cycle's
// option views and feeds the adaptive guards their observations.
func (o *Orchestrator) runAnalytics(views []analytics.OptionView, cycle int64, out *CycleOutcome) {
	start := o.now()
	defer func() {
		out.PhaseTimes["analytics"] = o.now().Sub(start).Seconds()
	}()
	ac := o.cfg.Analytics
	persistDir := ""
	if ac.VolSurfacePersist {
		persistDir = ac.ArtifactDir
	}
	if ac.VolSurface {
		surf, err := analytics.BuildSurface(views, analytics.SurfaceConfig{
			Edges:       ac.VolSurfaceBuckets,
			Interpolate: ac.VolSurfaceInterpolate,
			PerExpiry:   ac.VolSurfacePerExpiry,
			PersistDir:  persistDir,
			Compress:    ac.Compress,
			Registry:    o.reg,
			Now:         o.now,
		})
		if err != nil {
			out.PhaseFailures["analytics"]++
			log.Error().Err(err).Int64("cycle", cycle).Msg("vol surface build failed")
		} else if o.engine != nil {
			for index, frac := range surf.Meta.InterpFraction {
				o.engine.ObserveInterpolation(index, frac, cycle)
			}
		}
	}
	if ac.RiskAgg {
		agg, err := analytics.AggregateRisk(views, analytics.RiskConfig{
			Edges:         ac.RiskAggBuckets,
			PerIndex:      ac.RiskAggPerIndex,
			MultiplierFor: o.cfg.MultiplierFor,
			PersistDir:    persistDir,
			Compress:      ac.Compress,
			Registry:      o.reg,
			Now:           o.now,
		})
		if err != nil {
			out.PhaseFailures["analytics"]++
			log.Error().Err(err).Int64("cycle", cycle).Msg("risk aggregation failed")
		} else if o.engine != nil {
			o.engine.ObserveRisk(agg.Meta.DeltaNotional, agg.Meta.RowCount, cycle)
			o.engine.ObserveUtilization(adaptive.IndexGlobal, agg.Meta.BucketUtilization, cycle)
		}
	}
}

// finalizeCycle stamps durations and rates, emits the cycle metrics and
// writes the benchmark artifact when enabled.
func (o *Orchestrator) finalizeCycle(out *CycleOutcome, collectEnd time.Time) {
	end := o.now()
	out.Duration = end.Sub(out.Start)
	out.DurationS = out.Duration.Seconds()
	out.PhaseTimes["finalize"] = end.Sub(collectEnd).Seconds() - out.PhaseTimes["analytics"]
	if out.PhaseTimes["finalize"] < 0 {
		out.PhaseTimes["finalize"] = 0
	}

	all := o.cyclesAll.Add(1)
	ok := o.cyclesOK.Load()
	if out.Err == nil {
		ok = o.cyclesOK.Add(1)
	}
	out.SuccessRatePct = 100 * float64(ok) / float64(all)
	out.APISuccessRate = o.apiSuccessRate()

	intervalS := out.Interval.Seconds()
	if intervalS > 0 {
		out.OptionsPerMinute = float64(out.Options) * 60 / intervalS
	}
	out.SleepSec = intervalS - out.DurationS
	if out.SleepSec < 0 {
		out.SleepSec = 0
	}

	o.reg.Inc(metrics.MCycles, strings.ToLower(out.Status))
	o.reg.Observe(metrics.MCycleTime, out.DurationS)
	o.reg.Set(metrics.MCycleDuration, out.DurationS)
	if intervalS > 0 {
		o.reg.Set(metrics.MCyclesPerHour, 3600/intervalS)
	}
	o.reg.Set(metrics.MCycleSuccessRate, out.SuccessRatePct)
	o.reg.Set(metrics.MAPISuccessRate, out.APISuccessRate)
	if intervalS > 0 && out.DurationS > intervalS {
		o.reg.Inc(metrics.MCycleSLABreach)
	}

	if o.bench != nil {
		if _, err := o.bench.write(out); err != nil {
			out.PhaseFailures["finalize"]++
			log.Error().Err(err).Int64("cycle", out.Cycle).Msg("benchmark artifact write failed")
		}
	}

	evt := log.Info()
	if out.Err != nil {
		evt = log.Error().Err(out.Err)
	}
	evt.Int64("cycle", out.Cycle).
		Str("status", out.Status).
		Int("options", out.Options).
		Float64("duration_s", out.DurationS).
		Float64("sleep_s", out.SleepSec).
		Msg("cycle complete")
}

func (o *Orchestrator) apiSuccessRate() float64 {
	calls := o.apiCalls.Load()
	if calls == 0 {
		return 100
	}
	fails := o.apiFails.Load()
	return 100 * float64(calls-fails) / float64(calls)
}

// noteAPI tallies one provider call for the api_success_rate exposure.
func (o *Orchestrator) noteAPI(err error) {
	o.apiCalls.Add(1)
	if err != nil {
		o.apiFails.Add(1)
	}
}

// errStaleAbort halts the cycle when stale write mode is abort.
func errStaleAbort(index string) error {
	return errs.E(errs.KindCoverageLow, "stale index %s aborted the cycle", index)
}
