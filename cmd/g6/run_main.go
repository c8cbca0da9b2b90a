package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/g6io/g6/internal/adaptive"
	"github.com/g6io/g6/internal/collector"
	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/httpapi"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/optfilter"
	"github.com/g6io/g6/internal/provider"
	"github.com/g6io/g6/internal/snapshots"
	"github.com/g6io/g6/internal/status"
	"github.com/g6io/g6/internal/storage"
)

const shutdownGrace = 5 * time.Second

// runtime holds every wired component of one process. Built once per
// invocation; close releases the sinks and cache connections.
type runtime struct {
	cfg      *config.Config
	reg      *metrics.Registry
	bus      *events.Bus
	engine   *adaptive.Engine
	failover *provider.Failover
	universe *provider.UniverseCache
	sink     storage.OptionsSink
	snaps    *snapshots.Cache
	writer   *status.Writer
	orch     *collector.Orchestrator
	srv      *httpapi.Server
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	reg := metrics.NewRegistry(metrics.Options{
		EnableGroups:         cfg.Metrics.EnableGroups,
		DisableGroups:        cfg.Metrics.DisableGroups,
		PerExpirySurface:     cfg.Analytics.VolSurfacePerExpiry,
		PerIndexRiskNotional: cfg.Analytics.RiskAggPerIndex,
		SamplingCounters:     cfg.Metrics.SamplingCounters,
	})
	for _, w := range cfg.Warnings {
		log.Warn().Str("detail", w).Msg("config value fell back to default")
	}

	bus := events.NewBus(events.Options{
		Capacity:       cfg.Events.Capacity,
		BacklogWarn:    cfg.Events.BacklogWarn,
		BacklogDegrade: cfg.Events.BacklogDegrade,
		SnapshotGapMax: cfg.Events.SnapshotGapMax,
		ForceFullRetry: time.Duration(cfg.Events.ForceFullRetrySecs) * time.Second,
		Retention:      time.Duration(cfg.Events.RetentionSecs) * time.Second,
		TraceEnabled:   cfg.Events.TraceEnabled,
		Controller: events.ControllerConfig{
			ExitRatio:       cfg.Degrade.ExitBacklogRatio,
			Window:          cfg.Degrade.ExitWindow,
			LatencyBudget:   cfg.Degrade.LatencyBudget,
			MinSamples:      cfg.Degrade.MinSamples,
			ReentryCooldown: cfg.Degrade.ReentryCooldown,
		},
		Registry: reg,
	})

	names := indexNames(cfg)

	engine := adaptive.NewEngine(adaptive.EngineOptions{
		Adaptive:  cfg.Adaptive,
		Followups: cfg.Followups,
		Indices:   names,
		Bus:       bus,
		Registry:  reg,
	})

	card := metrics.NewCardinality(reg, metrics.CardinalityOptions{
		Enabled:         cfg.Metrics.CardEnabled,
		ATMWindow:       cfg.Metrics.CardATMWindow,
		RatePerSec:      cfg.Metrics.CardRatePerSec,
		ChangeThreshold: cfg.Metrics.CardChangeThreshold,
	})
	card.SetDetailModeFunc(engine.Controller().DetailModeFor)

	failover := provider.NewFailover(provider.NewSim(), nil, provider.FailoverConfig{
		RPS:     cfg.Provider.RPS,
		Burst:   cfg.Provider.Burst,
		Timeout: cfg.Provider.Timeout,
		OnFailure: func(index string, kind errs.Kind) {
			reg.Inc(metrics.MProviderFailures, index, string(kind))
		},
	})
	universe := provider.NewUniverseCache(cfg.Provider.RedisAddr)
	prov := provider.NewCached(failover, universe, provider.NewInstrumentCache(0), reg)

	filter := optfilter.New(optfilter.Options{
		Mode:             optfilter.MatchMode(cfg.Filter.MatchMode),
		UnderlyingStrict: cfg.Filter.UnderlyingStrict,
		SafeMode:         cfg.Filter.SafeMode,
		RelaxEmptyMatch:  cfg.Collection.RelaxEmptyMatch,
		Roots:            names,
	})

	sinks := []storage.OptionsSink{storage.NewCSVSink(cfg.Storage.CSVDir, reg)}
	if cfg.Storage.PGDSN != "" {
		pg, err := storage.NewPGSink(storage.PGConfig{DSN: cfg.Storage.PGDSN}, reg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	sink := storage.NewMultiSink(reg, sinks...)

	snaps := snapshots.NewCache(cfg.HTTP.SnapshotCache, 0)

	rt := &runtime{
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		engine:   engine,
		failover: failover,
		universe: universe,
		sink:     sink,
		snaps:    snaps,
	}
	rt.writer = status.NewWriter(status.Options{
		Config:   cfg,
		Bus:      bus,
		Engine:   engine,
		Registry: reg,
		Provider: prov,
	})
	rt.orch = collector.New(collector.Options{
		Config:   cfg,
		Provider: prov,
		Filter:   filter,
		Sink:     sink,
		Snaps:    snaps,
		Registry: reg,
		Card:     card,
		Engine:   engine,
		Bus:      bus,
		OnCycle:  rt.onCycle,
	})
	rt.srv = httpapi.New(httpapi.Options{
		Config:   cfg,
		Bus:      bus,
		Registry: reg,
		Snaps:    snaps,
	})
	return rt, nil
}

func (rt *runtime) onCycle(out *collector.CycleOutcome) {
	for _, ix := range rt.cfg.EnabledIndices() {
		rt.reg.Set(metrics.MProviderBreaker, breakerValue(rt.failover.BreakerState(ix.Name)), ix.Name)
	}
	if err := rt.writer.Write(out); err != nil {
		log.Error().Err(err).Int64("cycle", out.Cycle).Msg("status write failed")
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

func (rt *runtime) close() {
	if err := rt.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("sink close failed")
	}
	if err := rt.universe.Close(); err != nil {
		log.Warn().Err(err).Msg("universe cache close failed")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if once, _ := cmd.Flags().GetBool("once"); once {
		cfg.Collection.RunOnce = true
	}
	if secs, _ := cmd.Flags().GetInt("interval"); secs > 0 {
		cfg.Collection.Interval = time.Duration(secs) * time.Second
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := rt.srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	log.Info().
		Strs("indices", indexNames(cfg)).
		Dur("interval", cfg.Collection.Interval).
		Bool("run_once", cfg.Collection.RunOnce).
		Msg("collection loop starting")

	runErr := rt.orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rt.srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := rt.srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return rt.srv.Shutdown(shutdownCtx)
}

func indexNames(cfg *config.Config) []string {
	enabled := cfg.EnabledIndices()
	out := make([]string, len(enabled))
	for i, ix := range enabled {
		out[i] = ix.Name
	}
	return out
}
