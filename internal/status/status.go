// Package status renders the per-cycle runtime status document, persists
// it atomically, and maintains the panel full/diff artifact stream that
// dashboards and the event bus consume.
package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/adaptive"
	"github.com/g6io/g6/internal/collector"
	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/provider"
)

// breakerStates is implemented by providers that wrap per-index circuit
// breakers, such as the failover decorator.
type breakerStates interface {
	BreakerState(index string) string
}

// Options wires a Writer. Everything except Config may be nil; absent
// collaborators simply drop out of the document.
type Options struct {
	Config   *config.Config
	Bus      *events.Bus
	Engine   *adaptive.Engine
	Registry *metrics.Registry
	Provider provider.Provider
	Now      func() time.Time
}

// Writer serializes cycle outcomes into the runtime status file and the
// panel artifact stream. One Writer per process; Write is safe for
// concurrent use although the orchestrator calls it from a single loop.
type Writer struct {
	cfg    *config.Config
	bus    *events.Bus
	engine *adaptive.Engine
	reg    *metrics.Registry
	prov   provider.Provider
	now    func() time.Time

	mu      sync.Mutex
	prev    map[string]any
	lastGen int64
	diffSeq int
}

// NewWriter builds a status writer from its collaborators.
func NewWriter(opts Options) *Writer {
	w := &Writer{
		cfg:    opts.Config,
		bus:    opts.Bus,
		engine: opts.Engine,
		reg:    opts.Registry,
		prov:   opts.Provider,
		now:    opts.Now,
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Write renders the document for a finished cycle, replaces the runtime
// status file atomically, updates the freshness marker, and emits the
// panel artifacts and bus events. Panel emission failures are logged,
// not returned; only a failed status file write is an error.
func (w *Writer) Write(out *collector.CycleOutcome) error {
	doc := w.build(out)
	if path := w.cfg.Status.RuntimeStatusPath; path != "" {
		if err := writeAtomic(path, doc); err != nil {
			return errs.Wrap(errs.KindPersistenceFail, "status.write", err)
		}
		stamp, _ := doc["timestamp"].(string)
		if err := os.WriteFile(path+".marker", []byte(stamp+"\n"), 0o644); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("status marker write failed")
		}
	}
	w.emitPanels(doc)
	return nil
}

// build assembles the status document. Values stay plain maps, slices
// and scalars so the panel differ can walk them.
func (w *Writer) build(out *collector.CycleOutcome) map[string]any {
	names := make([]string, 0, len(out.Indices))
	info := map[string]any{}
	detail := map[string]any{}
	for _, ix := range out.Indices {
		names = append(names, ix.Index)
		info[ix.Index] = map[string]any{
			"ltp":     ix.LTP,
			"options": ix.Options,
		}
		detail[ix.Index] = map[string]any{
			"status": ix.Status,
			"ltp":    ix.LTP,
		}
	}

	ready, reason := readiness(out)
	doc := map[string]any{
		"timestamp":          out.Start.UTC().Format(time.RFC3339),
		"cycle":              out.Cycle,
		"elapsed":            out.DurationS,
		"interval":           out.Interval.Seconds(),
		"sleep_sec":          out.SleepSec,
		"status":             out.Status,
		"indices":            names,
		"indices_info":       info,
		"indices_detail":     detail,
		"success_rate_pct":   out.SuccessRatePct,
		"options_per_minute": out.OptionsPerMinute,
		"api_success_rate":   out.APISuccessRate,
		"memory_mb":          out.MemoryMB,
		"cpu_pct":            out.CPUPct,
		"memory_tier":        int(out.MemoryTier),
		"ready":              ready,
		"health":             w.health(out),
	}
	if reason != "" {
		doc["readiness_reason"] = reason
	}
	if pi := w.providerInfo(); pi != nil {
		doc["provider"] = pi
	}
	if w.engine != nil {
		doc["adaptive"] = w.engine.Controller().Hysteresis()
		if tail := w.cfg.Status.AdaptiveAlertTail; tail > 0 {
			if alerts := w.engine.Recent(tail); len(alerts) > 0 {
				doc["adaptive_alerts"] = alerts
			}
		}
	}
	if w.bus != nil {
		doc["bus"] = map[string]any{
			"generation": w.bus.Generation(),
			"degraded":   w.bus.Degraded(),
		}
	}
	return doc
}

// readiness reduces a cycle outcome to a ready flag plus a reason for
// the not-ready cases.
func readiness(out *collector.CycleOutcome) (bool, string) {
	switch {
	case out.Err != nil:
		return false, "cycle_error"
	case out.Status == collector.StatusEmpty:
		return false, "no_data"
	case out.Status == collector.StatusStale:
		return false, "stale_data"
	}
	return true, ""
}

// health reports per-component condition strings keyed by component.
func (w *Writer) health(out *collector.CycleOutcome) map[string]any {
	h := map[string]any{}
	switch out.Status {
	case collector.StatusOK:
		h["collector"] = "ok"
	case collector.StatusPartial:
		h["collector"] = "degraded"
	case collector.StatusStale:
		h["collector"] = "stale"
	default:
		h["collector"] = "failed"
	}
	if w.bus != nil {
		if w.bus.Degraded() {
			h["events_bus"] = "degraded"
		} else {
			h["events_bus"] = "ok"
		}
	}
	if w.prov != nil {
		state := "ok"
		if bs, ok := w.prov.(breakerStates); ok && w.cfg != nil {
			for _, ix := range w.cfg.EnabledIndices() {
				if bs.BreakerState(ix.Name) != "closed" {
					state = "degraded"
					break
				}
			}
		}
		h["provider"] = state
	}
	return h
}

// providerInfo exposes the active provider name and, when the provider
// carries circuit breakers, their per-index states.
func (w *Writer) providerInfo() map[string]any {
	if w.prov == nil {
		return nil
	}
	pi := map[string]any{"name": w.prov.Name()}
	if bs, ok := w.prov.(breakerStates); ok && w.cfg != nil {
		states := map[string]any{}
		for _, ix := range w.cfg.EnabledIndices() {
			states[ix.Name] = bs.BreakerState(ix.Name)
		}
		if len(states) > 0 {
			pi["breakers"] = states
		}
	}
	return pi
}

// writeAtomic marshals the document and swaps it into place via a
// temp-file rename so readers never observe a torn file.
func writeAtomic(path string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
