package adaptive

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

type emission struct {
	severity string
	at       time.Time
}

type weighted struct {
	at     time.Time
	weight float64
}

// Dispatcher sits between the guards and the bus. It suppresses repeats
// within the window unless severity strictly escalates, tracks weighted
// pressure over a rolling window, and retains a bounded recent buffer
// for the status writer.
type Dispatcher struct {
	enabled  bool
	suppress time.Duration
	weights  map[string]map[string]float64
	window   time.Duration
	keepN    int

	sev *SeverityEngine
	bus *events.Bus
	reg *metrics.Registry
	now func() time.Time

	mu        sync.Mutex
	last      map[string]emission
	pressure  []weighted
	recent    []Alert
	cycleHits int
}

func NewDispatcher(cfg config.FollowupsConfig, sev *SeverityEngine, bus *events.Bus, reg *metrics.Registry, now func() time.Time) *Dispatcher {
	if now == nil {
		now = istime.Now
	}
	weights := cfg.Weights
	if weights == nil {
		weights = config.DefaultFollowupWeights()
	}
	keepN := cfg.RecentBuffer
	if keepN <= 0 {
		keepN = 200
	}
	return &Dispatcher{
		enabled:  cfg.Enabled,
		suppress: time.Duration(cfg.SuppressSeconds) * time.Second,
		weights:  weights,
		window:   cfg.WeightWindow,
		keepN:    keepN,
		sev:      sev,
		bus:      bus,
		reg:      reg,
		now:      now,
		last:     make(map[string]emission),
	}
}

// Dispatch enriches and emits one alert. Returns false when the alert was
// suppressed or the dispatcher is disabled. A strictly higher severity
// than the last emission for the same (index, type) bypasses suppression.
func (d *Dispatcher) Dispatch(a *Alert, cycle int64) bool {
	if a == nil || !d.enabled {
		return false
	}
	d.sev.Enrich(a)
	now := d.now()
	key := a.key()

	d.mu.Lock()
	if prev, ok := d.last[key]; ok && d.suppress > 0 &&
		now.Sub(prev.at) < d.suppress && severityRank(a.Severity) <= severityRank(prev.severity) {
		d.mu.Unlock()
		if d.reg != nil {
			d.reg.Inc(metrics.MFollowupsSuppressed, a.Type)
		}
		return false
	}

	a.TS = istime.Format(now)
	a.Cycle = cycle
	a.Weight = d.weightFor(a.Type, a.Severity)
	d.last[key] = emission{severity: a.Severity, at: now}

	d.prunePressureLocked(now)
	d.pressure = append(d.pressure, weighted{at: now, weight: a.Weight})
	pressure := d.sumPressureLocked()

	d.recent = append(d.recent, *a)
	if len(d.recent) > d.keepN {
		d.recent = d.recent[len(d.recent)-d.keepN:]
	}
	d.cycleHits++
	d.mu.Unlock()

	if d.reg != nil {
		d.reg.Inc(metrics.MFollowupsEmitted, a.Type, a.Severity)
		d.reg.Set(metrics.MFollowupsPressure, pressure)
	}
	d.publish(a, pressure)
	return true
}

func (d *Dispatcher) weightFor(alertType, severity string) float64 {
	if bySev, ok := d.weights[alertType]; ok {
		if w, ok := bySev[severity]; ok {
			return w
		}
	}
	return 1
}

func (d *Dispatcher) publish(a *Alert, pressure float64) {
	if d.bus == nil {
		return
	}
	idx := a.Index
	if idx == "" {
		idx = IndexGlobal
	}
	payload := map[string]any{
		"alert":           a,
		"severity":        a.Severity,
		"active_severity": a.ActiveSeverity,
		"severity_counts": d.sev.Counts(),
		"cycle":           a.Cycle,
		"weight":          a.Weight,
		"weight_pressure": pressure,
	}
	if _, err := d.bus.Publish(TypeFollowupAlert, payload,
		events.WithCoalesceKey("followup:"+idx+":"+a.Type)); err != nil {
		log.Error().Err(err).Str("type", a.Type).Str("index", idx).Msg("followup publish failed")
	}
}

// WeightPressure prunes the rolling window and returns the weighted sum.
func (d *Dispatcher) WeightPressure() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prunePressureLocked(d.now())
	p := d.sumPressureLocked()
	if d.reg != nil {
		d.reg.Set(metrics.MFollowupsPressure, p)
	}
	return p
}

func (d *Dispatcher) prunePressureLocked(now time.Time) {
	if d.window <= 0 {
		return
	}
	cut := 0
	for cut < len(d.pressure) && now.Sub(d.pressure[cut].at) >= d.window {
		cut++
	}
	if cut > 0 {
		d.pressure = d.pressure[cut:]
	}
}

func (d *Dispatcher) sumPressureLocked() float64 {
	total := 0.0
	for _, w := range d.pressure {
		total += w.weight
	}
	return total
}

// Recent returns up to n retained alerts, newest last.
func (d *Dispatcher) Recent(n int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.recent) {
		n = len(d.recent)
	}
	out := make([]Alert, n)
	copy(out, d.recent[len(d.recent)-n:])
	return out
}

// TakeCycleEmissions returns the emissions since the last call and
// resets the counter; the engine uses it to judge cycle health.
func (d *Dispatcher) TakeCycleEmissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.cycleHits
	d.cycleHits = 0
	return n
}
