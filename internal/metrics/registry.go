// Package metrics owns the Prometheus surface. Metrics are declared once
// in a spec catalog and registered through group gating, so operators can
// trim cardinality with env lists instead of code changes.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Options controls group gating and the optional metric families.
type Options struct {
	// EnableGroups restricts controlled groups to this list when
	// non-empty. DisableGroups removes groups afterwards; always-on
	// groups ignore it.
	EnableGroups  []string
	DisableGroups []string

	PerExpirySurface     bool
	PerIndexRiskNotional bool
	SamplingCounters     bool
}

type entry struct {
	spec Spec
	coll prometheus.Collector
}

// Registry materializes the spec catalog against a private Prometheus
// registry. Reads after construction are lock-free on the hot path except
// for the byAttr lookup, which uses an RWMutex because lazy registration
// and pruning mutate it.
type Registry struct {
	prom *prometheus.Registry
	opts Options

	mu      sync.RWMutex
	allowed map[string]bool
	byAttr  map[string]*entry
	groups  map[string]string
	warned  map[string]bool

	lazyOnce sync.Once
}

// NewRegistry walks the catalog, registering every spec whose predicate
// holds and whose group survives gating, then runs the recovery pass.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		prom:    prometheus.NewRegistry(),
		opts:    opts,
		byAttr:  make(map[string]*entry),
		groups:  make(map[string]string),
		warned:  make(map[string]bool),
		allowed: effectiveGroups(opts.EnableGroups, opts.DisableGroups),
	}

	registered, skipped := 0, 0
	for _, spec := range specCatalog() {
		r.groups[spec.Attr] = spec.Group
		if spec.Lazy {
			continue
		}
		if !r.admitted(spec) {
			skipped++
			continue
		}
		if err := r.register(spec); err != nil {
			log.Error().Err(err).Str("metric", spec.Name).Msg("metric registration failed")
			continue
		}
		registered++
	}
	r.recoveryPass()

	log.Info().
		Int("registered", registered).
		Int("gated", skipped).
		Strs("enable", opts.EnableGroups).
		Strs("disable", opts.DisableGroups).
		Msg("metrics registry initialized")
	return r
}

// effectiveGroups computes the allowed controlled-group set: the enable
// list intersected with controlled groups when non-empty, otherwise all
// controlled groups, minus the disable list. Always-on groups are handled
// separately in admitted.
func effectiveGroups(enable, disable []string) map[string]bool {
	controlled := make(map[string]bool)
	for _, spec := range specCatalog() {
		if spec.Group != "" && !AlwaysOnGroups[spec.Group] {
			controlled[spec.Group] = true
		}
	}

	effective := make(map[string]bool)
	if len(enable) > 0 {
		for _, g := range enable {
			if controlled[g] {
				effective[g] = true
			}
		}
	} else {
		for g := range controlled {
			effective[g] = true
		}
	}
	for _, g := range disable {
		delete(effective, g)
	}
	return effective
}

func (r *Registry) admitted(spec Spec) bool {
	if spec.Predicate != nil && !spec.Predicate(r.opts) {
		return false
	}
	return r.groupAllowed(spec.Group)
}

func (r *Registry) groupAllowed(group string) bool {
	if group == "" || AlwaysOnGroups[group] {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[group]
}

func buildCollector(spec Spec) prometheus.Collector {
	switch spec.Kind {
	case KindCounter:
		opts := prometheus.CounterOpts{Name: spec.Name, Help: spec.Help}
		if len(spec.Labels) > 0 {
			return prometheus.NewCounterVec(opts, spec.Labels)
		}
		return prometheus.NewCounter(opts)
	case KindGauge:
		opts := prometheus.GaugeOpts{Name: spec.Name, Help: spec.Help}
		if len(spec.Labels) > 0 {
			return prometheus.NewGaugeVec(opts, spec.Labels)
		}
		return prometheus.NewGauge(opts)
	case KindHistogram:
		opts := prometheus.HistogramOpts{Name: spec.Name, Help: spec.Help, Buckets: spec.Buckets}
		if len(spec.Labels) > 0 {
			return prometheus.NewHistogramVec(opts, spec.Labels)
		}
		return prometheus.NewHistogram(opts)
	case KindSummary:
		opts := prometheus.SummaryOpts{Name: spec.Name, Help: spec.Help, Objectives: spec.Objectives}
		if len(spec.Labels) > 0 {
			return prometheus.NewSummaryVec(opts, spec.Labels)
		}
		return prometheus.NewSummary(opts)
	}
	return nil
}

func (r *Registry) register(spec Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAttr[spec.Attr]; ok {
		return nil
	}
	coll := buildCollector(spec)
	if coll == nil {
		return fmt.Errorf("unknown metric kind %q for %s", spec.Kind, spec.Attr)
	}
	if err := r.prom.Register(coll); err != nil {
		return err
	}
	r.byAttr[spec.Attr] = &entry{spec: spec, coll: coll}
	return nil
}

// EnsureLazy registers the lazily declared specs (the event-bus family).
// The bus calls it once on first publish.
func (r *Registry) EnsureLazy() {
	r.lazyOnce.Do(func() {
		for _, spec := range specCatalog() {
			if !spec.Lazy || !r.admitted(spec) {
				continue
			}
			if err := r.register(spec); err != nil {
				log.Warn().Err(err).Str("metric", spec.Name).Msg("lazy metric registration failed")
			}
		}
	})
}

// recoveryPass force-registers the fallback metrics that remediation paths
// write unconditionally: losing them to gating would hide exactly the
// signals needed during an incident.
func (r *Registry) recoveryPass() {
	r.forceRegister(MPanelDiffTruncated)
	if r.groupAllowed(GroupVolSurface) {
		r.forceRegister(MSurfaceQualityScore)
	}
	r.forceRegister(MEventsLastFullUnix)
	r.Set(MEventsLastFullUnix, float64(time.Now().Unix()))
}

func (r *Registry) forceRegister(attr string) {
	for _, spec := range specCatalog() {
		if spec.Attr != attr {
			continue
		}
		if err := r.register(spec); err != nil {
			log.Warn().Err(err).Str("metric", spec.Name).Msg("recovery registration failed")
		}
		return
	}
}

// Prune unregisters every collector belonging to the given controlled
// groups and blocks their future lazy registration. Always-on groups are
// refused. Returns the number of collectors removed.
func (r *Registry) Prune(groups ...string) int {
	removed := 0
	for _, g := range groups {
		if g == "" || AlwaysOnGroups[g] {
			log.Warn().Str("group", g).Msg("refusing to prune always-on metric group")
			continue
		}
		r.mu.Lock()
		for attr, e := range r.byAttr {
			if e.spec.Group != g {
				continue
			}
			if r.prom.Unregister(e.coll) {
				delete(r.byAttr, attr)
				removed++
			}
		}
		delete(r.allowed, g)
		r.mu.Unlock()
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Strs("groups", groups).Msg("pruned metric groups")
	}
	return removed
}

// GroupOf reports the gating group an attr was declared under.
func (r *Registry) GroupOf(attr string) (string, bool) {
	g, ok := r.groups[attr]
	return g, ok
}

// MetricGroups returns a copy of the attr → group membership map.
func (r *Registry) MetricGroups() map[string]string {
	out := make(map[string]string, len(r.groups))
	for k, v := range r.groups {
		out[k] = v
	}
	return out
}

// Registered reports whether attr currently has a live collector.
func (r *Registry) Registered(attr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAttr[attr]
	return ok
}

func (r *Registry) lookup(attr string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAttr[attr]
	return e, ok
}

// warnOnce logs a misuse (bad labels, wrong kind) a single time per attr
// so a hot loop cannot flood the log.
func (r *Registry) warnOnce(attr, what string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[attr] {
		return
	}
	r.warned[attr] = true
	log.Warn().Err(err).Str("metric", attr).Msg(what)
}

// Inc adds one to a counter or gauge attr. Unregistered attrs are no-ops,
// which is what makes group gating transparent to call sites.
func (r *Registry) Inc(attr string, lvs ...string) {
	r.Add(attr, 1, lvs...)
}

// Add adds v to a counter or gauge attr.
func (r *Registry) Add(attr string, v float64, lvs ...string) {
	e, ok := r.lookup(attr)
	if !ok {
		return
	}
	switch e.spec.Kind {
	case KindCounter:
		if v < 0 {
			r.warnOnce(attr, "negative add on counter", nil)
			return
		}
		if len(e.spec.Labels) > 0 {
			m, err := e.coll.(*prometheus.CounterVec).GetMetricWithLabelValues(lvs...)
			if err != nil {
				r.warnOnce(attr, "counter label mismatch", err)
				return
			}
			m.Add(v)
			return
		}
		e.coll.(prometheus.Counter).Add(v)
	case KindGauge:
		if len(e.spec.Labels) > 0 {
			m, err := e.coll.(*prometheus.GaugeVec).GetMetricWithLabelValues(lvs...)
			if err != nil {
				r.warnOnce(attr, "gauge label mismatch", err)
				return
			}
			m.Add(v)
			return
		}
		e.coll.(prometheus.Gauge).Add(v)
	default:
		r.warnOnce(attr, "add on non-additive metric", nil)
	}
}

// Set sets a gauge attr.
func (r *Registry) Set(attr string, v float64, lvs ...string) {
	e, ok := r.lookup(attr)
	if !ok {
		return
	}
	if e.spec.Kind != KindGauge {
		r.warnOnce(attr, "set on non-gauge metric", nil)
		return
	}
	if len(e.spec.Labels) > 0 {
		m, err := e.coll.(*prometheus.GaugeVec).GetMetricWithLabelValues(lvs...)
		if err != nil {
			r.warnOnce(attr, "gauge label mismatch", err)
			return
		}
		m.Set(v)
		return
	}
	e.coll.(prometheus.Gauge).Set(v)
}

// Observe records v into a histogram or summary attr.
func (r *Registry) Observe(attr string, v float64, lvs ...string) {
	e, ok := r.lookup(attr)
	if !ok {
		return
	}
	switch e.spec.Kind {
	case KindHistogram:
		if len(e.spec.Labels) > 0 {
			m, err := e.coll.(*prometheus.HistogramVec).GetMetricWithLabelValues(lvs...)
			if err != nil {
				r.warnOnce(attr, "histogram label mismatch", err)
				return
			}
			m.Observe(v)
			return
		}
		e.coll.(prometheus.Histogram).Observe(v)
	case KindSummary:
		if len(e.spec.Labels) > 0 {
			m, err := e.coll.(*prometheus.SummaryVec).GetMetricWithLabelValues(lvs...)
			if err != nil {
				r.warnOnce(attr, "summary label mismatch", err)
				return
			}
			m.Observe(v)
			return
		}
		e.coll.(prometheus.Summary).Observe(v)
	default:
		r.warnOnce(attr, "observe on non-sampling metric", nil)
	}
}

// Value reads the current value of an attr: counter and gauge values, and
// sample counts for histograms and summaries. Used by the status writer
// and by tests; returns 0 for unregistered attrs.
func (r *Registry) Value(attr string, lvs ...string) float64 {
	e, ok := r.lookup(attr)
	if !ok {
		return 0
	}
	m, ok := r.metricFor(e, lvs...)
	if !ok {
		return 0
	}
	pb := &io_prometheus_client.Metric{}
	if err := m.Write(pb); err != nil {
		return 0
	}
	switch e.spec.Kind {
	case KindCounter:
		return pb.GetCounter().GetValue()
	case KindGauge:
		return pb.GetGauge().GetValue()
	case KindHistogram:
		return float64(pb.GetHistogram().GetSampleCount())
	case KindSummary:
		return float64(pb.GetSummary().GetSampleCount())
	}
	return 0
}

func (r *Registry) metricFor(e *entry, lvs ...string) (prometheus.Metric, bool) {
	if len(e.spec.Labels) == 0 {
		m, ok := e.coll.(prometheus.Metric)
		return m, ok
	}
	switch vec := e.coll.(type) {
	case *prometheus.CounterVec:
		m, err := vec.GetMetricWithLabelValues(lvs...)
		if err != nil {
			return nil, false
		}
		return m, true
	case *prometheus.GaugeVec:
		m, err := vec.GetMetricWithLabelValues(lvs...)
		if err != nil {
			return nil, false
		}
		return m, true
	case *prometheus.HistogramVec:
		o, err := vec.GetMetricWithLabelValues(lvs...)
		if err != nil {
			return nil, false
		}
		m, ok := o.(prometheus.Metric)
		return m, ok
	case *prometheus.SummaryVec:
		o, err := vec.GetMetricWithLabelValues(lvs...)
		if err != nil {
			return nil, false
		}
		m, ok := o.(prometheus.Metric)
		return m, ok
	}
	return nil, false
}

// Timer measures one phase into a histogram attr.
type Timer struct {
	r     *Registry
	attr  string
	start time.Time
	lvs   []string
}

// StartTimer begins timing; Stop records the elapsed seconds.
func (r *Registry) StartTimer(attr string, lvs ...string) *Timer {
	return &Timer{r: r, attr: attr, start: time.Now(), lvs: lvs}
}

// Stop observes the elapsed time and returns it in seconds.
func (t *Timer) Stop() float64 {
	elapsed := time.Since(t.start).Seconds()
	t.r.Observe(t.attr, elapsed, t.lvs...)
	return elapsed
}

// Handler exposes this registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying gatherer for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// Catalog writes the generated metric catalog: one line per spec with
// exposed name, kind, gating group, labels and help text.
func (r *Registry) Catalog(w io.Writer) error {
	specs := specCatalog()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	for _, spec := range specs {
		group := spec.Group
		if group == "" {
			group = "core"
		}
		state := "registered"
		if !r.Registered(spec.Attr) {
			if spec.Lazy {
				state = "lazy"
			} else {
				state = "gated"
			}
		}
		labels := ""
		if len(spec.Labels) > 0 {
			labels = "{" + strings.Join(spec.Labels, ",") + "}"
		}
		if _, err := fmt.Fprintf(w, "%-52s %-9s %-22s %-10s %s%s\n",
			spec.Name, spec.Kind, group, state, spec.Help, labels); err != nil {
			return err
		}
	}
	return nil
}
