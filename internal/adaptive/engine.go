// Package adaptive implements the feedback loop between the analytics
// builders and the metrics surface: guards watch interpolation fraction,
// risk delta drift and bucket utilization; alerts flow through severity
// enrichment and the follow-up dispatcher onto the event bus; sustained
// pressure demotes the per-option detail mode, and sustained calm
// promotes it back one step at a time.
package adaptive

import (
	"math"
	"time"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

// Alert types raised by the guards.
const (
	TypeInterpolationHigh = "interpolation_high"
	TypeRiskDeltaDrift    = "risk_delta_drift"
	TypeBucketUtilLow     = "bucket_util_low"
)

// Severity levels in escalation order.
const (
	SevInfo     = "info"
	SevWarn     = "warn"
	SevCritical = "critical"
)

// Event types published by the severity engine and dispatcher.
const (
	TypeFollowupAlert  = "followup_alert"
	TypeSeverityState  = "severity_state"
	TypeSeverityCounts = "severity_counts"
)

// IndexGlobal stands in for the index dimension on alerts that aggregate
// across indices, such as risk drift.
const IndexGlobal = "global"

// Alert is one guard finding. Severity and ActiveSeverity are filled by
// the severity engine; Cycle and Weight by the dispatcher.
type Alert struct {
	Type           string  `json:"type"`
	Index          string  `json:"index,omitempty"`
	Message        string  `json:"message"`
	Severity       string  `json:"severity,omitempty"`
	ActiveSeverity string  `json:"active_severity,omitempty"`
	TS             string  `json:"ts,omitempty"`
	Cycle          int64   `json:"cycle,omitempty"`
	Weight         float64 `json:"weight,omitempty"`

	InterpolatedFraction float64 `json:"interpolated_fraction,omitempty"`
	DriftPct             float64 `json:"drift_pct,omitempty"`
	Sign                 string  `json:"sign,omitempty"`
	Utilization          float64 `json:"utilization,omitempty"`
}

// primary returns the numeric the severity rules grade the alert on.
func (a *Alert) primary() float64 {
	switch a.Type {
	case TypeInterpolationHigh:
		return a.InterpolatedFraction
	case TypeRiskDeltaDrift:
		return math.Abs(a.DriftPct)
	case TypeBucketUtilLow:
		return a.Utilization
	}
	return 0
}

// key is the suppression and severity-state identity of the alert.
func (a *Alert) key() string {
	idx := a.Index
	if idx == "" {
		idx = IndexGlobal
	}
	return idx + "|" + a.Type
}

func severityRank(s string) int {
	switch s {
	case SevCritical:
		return 2
	case SevWarn:
		return 1
	default:
		return 0
	}
}

// Engine wires guards, severity, dispatcher and controller into the
// per-cycle surface the collector drives.
type Engine struct {
	interp *InterpolationGuard
	drift  *RiskDriftGuard
	util   *BucketUtilGuard
	disp   *Dispatcher
	ctrl   *Controller

	demoteThreshold float64
}

// EngineOptions carries the collaborators an Engine needs. Clock is a
// test hook; nil means IST wall time.
type EngineOptions struct {
	Adaptive  config.AdaptiveConfig
	Followups config.FollowupsConfig
	Indices   []string
	Bus       *events.Bus
	Registry  *metrics.Registry
	Clock     func() time.Time
}

// NewEngine builds the full adaptive loop from configuration.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Bus == nil {
		opts.Bus = events.Default()
	}
	if opts.Registry == nil {
		opts.Registry = metrics.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = istime.Now
	}
	sev := NewSeverityEngine(opts.Adaptive, opts.Bus, opts.Registry, clock)
	disp := NewDispatcher(opts.Followups, sev, opts.Bus, opts.Registry, clock)
	return &Engine{
		interp:          NewInterpolationGuard(opts.Adaptive, opts.Registry),
		drift:           NewRiskDriftGuard(opts.Adaptive, opts.Registry),
		util:            NewBucketUtilGuard(opts.Adaptive, opts.Registry),
		disp:            disp,
		ctrl:            NewController(opts.Adaptive, opts.Indices, opts.Registry),
		demoteThreshold: opts.Followups.DemoteThreshold,
	}
}

// ObserveInterpolation feeds one surface build result for an index.
func (e *Engine) ObserveInterpolation(index string, fraction float64, cycle int64) {
	if a := e.interp.Record(index, fraction); a != nil {
		e.disp.Dispatch(a, cycle)
	}
}

// ObserveRisk feeds one risk aggregation result.
func (e *Engine) ObserveRisk(deltaNotional float64, rowCount int, cycle int64) {
	if a := e.drift.Record(deltaNotional, rowCount); a != nil {
		e.disp.Dispatch(a, cycle)
	}
}

// ObserveUtilization feeds one bucket-utilization sample.
func (e *Engine) ObserveUtilization(index string, utilization float64, cycle int64) {
	if a := e.util.Record(index, utilization); a != nil {
		e.disp.Dispatch(a, cycle)
	}
}

// EndCycle settles the cycle: weight pressure above the demote threshold
// steps the detail mode toward agg, an alert-free cycle counts toward
// promotion, and an alerting one merely resets the healthy streak.
func (e *Engine) EndCycle(cycle int64) {
	pressure := e.disp.WeightPressure()
	emitted := e.disp.TakeCycleEmissions()
	switch {
	case e.demoteThreshold > 0 && pressure >= e.demoteThreshold:
		e.ctrl.Demote("followups_weight", cycle)
	case emitted == 0:
		e.ctrl.CycleHealthy(cycle)
	default:
		e.ctrl.CycleUnhealthy()
	}
}

// Controller exposes the detail-mode controller for the cardinality
// manager and the status writer.
func (e *Engine) Controller() *Controller { return e.ctrl }

// Recent returns up to n most recent alerts, newest last.
func (e *Engine) Recent(n int) []Alert { return e.disp.Recent(n) }

// WeightPressure returns the current rolling weighted pressure.
func (e *Engine) WeightPressure() float64 { return e.disp.WeightPressure() }

// SeverityCounts returns the active severity tally by level.
func (e *Engine) SeverityCounts() map[string]int { return e.disp.sev.Counts() }
