package adaptive

import (
	"fmt"
	"math"
	"sync"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/metrics"
)

// InterpolationGuard raises interpolation_high when an index's surface
// stays above the interpolated-fraction threshold for a streak of cycles.
type InterpolationGuard struct {
	threshold float64
	target    int

	mu      sync.Mutex
	streaks map[string]int

	reg *metrics.Registry
}

func NewInterpolationGuard(cfg config.AdaptiveConfig, reg *metrics.Registry) *InterpolationGuard {
	return &InterpolationGuard{
		threshold: cfg.InterpThreshold,
		target:    cfg.InterpStreak,
		streaks:   make(map[string]int),
		reg:       reg,
	}
}

// Record feeds one fraction sample. A fraction above the threshold grows
// the index streak, anything else resets it. Returns an alert once the
// streak reaches the target and keeps returning one while it holds; the
// dispatcher's suppression window dedupes.
func (g *InterpolationGuard) Record(index string, fraction float64) *Alert {
	g.mu.Lock()
	defer g.mu.Unlock()

	if fraction > g.threshold {
		g.streaks[index]++
	} else {
		g.streaks[index] = 0
	}
	streak := g.streaks[index]
	if g.reg != nil {
		g.reg.Set(metrics.MInterpStreak, float64(streak), index)
	}
	if streak < g.target {
		return nil
	}
	if g.reg != nil {
		g.reg.Inc(metrics.MInterpAlerts, index, "streak")
	}
	return &Alert{
		Type:                 TypeInterpolationHigh,
		Index:                index,
		InterpolatedFraction: fraction,
		Message:              fmt.Sprintf("interpolated fraction %.2f above %.2f for %d cycles", fraction, g.threshold, streak),
	}
}

// Streak returns the current streak for an index.
func (g *InterpolationGuard) Streak(index string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streaks[index]
}

type riskSample struct {
	delta float64
	rows  int
}

// RiskDriftGuard raises risk_delta_drift when delta notional moves by at
// least the threshold percent across a full sample window while the row
// count stays stable. Row stability separates genuine exposure drift from
// the universe simply growing or shrinking.
type RiskDriftGuard struct {
	window int
	pct    float64
	rowTol float64

	mu      sync.Mutex
	samples []riskSample

	reg *metrics.Registry
}

func NewRiskDriftGuard(cfg config.AdaptiveConfig, reg *metrics.Registry) *RiskDriftGuard {
	w := cfg.RiskDriftWindow
	if w < 2 {
		w = 2
	}
	return &RiskDriftGuard{
		window: w,
		pct:    cfg.RiskDriftPct,
		rowTol: cfg.RiskRowTolerance,
		reg:    reg,
	}
}

// Record feeds one (delta notional, row count) observation. The window
// slides; evaluation only happens once it is full.
func (g *RiskDriftGuard) Record(deltaNotional float64, rowCount int) *Alert {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.samples = append(g.samples, riskSample{delta: deltaNotional, rows: rowCount})
	if len(g.samples) > g.window {
		g.samples = g.samples[1:]
	}
	if len(g.samples) < g.window {
		return nil
	}

	first, last := g.samples[0], g.samples[len(g.samples)-1]
	if first.rows <= 0 || first.delta == 0 {
		return nil
	}
	rowChange := math.Abs(float64(last.rows-first.rows)) / float64(first.rows)
	if rowChange > g.rowTol {
		return nil
	}
	driftPct := (last.delta - first.delta) / math.Abs(first.delta) * 100
	if math.Abs(driftPct) < g.pct {
		return nil
	}

	sign := "up"
	if driftPct < 0 {
		sign = "down"
	}
	if g.reg != nil {
		g.reg.Inc(metrics.MDriftAlerts, sign)
	}
	return &Alert{
		Type:     TypeRiskDeltaDrift,
		DriftPct: driftPct,
		Sign:     sign,
		Message:  fmt.Sprintf("delta notional drifted %+.1f%% over %d samples", driftPct, g.window),
	}
}

// BucketUtilGuard raises bucket_util_low after a streak of utilization
// samples below the minimum.
type BucketUtilGuard struct {
	threshold float64
	target    int

	mu      sync.Mutex
	streaks map[string]int

	reg *metrics.Registry
}

func NewBucketUtilGuard(cfg config.AdaptiveConfig, reg *metrics.Registry) *BucketUtilGuard {
	return &BucketUtilGuard{
		threshold: cfg.BucketUtilMin,
		target:    cfg.BucketUtilStreak,
		streaks:   make(map[string]int),
		reg:       reg,
	}
}

// Record feeds one utilization sample for an index.
func (g *BucketUtilGuard) Record(index string, utilization float64) *Alert {
	g.mu.Lock()
	defer g.mu.Unlock()

	if utilization < g.threshold {
		g.streaks[index]++
	} else {
		g.streaks[index] = 0
	}
	streak := g.streaks[index]
	if streak < g.target {
		return nil
	}
	if g.reg != nil {
		g.reg.Inc(metrics.MBucketUtilAlerts)
	}
	return &Alert{
		Type:        TypeBucketUtilLow,
		Index:       index,
		Utilization: utilization,
		Message:     fmt.Sprintf("bucket utilization %.2f below %.2f for %d cycles", utilization, g.threshold, streak),
	}
}
