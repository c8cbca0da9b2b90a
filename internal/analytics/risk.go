package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

// RiskConfig controls one risk aggregation pass.
type RiskConfig struct {
	Edges    []float64 // bucket edges, DefaultEdges when empty
	PerIndex bool      // emit per-index notional gauges
	// MultiplierFor maps an index to its contract multiplier; nil means 1.
	MultiplierFor func(index string) float64
	PersistDir    string            // when set, write a risk_agg artifact
	Compress      bool              // gzip persisted artifacts
	Registry      *metrics.Registry // nil skips metric emission
	Now           func() time.Time  // test hook, defaults to istime.Now
}

// RiskRow is one (index, expiry, bucket) cell of summed greeks plus the
// derived notionals.
type RiskRow struct {
	Index         string  `json:"index"`
	Expiry        string  `json:"expiry"`
	Bucket        string  `json:"bucket"`
	Delta         float64 `json:"delta"`
	Gamma         float64 `json:"gamma"`
	Vega          float64 `json:"vega"`
	Theta         float64 `json:"theta"`
	Rho           float64 `json:"rho"`
	Count         int     `json:"count"`
	DeltaNotional float64 `json:"delta_notional"`
	VegaNotional  float64 `json:"vega_notional"`
}

// RiskMeta summarizes an aggregation pass. DeltaNotional and RowCount feed
// the drift guard; BucketUtilization feeds the utilization guard.
type RiskMeta struct {
	GeneratedAt       string             `json:"generated_at"`
	Buckets           []string           `json:"buckets"`
	RowCount          int                `json:"row_count"`
	SkippedInputs     int                `json:"skipped_inputs"`
	DeltaNotional     float64            `json:"delta_notional"`
	VegaNotional      float64            `json:"vega_notional"`
	BucketUtilization float64            `json:"bucket_utilization"`
	IndexDelta        map[string]float64 `json:"index_delta_notional,omitempty"`
	IndexVega         map[string]float64 `json:"index_vega_notional,omitempty"`
	Persisted         bool               `json:"persisted"`
	PersistPath       string             `json:"persist_path,omitempty"`
}

// RiskAgg is the aggregated risk view for one cycle.
type RiskAgg struct {
	Rows []RiskRow `json:"rows"`
	Meta RiskMeta  `json:"meta"`
}

// riskCell accumulates one (index, expiry, bucket) slot.
type riskCell struct {
	delta, gamma, vega, theta, rho float64
	n                              int
}

// AggregateRisk sums greeks into percent-moneyness buckets per
// (index, expiry) and derives contract-multiplied notionals. Utilization
// counts internal buckets only: the sentinels absorb strikes beyond the
// grid and say nothing about how well the grid itself is populated.
func AggregateRisk(opts []OptionView, cfg RiskConfig) (*RiskAgg, error) {
	edges := cfg.Edges
	if len(edges) == 0 {
		edges = DefaultEdges
	}
	b, err := newBucketer(edges)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = istime.Now
	}
	mult := cfg.MultiplierFor
	if mult == nil {
		mult = func(string) float64 { return 1 }
	}
	var buildTimer *metrics.Timer
	if cfg.Registry != nil {
		buildTimer = cfg.Registry.StartTimer(metrics.MRiskBuildSecs)
	}

	grid := map[string]map[string][]riskCell{}
	skipped := 0
	for _, o := range opts {
		if o.Underlying <= 0 {
			skipped++
			continue
		}
		byExp := grid[o.Index]
		if byExp == nil {
			byExp = map[string][]riskCell{}
			grid[o.Index] = byExp
		}
		cells := byExp[o.Expiry]
		if cells == nil {
			cells = make([]riskCell, b.slots())
			byExp[o.Expiry] = cells
		}
		slot := b.locate(o.Moneyness())
		c := &cells[slot]
		c.delta += o.Delta
		c.gamma += o.Gamma
		c.vega += o.Vega
		c.theta += o.Theta
		c.rho += o.Rho
		c.n++
	}

	indices := make([]string, 0, len(grid))
	for idx := range grid {
		indices = append(indices, idx)
	}
	sort.Strings(indices)

	agg := &RiskAgg{
		Meta: RiskMeta{
			GeneratedAt:   istime.Format(now()),
			Buckets:       append([]string(nil), b.labels...),
			SkippedInputs: skipped,
		},
	}
	if cfg.PerIndex {
		agg.Meta.IndexDelta = map[string]float64{}
		agg.Meta.IndexVega = map[string]float64{}
	}

	populated, theoretical := 0, 0
	for _, idx := range indices {
		byExp := grid[idx]
		exps := make([]string, 0, len(byExp))
		for exp := range byExp {
			exps = append(exps, exp)
		}
		sort.Strings(exps)

		m := mult(idx)
		idxDelta, idxVega := 0.0, 0.0
		for _, exp := range exps {
			cells := byExp[exp]
			theoretical += b.internalCount()
			for s := 0; s < b.slots(); s++ {
				c := cells[s]
				if c.n == 0 {
					continue
				}
				if b.internal(s) {
					populated++
				}
				row := RiskRow{
					Index: idx, Expiry: exp, Bucket: b.labels[s],
					Delta: c.delta, Gamma: c.gamma, Vega: c.vega,
					Theta: c.theta, Rho: c.rho, Count: c.n,
					DeltaNotional: math.Abs(c.delta) * m,
					VegaNotional:  math.Abs(c.vega) * m,
				}
				agg.Rows = append(agg.Rows, row)
				idxDelta += row.DeltaNotional
				idxVega += row.VegaNotional
			}
		}
		agg.Meta.DeltaNotional += idxDelta
		agg.Meta.VegaNotional += idxVega
		if cfg.PerIndex {
			agg.Meta.IndexDelta[idx] = idxDelta
			agg.Meta.IndexVega[idx] = idxVega
			if cfg.Registry != nil {
				cfg.Registry.Set(metrics.MRiskDeltaIndex, idxDelta, idx)
				cfg.Registry.Set(metrics.MRiskVegaIndex, idxVega, idx)
			}
		}
	}

	agg.Meta.RowCount = len(agg.Rows)
	if theoretical > 0 {
		agg.Meta.BucketUtilization = float64(populated) / float64(theoretical)
	}

	if cfg.Registry != nil {
		cfg.Registry.Set(metrics.MRiskAggRows, float64(agg.Meta.RowCount))
		cfg.Registry.Set(metrics.MRiskNotionalDelta, agg.Meta.DeltaNotional)
		cfg.Registry.Set(metrics.MRiskNotionalVega, agg.Meta.VegaNotional)
		cfg.Registry.Set(metrics.MRiskBucketUtil, agg.Meta.BucketUtilization)
	}

	if cfg.PersistDir != "" {
		path := artifactPath(cfg.PersistDir, "risk_agg", cfg.Compress, now())
		agg.Meta.Persisted = true
		agg.Meta.PersistPath = path
		if err := writeArtifact(path, agg, cfg.Compress); err != nil {
			agg.Meta.Persisted = false
			agg.Meta.PersistPath = ""
			log.Error().Err(err).Str("path", path).Msg("risk agg persist failed")
		}
	}
	if buildTimer != nil {
		buildTimer.Stop()
	}
	log.Debug().
		Int("rows", agg.Meta.RowCount).
		Float64("delta_notional", agg.Meta.DeltaNotional).
		Float64("bucket_utilization", agg.Meta.BucketUtilization).
		Msg("risk aggregation built")
	return agg, nil
}
