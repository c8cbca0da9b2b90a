package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

// Row sources. Raw rows average observed IVs; interp rows are filled in
// between raw anchors and carry no observation count.
const (
	SourceRaw    = "raw"
	SourceInterp = "interp"
)

// SurfaceConfig controls one surface build.
type SurfaceConfig struct {
	Edges       []float64         // bucket edges, DefaultEdges when empty
	Interpolate bool              // fill internal gaps between raw anchors
	PerExpiry   bool              // emit per-expiry row gauges (high cardinality)
	PersistDir  string            // when set, write a vol_surface artifact
	Compress    bool              // gzip persisted artifacts
	Registry    *metrics.Registry // nil skips metric emission
	Now         func() time.Time  // test hook, defaults to istime.Now
}

// SurfaceRow is one (index, expiry, bucket) cell of the built surface.
type SurfaceRow struct {
	Index  string  `json:"index"`
	Expiry string  `json:"expiry"`
	Bucket string  `json:"bucket"`
	AvgIV  float64 `json:"avg_iv"`
	Count  int     `json:"count"`
	Source string  `json:"source"`
}

// SurfaceMeta summarizes a build. InterpFraction and QualityScore are
// keyed by index and feed the adaptive guards.
type SurfaceMeta struct {
	GeneratedAt    string             `json:"generated_at"`
	Buckets        []string           `json:"buckets"`
	RawRows        int                `json:"raw_rows"`
	InterpRows     int                `json:"interp_rows"`
	SkippedInputs  int                `json:"skipped_inputs"`
	InterpFraction map[string]float64 `json:"interp_fraction"`
	QualityScore   map[string]float64 `json:"quality_score"`
	Persisted      bool               `json:"persisted"`
	PersistPath    string             `json:"persist_path,omitempty"`
}

// Surface is the built volatility surface: rows in deterministic
// index/expiry/bucket order plus build metadata.
type Surface struct {
	Rows []SurfaceRow `json:"rows"`
	Meta SurfaceMeta  `json:"meta"`
}

// surfaceCell accumulates one (index, expiry, bucket) slot.
type surfaceCell struct {
	sum       float64
	n         int
	interp    float64
	hasInterp bool
}

// BuildSurface groups options into percent-moneyness buckets per
// (index, expiry), averages their IVs, and optionally interpolates
// internal gaps between raw anchors. Interpolation never extrapolates:
// only buckets strictly between two raw internal anchors are filled.
// Inputs with a non-positive IV or underlying are skipped.
func BuildSurface(opts []OptionView, cfg SurfaceConfig) (*Surface, error) {
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
	var buildTimer *metrics.Timer
	if cfg.Registry != nil {
		buildTimer = cfg.Registry.StartTimer(metrics.MSurfaceBuildSecs)
	}

	grid := map[string]map[string][]surfaceCell{}
	skipped := 0
	for _, o := range opts {
		if o.Underlying <= 0 || o.IV <= 0 || math.IsNaN(o.IV) || math.IsInf(o.IV, 0) {
			skipped++
			continue
		}
		byExp := grid[o.Index]
		if byExp == nil {
			byExp = map[string][]surfaceCell{}
			grid[o.Index] = byExp
		}
		cells := byExp[o.Expiry]
		if cells == nil {
			cells = make([]surfaceCell, b.slots())
			byExp[o.Expiry] = cells
		}
		slot := b.locate(o.Moneyness())
		cells[slot].sum += o.IV
		cells[slot].n++
	}

	if cfg.Interpolate {
		var interpTimer *metrics.Timer
		if cfg.Registry != nil {
			interpTimer = cfg.Registry.StartTimer(metrics.MSurfaceInterpSecs)
		}
		for _, byExp := range grid {
			for _, cells := range byExp {
				fillGaps(b, cells)
			}
		}
		if interpTimer != nil {
			interpTimer.Stop()
		}
	}

	indices := make([]string, 0, len(grid))
	for idx := range grid {
		indices = append(indices, idx)
	}
	sort.Strings(indices)

	surf := &Surface{
		Meta: SurfaceMeta{
			GeneratedAt:    istime.Format(now()),
			Buckets:        append([]string(nil), b.labels...),
			SkippedInputs:  skipped,
			InterpFraction: map[string]float64{},
			QualityScore:   map[string]float64{},
		},
	}
	for _, idx := range indices {
		byExp := grid[idx]
		exps := make([]string, 0, len(byExp))
		for exp := range byExp {
			exps = append(exps, exp)
		}
		sort.Strings(exps)

		rawRows, interpRows, rawInternal := 0, 0, 0
		for _, exp := range exps {
			cells := byExp[exp]
			expRaw, expInterp := 0, 0
			for s := 0; s < b.slots(); s++ {
				c := cells[s]
				switch {
				case c.n > 0:
					surf.Rows = append(surf.Rows, SurfaceRow{
						Index: idx, Expiry: exp, Bucket: b.labels[s],
						AvgIV: c.sum / float64(c.n), Count: c.n, Source: SourceRaw,
					})
					expRaw++
					if b.internal(s) {
						rawInternal++
					}
				case c.hasInterp:
					surf.Rows = append(surf.Rows, SurfaceRow{
						Index: idx, Expiry: exp, Bucket: b.labels[s],
						AvgIV: c.interp, Count: 0, Source: SourceInterp,
					})
					expInterp++
				}
			}
			rawRows += expRaw
			interpRows += expInterp
			if cfg.Registry != nil && cfg.PerExpiry {
				cfg.Registry.Set(metrics.MSurfaceRowsExpiry, float64(expRaw), idx, exp, SourceRaw)
				cfg.Registry.Set(metrics.MSurfaceRowsExpiry, float64(expInterp), idx, exp, SourceInterp)
			}
		}

		frac := 0.0
		if total := rawRows + interpRows; total > 0 {
			frac = float64(interpRows) / float64(total)
		}
		coverage := 0.0
		if cells := len(exps) * b.internalCount(); cells > 0 {
			coverage = float64(rawInternal) / float64(cells)
		}
		quality := coverage * (1 - frac)

		surf.Meta.RawRows += rawRows
		surf.Meta.InterpRows += interpRows
		surf.Meta.InterpFraction[idx] = frac
		surf.Meta.QualityScore[idx] = quality
		if cfg.Registry != nil {
			cfg.Registry.Set(metrics.MSurfaceRows, float64(rawRows), idx, SourceRaw)
			cfg.Registry.Set(metrics.MSurfaceRows, float64(interpRows), idx, SourceInterp)
			cfg.Registry.Set(metrics.MSurfaceInterpFrac, frac, idx)
			cfg.Registry.Set(metrics.MSurfaceQualityScore, quality, idx)
		}
	}

	if cfg.PersistDir != "" {
		path := artifactPath(cfg.PersistDir, "vol_surface", cfg.Compress, now())
		surf.Meta.Persisted = true
		surf.Meta.PersistPath = path
		if err := writeArtifact(path, surf, cfg.Compress); err != nil {
			surf.Meta.Persisted = false
			surf.Meta.PersistPath = ""
			log.Error().Err(err).Str("path", path).Msg("vol surface persist failed")
		}
	}
	if buildTimer != nil {
		buildTimer.Stop()
	}
	log.Debug().
		Int("raw_rows", surf.Meta.RawRows).
		Int("interp_rows", surf.Meta.InterpRows).
		Int("skipped", skipped).
		Msg("vol surface built")
	return surf, nil
}

// fillGaps linearly interpolates empty internal buckets strictly between
// two raw anchors, using bucket midpoints as the x axis. Sentinel buckets
// have no midpoint and never participate.
func fillGaps(b *bucketer, cells []surfaceCell) {
	var anchors []int
	for s := 1; s <= b.internalCount(); s++ {
		if cells[s].n > 0 {
			anchors = append(anchors, s)
		}
	}
	if len(anchors) < 2 {
		return
	}
	for i := 0; i+1 < len(anchors); i++ {
		lo, hi := anchors[i], anchors[i+1]
		if hi == lo+1 {
			continue
		}
		loIV := cells[lo].sum / float64(cells[lo].n)
		hiIV := cells[hi].sum / float64(cells[hi].n)
		for s := lo + 1; s < hi; s++ {
			t := (b.mids[s] - b.mids[lo]) / (b.mids[hi] - b.mids[lo])
			cells[s].interp = loIV + t*(hiIV-loIV)
			cells[s].hasInterp = true
		}
	}
}
