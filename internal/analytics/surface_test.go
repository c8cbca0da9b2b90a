package analytics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

func fixedNow() time.Time {
	return time.Date(2025, 5, 12, 11, 0, 0, 0, istime.Zone())
}

func TestBucketerLabelsAndLocate(t *testing.T) {
	b, err := newBucketer([]float64{-20, -10, -5, 0, 5, 10, 20})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"lt_-20", "-20_-10", "-10_-5", "-5_0", "0_5", "5_10", "10_20", "gt_20",
	}, b.labels)
	assert.Equal(t, 6, b.internalCount())
	assert.Equal(t, 8, b.slots())

	assert.Equal(t, 0, b.locate(-25), "below grid lands in low sentinel")
	assert.Equal(t, 1, b.locate(-15))
	assert.Equal(t, 1, b.locate(-10), "shared edge belongs to the lower bucket")
	assert.Equal(t, 4, b.locate(2.5))
	assert.Equal(t, 6, b.locate(20))
	assert.Equal(t, 7, b.locate(21), "above grid lands in high sentinel")

	assert.False(t, b.internal(0))
	assert.True(t, b.internal(1))
	assert.True(t, b.internal(6))
	assert.False(t, b.internal(7))
}

func TestBucketerRejectsBadEdges(t *testing.T) {
	_, err := newBucketer([]float64{5})
	require.Error(t, err)
	_, err = newBucketer([]float64{0, 0})
	require.Error(t, err)
	_, err = newBucketer([]float64{0, 5, 3})
	require.Error(t, err)
}

func TestBuildSurfaceRawRows(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Options{})
	opts := []OptionView{
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22500, Underlying: 22500, IV: 0.15},
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22500, Underlying: 22500, IV: 0.17},
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 24000, Underlying: 22500, IV: 0.22},
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 20000, Underlying: 22500, IV: 0.25},
		// Bad inputs are skipped, never crash the build.
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22000, Underlying: 0, IV: 0.3},
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22000, Underlying: 22500, IV: 0},
	}

	surf, err := BuildSurface(opts, SurfaceConfig{Registry: reg, Now: fixedNow})
	require.NoError(t, err)

	require.Len(t, surf.Rows, 3)
	assert.Equal(t, 2, surf.Meta.SkippedInputs)
	assert.Equal(t, 3, surf.Meta.RawRows)
	assert.Equal(t, 0, surf.Meta.InterpRows)

	// 22500/22500 is 0% moneyness: the shared edge belongs to -5_0.
	atm := surf.Rows[1]
	assert.Equal(t, "-5_0", atm.Bucket)
	assert.InDelta(t, 0.16, atm.AvgIV, 1e-9, "bucket averages its IVs")
	assert.Equal(t, 2, atm.Count)
	assert.Equal(t, SourceRaw, atm.Source)

	assert.Equal(t, "-20_-10", surf.Rows[0].Bucket)
	assert.Equal(t, "5_10", surf.Rows[2].Bucket)
}

func TestBuildSurfaceBucketAssignment(t *testing.T) {
	// 20000/22500-1 = -11.1% → -20_-10; 24000/22500-1 = +6.7% → 5_10.
	opts := []OptionView{
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 20000, Underlying: 22500, IV: 0.25},
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 24000, Underlying: 22500, IV: 0.22},
	}
	surf, err := BuildSurface(opts, SurfaceConfig{Now: fixedNow})
	require.NoError(t, err)
	require.Len(t, surf.Rows, 2)
	assert.Equal(t, "-20_-10", surf.Rows[0].Bucket)
	assert.Equal(t, "5_10", surf.Rows[1].Bucket)
}

func TestBuildSurfaceInterpolatesInternalGaps(t *testing.T) {
	// Anchors in -10_-5 (mid -7.5) and 5_10 (mid 7.5); the -5_0 and 0_5
	// buckets between them are linearly filled, sentinels untouched.
	opts := []OptionView{
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 20925, Underlying: 22500, IV: 0.20}, // -7%
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 24075, Underlying: 22500, IV: 0.30}, // +7%
	}
	surf, err := BuildSurface(opts, SurfaceConfig{Interpolate: true, Now: fixedNow})
	require.NoError(t, err)

	require.Len(t, surf.Rows, 4)
	byBucket := map[string]SurfaceRow{}
	for _, r := range surf.Rows {
		byBucket[r.Bucket] = r
	}

	require.Contains(t, byBucket, "-5_0")
	require.Contains(t, byBucket, "0_5")
	lo := byBucket["-5_0"]
	hi := byBucket["0_5"]
	assert.Equal(t, SourceInterp, lo.Source)
	assert.Equal(t, 0, lo.Count)
	// mids: -7.5 → 0.20, 7.5 → 0.30; at -2.5 → 1/3 of the way; at 2.5 → 2/3.
	assert.InDelta(t, 0.2333333, lo.AvgIV, 1e-4)
	assert.InDelta(t, 0.2666667, hi.AvgIV, 1e-4)

	assert.Equal(t, 2, surf.Meta.RawRows)
	assert.Equal(t, 2, surf.Meta.InterpRows)
	assert.InDelta(t, 0.5, surf.Meta.InterpFraction["NIFTY"], 1e-9)

	// coverage = 2 raw internal / 6 internal buckets; quality = cov*(1-frac).
	assert.InDelta(t, (2.0/6.0)*0.5, surf.Meta.QualityScore["NIFTY"], 1e-9)
}

func TestBuildSurfaceNeverExtrapolates(t *testing.T) {
	// A single anchor cannot interpolate anything.
	opts := []OptionView{
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22500, Underlying: 22500, IV: 0.15},
	}
	surf, err := BuildSurface(opts, SurfaceConfig{Interpolate: true, Now: fixedNow})
	require.NoError(t, err)
	require.Len(t, surf.Rows, 1)
	assert.Equal(t, SourceRaw, surf.Rows[0].Source)
	assert.Zero(t, surf.Meta.InterpRows)
}

func TestBuildSurfacePersistsArtifact(t *testing.T) {
	dir := t.TempDir()
	opts := []OptionView{
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22500, Underlying: 22500, IV: 0.15},
	}
	surf, err := BuildSurface(opts, SurfaceConfig{PersistDir: dir, Now: fixedNow})
	require.NoError(t, err)

	require.True(t, surf.Meta.Persisted)
	require.NotEmpty(t, surf.Meta.PersistPath)
	assert.Equal(t, dir, filepath.Dir(surf.Meta.PersistPath))

	raw, err := os.ReadFile(surf.Meta.PersistPath)
	require.NoError(t, err)
	var decoded Surface
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, surf.Rows, decoded.Rows)
	assert.True(t, decoded.Meta.Persisted, "artifact embeds its own persistence stamp")
}

func TestAggregateRiskSumsAndNotionals(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Options{})
	opts := []OptionView{
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22500, Underlying: 22500, Delta: 0.5, Gamma: 0.001, Vega: 12, Theta: -8, Rho: 3},
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 22500, Underlying: 22500, Delta: -0.4, Gamma: 0.001, Vega: 11, Theta: -7, Rho: -2},
		{Index: "NIFTY", Expiry: "2025-05-15", Strike: 24075, Underlying: 22500, Delta: 0.2, Gamma: 0.0005, Vega: 6, Theta: -3, Rho: 1},
	}
	agg, err := AggregateRisk(opts, RiskConfig{
		Registry:      reg,
		PerIndex:      true,
		MultiplierFor: func(string) float64 { return 50 },
		Now:           fixedNow,
	})
	require.NoError(t, err)

	require.Len(t, agg.Rows, 2)
	atm := agg.Rows[0]
	assert.Equal(t, "-5_0", atm.Bucket)
	assert.InDelta(t, 0.1, atm.Delta, 1e-9)
	assert.InDelta(t, 23, atm.Vega, 1e-9)
	assert.Equal(t, 2, atm.Count)
	assert.InDelta(t, 5, atm.DeltaNotional, 1e-9, "|0.1| x 50")
	assert.InDelta(t, 1150, atm.VegaNotional, 1e-9)

	wing := agg.Rows[1]
	assert.Equal(t, "5_10", wing.Bucket)
	assert.InDelta(t, 10, wing.DeltaNotional, 1e-9)

	assert.InDelta(t, 15, agg.Meta.DeltaNotional, 1e-9)
	assert.InDelta(t, 2.0/6.0, agg.Meta.BucketUtilization, 1e-9)
	assert.Equal(t, 2, agg.Meta.RowCount)
	assert.InDelta(t, 15, agg.Meta.IndexDelta["NIFTY"], 1e-9)

	assert.InDelta(t, 2, reg.Value(metrics.MRiskAggRows), 1e-9)
	assert.InDelta(t, 15, reg.Value(metrics.MRiskNotionalDelta), 1e-9)
	assert.InDelta(t, 2.0/6.0, reg.Value(metrics.MRiskBucketUtil), 1e-9)
}

func TestAggregateRiskEmptyInput(t *testing.T) {
	agg, err := AggregateRisk(nil, RiskConfig{Now: fixedNow})
	require.NoError(t, err)
	assert.Empty(t, agg.Rows)
	assert.Zero(t, agg.Meta.BucketUtilization)
	assert.Zero(t, agg.Meta.DeltaNotional)
}
