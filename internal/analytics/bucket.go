// Package analytics builds the per-cycle volatility surface and risk
// aggregates from enriched option snapshots. Both builders share the
// percent-moneyness bucketing: configurable edges carve the moneyness
// axis into internal buckets plus two outer sentinel buckets that absorb
// everything beyond the grid.
package analytics

import (
	"fmt"
	"strconv"

	"github.com/g6io/g6/internal/errs"
)

// DefaultEdges is the stock percent-moneyness grid shared by the surface
// and risk builders when no override is configured.
var DefaultEdges = []float64{-20, -10, -5, 0, 5, 10, 20}

// OptionView is the analytics input row: one option with the fields the
// builders need. Greek fields stay zero for surface-only inputs.
type OptionView struct {
	Index      string
	Expiry     string
	Strike     float64
	Underlying float64
	IV         float64
	Delta      float64
	Gamma      float64
	Vega       float64
	Theta      float64
	Rho        float64
}

// Moneyness returns the percent moneyness of the option against its
// underlying: (strike/underlying - 1) * 100.
func (o OptionView) Moneyness() float64 {
	if o.Underlying <= 0 {
		return 0
	}
	return (o.Strike/o.Underlying - 1) * 100
}

// bucketer maps a moneyness value onto bucket labels. Index 0 is the low
// sentinel, 1..len(edges)-1 the internal buckets, len(edges) the high
// sentinel.
type bucketer struct {
	edges  []float64
	labels []string
	mids   []float64 // midpoints for internal buckets, aligned to labels; NaN-free, sentinels carry 0
}

func newBucketer(edges []float64) (*bucketer, error) {
	if len(edges) < 2 {
		return nil, errs.E(errs.KindInputInvalid, "bucket edges need at least two values, got %d", len(edges))
	}
	for i := 1; i < len(edges); i++ {
		if edges[i] <= edges[i-1] {
			return nil, errs.E(errs.KindInputInvalid, "bucket edges must be strictly increasing at %v", edges[i])
		}
	}
	b := &bucketer{edges: edges}
	b.labels = make([]string, 0, len(edges)+1)
	b.mids = make([]float64, 0, len(edges)+1)

	b.labels = append(b.labels, "lt_"+fmtEdge(edges[0]))
	b.mids = append(b.mids, 0)
	for i := 0; i+1 < len(edges); i++ {
		b.labels = append(b.labels, fmtEdge(edges[i])+"_"+fmtEdge(edges[i+1]))
		b.mids = append(b.mids, (edges[i]+edges[i+1])/2)
	}
	b.labels = append(b.labels, "gt_"+fmtEdge(edges[len(edges)-1]))
	b.mids = append(b.mids, 0)
	return b, nil
}

// locate returns the bucket slot for a moneyness value. Boundaries belong
// to the first matching interval, so a value equal to a shared edge lands
// in the lower bucket.
func (b *bucketer) locate(m float64) int {
	if m < b.edges[0] {
		return 0
	}
	for i := 0; i+1 < len(b.edges); i++ {
		if m >= b.edges[i] && m <= b.edges[i+1] {
			return i + 1
		}
	}
	return len(b.edges)
}

// internal reports whether the slot is a real interval rather than a
// sentinel. Only internal buckets participate in interpolation and
// utilization.
func (b *bucketer) internal(slot int) bool {
	return slot > 0 && slot < len(b.edges)
}

// internalCount is the number of interval buckets.
func (b *bucketer) internalCount() int { return len(b.edges) - 1 }

// slots is the total label count including sentinels.
func (b *bucketer) slots() int { return len(b.edges) + 1 }

func fmtEdge(e float64) string {
	s := strconv.FormatFloat(e, 'f', -1, 64)
	if s == "-0" {
		return "0"
	}
	return s
}

func (b *bucketer) String() string {
	return fmt.Sprintf("bucketer(%v)", b.edges)
}
