// Package strikes builds strike ladders around an ATM strike.
package strikes

import (
	"math"
	"sort"
	"strings"
)

// Meta carries diagnostics about a built universe.
type Meta struct {
	Count        int     `json:"count"`
	MinStep      float64 `json:"min_step"`
	ScaleApplied float64 `json:"scale_applied"`
}

// Universe is an ordered strike ladder with its build diagnostics.
type Universe struct {
	Strikes []float64 `json:"strikes"`
	Meta    Meta      `json:"meta"`
}

// minPerSide is the floor applied to scaled strike counts so memory
// pressure never collapses a side entirely.
const minPerSide = 2

// StepFor returns the strike step for an index: 100 for BANKNIFTY and
// SENSEX, 50 otherwise.
func StepFor(index string) float64 {
	switch strings.ToUpper(index) {
	case "BANKNIFTY", "SENSEX":
		return 100
	}
	return 50
}

// AlignATM rounds a spot price to the nearest strike step for the index.
// Used when the broker does not report an ATM strike directly.
func AlignATM(price float64, index string) float64 {
	if price <= 0 {
		return 0
	}
	step := StepFor(index)
	return math.Round(price/step) * step
}

// Build produces the ladder atm ± i·step for i in [1..nITM] and [1..nOTM]
// plus the ATM itself, sorted ascending. A scale factor shrinks or expands
// the per-side counts with a floor of two strikes per side; scale <= 0
// means no scaling. An ATM of zero or below yields an empty universe.
func Build(atm float64, nITM, nOTM int, index string, scale float64) Universe {
	applied := 1.0
	if scale > 0 {
		applied = scale
	}
	if atm <= 0 {
		return Universe{Strikes: []float64{}, Meta: Meta{Count: 0, MinStep: StepFor(index), ScaleApplied: applied}}
	}

	if applied != 1.0 {
		nITM = scaleCount(nITM, applied)
		nOTM = scaleCount(nOTM, applied)
	}
	if nITM < 0 {
		nITM = 0
	}
	if nOTM < 0 {
		nOTM = 0
	}

	step := StepFor(index)
	out := make([]float64, 0, nITM+nOTM+1)
	for i := nITM; i >= 1; i-- {
		s := atm - float64(i)*step
		if s <= 0 {
			continue
		}
		out = append(out, s)
	}
	out = append(out, atm)
	for i := 1; i <= nOTM; i++ {
		out = append(out, atm+float64(i)*step)
	}
	sort.Float64s(out)

	return Universe{
		Strikes: out,
		Meta:    Meta{Count: len(out), MinStep: step, ScaleApplied: applied},
	}
}

func scaleCount(n int, scale float64) int {
	scaled := int(math.Round(float64(n) * scale))
	if scaled < minPerSide {
		return minPerSide
	}
	return scaled
}

// KeySet maps strikes rounded to two decimals for membership checks in the
// option filter.
func KeySet(strikes []float64) map[float64]struct{} {
	set := make(map[float64]struct{}, len(strikes))
	for _, s := range strikes {
		set[Key(s)] = struct{}{}
	}
	return set
}

// Key normalizes a strike to two decimals.
func Key(strike float64) float64 {
	return math.Round(strike*100) / 100
}
