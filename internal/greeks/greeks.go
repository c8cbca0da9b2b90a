// Package greeks implements Black-Scholes pricing, greeks and an
// implied-volatility solver for the enrichment phase.
package greeks

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Greeks holds the option sensitivities as persisted and aggregated:
// theta is per calendar day, vega and rho are per one percentage point.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Rho   float64 `json:"rho"`
}

// Params are the Black-Scholes inputs. TTE is in years; Rate and Dividend
// are continuously compounded annual rates.
type Params struct {
	Spot     float64
	Strike   float64
	TTE      float64
	Rate     float64
	Dividend float64
	IV       float64
	IsCall   bool
}

func d1d2(p Params) (float64, float64) {
	sqrtT := math.Sqrt(p.TTE)
	d1 := (math.Log(p.Spot/p.Strike) + (p.Rate-p.Dividend+0.5*p.IV*p.IV)*p.TTE) / (p.IV * sqrtT)
	return d1, d1 - p.IV*sqrtT
}

// Price returns the Black-Scholes value under the continuous-dividend
// variant. Degenerate inputs (zero TTE or IV) collapse to discounted
// intrinsic value.
func Price(p Params) float64 {
	if p.TTE <= 0 || p.IV <= 0 || p.Spot <= 0 || p.Strike <= 0 {
		return intrinsic(p)
	}
	d1, d2 := d1d2(p)
	dfDiv := math.Exp(-p.Dividend * p.TTE)
	dfRate := math.Exp(-p.Rate * p.TTE)
	if p.IsCall {
		return p.Spot*dfDiv*stdNormal.CDF(d1) - p.Strike*dfRate*stdNormal.CDF(d2)
	}
	return p.Strike*dfRate*stdNormal.CDF(-d2) - p.Spot*dfDiv*stdNormal.CDF(-d1)
}

func intrinsic(p Params) float64 {
	if p.IsCall {
		return math.Max(0, p.Spot-p.Strike)
	}
	return math.Max(0, p.Strike-p.Spot)
}

// Compute returns the closed-form greeks for p. Zero-value greeks come back
// for degenerate inputs so enrichment never propagates NaNs.
func Compute(p Params) Greeks {
	if p.TTE <= 0 || p.IV <= 0 || p.Spot <= 0 || p.Strike <= 0 {
		return Greeks{}
	}
	d1, d2 := d1d2(p)
	sqrtT := math.Sqrt(p.TTE)
	dfDiv := math.Exp(-p.Dividend * p.TTE)
	dfRate := math.Exp(-p.Rate * p.TTE)
	pdf := stdNormal.Prob(d1)

	g := Greeks{
		Gamma: dfDiv * pdf / (p.Spot * p.IV * sqrtT),
		Vega:  p.Spot * dfDiv * pdf * sqrtT / 100,
	}

	// Annual theta, scaled to per-day below.
	common := -p.Spot * dfDiv * pdf * p.IV / (2 * sqrtT)
	if p.IsCall {
		g.Delta = dfDiv * stdNormal.CDF(d1)
		theta := common - p.Rate*p.Strike*dfRate*stdNormal.CDF(d2) + p.Dividend*p.Spot*dfDiv*stdNormal.CDF(d1)
		g.Theta = theta / 365
		g.Rho = p.Strike * p.TTE * dfRate * stdNormal.CDF(d2) / 100
	} else {
		g.Delta = -dfDiv * stdNormal.CDF(-d1)
		theta := common + p.Rate*p.Strike*dfRate*stdNormal.CDF(-d2) - p.Dividend*p.Spot*dfDiv*stdNormal.CDF(-d1)
		g.Theta = theta / 365
		g.Rho = -p.Strike * p.TTE * dfRate * stdNormal.CDF(-d2) / 100
	}
	return g
}

// SolverConfig bounds the implied-volatility search.
type SolverConfig struct {
	MinIV         float64
	MaxIV         float64
	Precision     float64
	MaxIterations int
}

// DefaultSolverConfig matches the platform defaults.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{MinIV: 0.01, MaxIV: 5.0, Precision: 1e-5, MaxIterations: 100}
}

// ImpliedVol solves for the volatility that reproduces target under p
// (p.IV is ignored) using Newton-Raphson with a bisection fallback when
// vega flattens out.
func ImpliedVol(target float64, p Params, cfg SolverConfig) (float64, error) {
	iv, _, err := SolveIV(target, p, cfg)
	return iv, err
}

// SolveIV is ImpliedVol plus the number of solver iterations consumed,
// which feeds the iteration histogram.
func SolveIV(target float64, p Params, cfg SolverConfig) (float64, int, error) {
	if cfg.MaxIterations <= 0 {
		cfg = DefaultSolverConfig()
	}
	if p.TTE <= 0 {
		return 0, 0, fmt.Errorf("implied vol: non-positive time to expiry %.6f", p.TTE)
	}
	if target <= 0 {
		return 0, 0, fmt.Errorf("implied vol: non-positive option price %.4f", target)
	}
	if target <= intrinsic(p)*math.Exp(-p.Rate*p.TTE)*0.999 {
		return 0, 0, fmt.Errorf("implied vol: price %.4f below intrinsic", target)
	}

	// Brenner-Subrahmanyam starting point, clamped to the search bounds.
	sigma := math.Sqrt(2*math.Pi/p.TTE) * target / p.Spot
	sigma = clamp(sigma, cfg.MinIV, cfg.MaxIV)

	for i := 0; i < cfg.MaxIterations; i++ {
		p.IV = sigma
		diff := Price(p) - target
		if math.Abs(diff) < cfg.Precision {
			return sigma, i + 1, nil
		}
		d1, _ := d1d2(p)
		vega := p.Spot * math.Exp(-p.Dividend*p.TTE) * stdNormal.Prob(d1) * math.Sqrt(p.TTE)
		if vega < 1e-10 {
			iv, n, err := bisect(target, p, cfg)
			return iv, i + 1 + n, err
		}
		sigma = clamp(sigma-diff/vega, cfg.MinIV, cfg.MaxIV)
	}
	return sigma, cfg.MaxIterations, fmt.Errorf("implied vol: no convergence after %d iterations", cfg.MaxIterations)
}

// bisect is the slow path when Newton steps stall at the bounds.
func bisect(target float64, p Params, cfg SolverConfig) (float64, int, error) {
	lo, hi := cfg.MinIV, cfg.MaxIV
	for i := 0; i < cfg.MaxIterations; i++ {
		mid := (lo + hi) / 2
		p.IV = mid
		diff := Price(p) - target
		if math.Abs(diff) < cfg.Precision {
			return mid, i + 1, nil
		}
		if diff > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return (lo + hi) / 2, cfg.MaxIterations, fmt.Errorf("implied vol: bisection did not converge")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
