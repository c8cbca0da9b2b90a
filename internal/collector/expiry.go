package collector

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/analytics"
	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/expiry"
	"github.com/g6io/g6/internal/greeks"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/provider"
	"github.com/g6io/g6/internal/snapshots"
	"github.com/g6io/g6/internal/strikes"
)

const (
	maxForwardFallbacks = 4
	maxBackwardDays     = 3
)

// expiryInputs bundles the per-index context shared by every rule pass.
type expiryInputs struct {
	index    string
	rule     expiry.Rule
	atm      float64
	spot     float64
	universe strikes.Universe
	dates    []time.Time
	flags    cycleFlags
}

// processExpiry runs one (index, rule) pass end to end and classifies the
// result. Errors are folded into the record; they never propagate.
func (o *Orchestrator) processExpiry(ctx context.Context, in expiryInputs) (ExpiryRecord, []analytics.OptionView) {
	rec := ExpiryRecord{Rule: string(in.rule)}
	chain, views := o.gatherChain(ctx, in, &rec)

	rec.Options = len(chain)
	rec.StrikeCoverage = StrikeCoverage(in.universe.Strikes, chain)
	rec.FieldCoverage = FieldCoverage(chain)
	rec.Status, rec.PartialReason = ClassifyExpiry(
		rec.Options, rec.StrikeCoverage, rec.FieldCoverage,
		o.cfg.Collection.StrikeCoverageOK, o.cfg.Collection.FieldCoverageOK,
	)
	if rec.err != nil && rec.Status == StatusOK {
		rec.Status, rec.PartialReason = StatusPartial, ReasonUnknown
	}

	rule := string(in.rule)
	o.reg.Set(metrics.MOptionsCollected, float64(rec.Options), in.index, rule)
	o.reg.Set(metrics.MStrikeCoverage, rec.StrikeCoverage, in.index, rule)
	o.reg.Set(metrics.MFieldCoverage, rec.FieldCoverage, in.index, rule)
	switch rec.Status {
	case StatusPartial:
		o.reg.Inc(metrics.MPartialExpiries, in.index, rec.PartialReason)
	case StatusEmpty:
		o.reg.Inc(metrics.MEmptyExpiries, in.index)
	}
	return rec, views
}

// gatherChain resolves the expiry, fetches and filters instruments with
// fallbacks, enriches quotes with IV and greeks, persists the chain and
// caches the snapshot. A nil chain with rec.err set means the pass died
// before producing rows.
func (o *Orchestrator) gatherChain(ctx context.Context, in expiryInputs, rec *ExpiryRecord) ([]provider.Quote, []analytics.OptionView) {
	date, err := o.resolveExpiry(ctx, in.index, in.rule, in.dates)
	if err != nil {
		o.reg.Inc(metrics.MExpiryResolveFailures, in.index, string(in.rule))
		rec.err = err
		return nil, nil
	}
	rec.ExpiryDate = date.Format("2006-01-02")

	kept, err := o.fetchFiltered(ctx, in, date)
	if err != nil {
		o.reg.Inc(metrics.MCollectionErrors, in.index, string(errs.KindOf(err)))
		rec.err = err
		return nil, nil
	}
	if len(kept) == 0 {
		var fbDate time.Time
		kept, fbDate, rec.Fallback = o.expiryFallback(ctx, in, date)
		if rec.Fallback != "" {
			date = fbDate
			rec.ExpiryDate = date.Format("2006-01-02")
		}
	}
	if len(kept) == 0 {
		rec.err = errs.E(errs.KindInstrumentEmpty, "no instruments for %s %s", in.index, in.rule)
		return nil, nil
	}

	quotes, err := o.prov.Quotes(ctx, kept)
	o.noteAPI(err)
	if (err != nil || len(quotes) == 0) && o.cfg.Provider.SyntheticQuotes {
		quotes = provider.SyntheticQuotes(kept, o.now())
		o.reg.Inc(metrics.MSyntheticQuotes, in.index)
		err = nil
	}
	if err != nil {
		o.reg.Inc(metrics.MCollectionErrors, in.index, string(errs.KindOf(err)))
		rec.err = err
		return nil, nil
	}

	chain := make([]provider.Quote, 0, len(kept))
	for _, inst := range kept {
		q, ok := quotes[inst.TradingSymbol]
		if !ok {
			continue
		}
		if q.Strike == 0 {
			q.Strike = inst.Strike
		}
		if q.InstrumentType == "" {
			q.InstrumentType = inst.InstrumentType
		}
		chain = append(chain, q)
	}
	if len(chain) == 0 {
		return nil, nil
	}

	views := o.enrichChain(chain, in, rec.ExpiryDate, date)

	snap := snapshots.ExpirySnapshot{
		Index:       in.index,
		ExpiryRule:  string(in.rule),
		ExpiryDate:  rec.ExpiryDate,
		ATMStrike:   in.atm,
		Options:     chain,
		GeneratedAt: istime.Format(o.now()),
	}
	if payload, err := o.sink.WriteOptions(ctx, snap); err != nil {
		rec.err = err
		log.Error().Err(err).Str("index", in.index).Str("rule", string(in.rule)).Msg("options persist failed")
	} else {
		rec.payload = payload
	}
	if o.snaps != nil {
		o.snaps.Put(snap)
	}
	return chain, views
}

// enrichChain fills missing IVs and greeks in place and emits the
// per-option gauges through the cardinality manager. It returns the
// option views handed to the analytics phase.
func (o *Orchestrator) enrichChain(chain []provider.Quote, in expiryInputs, expiryDate string, date time.Time) []analytics.OptionView {
	g := o.cfg.Greeks
	scfg := greeks.SolverConfig{MinIV: g.MinIV, MaxIV: g.MaxIV, Precision: g.Precision, MaxIterations: g.MaxIterations}
	tte := timeToExpiry(o.now(), date)
	rule := string(in.rule)

	views := make([]analytics.OptionView, 0, len(chain))
	var ivSum float64
	var ivN int
	for i := range chain {
		q := &chain[i]
		params := greeks.Params{
			Spot:     in.spot,
			Strike:   q.Strike,
			TTE:      tte,
			Rate:     g.RiskFreeRate,
			Dividend: g.DividendYield,
			IsCall:   q.InstrumentType == provider.TypeCall,
		}
		if in.flags.estimateIV && q.IV <= 0 && q.LastPrice > 0 && in.spot > 0 && q.Strike > 0 {
			iv, iters, err := greeks.SolveIV(q.LastPrice, params, scfg)
			o.reg.Observe(metrics.MIVIterations, float64(iters))
			if err != nil {
				o.reg.Inc(metrics.MIVFailure, in.index)
			} else {
				q.IV = iv
				o.reg.Inc(metrics.MIVSuccess, in.index)
				ivSum += iv
				ivN++
			}
		}
		if in.flags.computeGreeks && q.IV > 0 && in.spot > 0 && q.Strike > 0 {
			params.IV = q.IV
			gk := greeks.Compute(params)
			q.Greeks = &gk
		}
		if in.flags.optionMetrics && o.card != nil &&
			o.card.ShouldEmit(in.index, rule, q.Strike, string(q.InstrumentType), in.atm, q.LastPrice) {
			strike := strconv.FormatFloat(q.Strike, 'f', -1, 64)
			o.reg.Set(metrics.MOptionPrice, q.LastPrice, in.index, rule, strike, string(q.InstrumentType))
			if q.IV > 0 {
				o.reg.Set(metrics.MOptionIV, q.IV, in.index, rule, strike, string(q.InstrumentType))
			}
		}
		if q.IV > 0 {
			v := analytics.OptionView{
				Index:      in.index,
				Expiry:     expiryDate,
				Strike:     q.Strike,
				Underlying: in.spot,
				IV:         q.IV,
			}
			if q.Greeks != nil {
				v.Delta, v.Gamma, v.Vega, v.Theta, v.Rho = q.Greeks.Delta, q.Greeks.Gamma, q.Greeks.Vega, q.Greeks.Theta, q.Greeks.Rho
			}
			views = append(views, v)
		}
	}
	if ivN > 0 {
		o.reg.Set(metrics.MIVMean, ivSum/float64(ivN), in.index, rule)
	}
	return views
}

// resolveExpiry prefers the in-process expiry service over a fetched date
// list, falling back to the provider's own rule resolution.
func (o *Orchestrator) resolveExpiry(ctx context.Context, index string, rule expiry.Rule, dates []time.Time) (time.Time, error) {
	if len(dates) > 0 {
		if d, err := o.expiries.Select(rule, dates); err == nil {
			return d, nil
		}
	}
	d, err := o.prov.ResolveExpiry(ctx, index, rule)
	o.noteAPI(err)
	return d, err
}

// fetchFiltered pulls the instrument universe for a date and runs the
// option filter, tallying rejection reasons.
func (o *Orchestrator) fetchFiltered(ctx context.Context, in expiryInputs, date time.Time) ([]provider.Instrument, error) {
	instruments, err := o.prov.OptionInstruments(ctx, in.index, date, in.universe.Strikes)
	o.noteAPI(err)
	if err != nil {
		return nil, err
	}
	if o.cfg.Filter.DisablePrefilter {
		return instruments, nil
	}
	batch := o.filter.NewBatch(in.index, date, in.universe.Strikes)
	kept, stats := o.filter.Apply(batch, instruments)
	for reason, n := range stats.Rejections {
		o.reg.Add(metrics.MPrefilterRejects, float64(n), in.index, string(reason))
	}
	return kept, nil
}

// expiryFallback hunts for a usable instrument set after the primary
// expiry matched nothing: forward over the next expiries, then a few days
// back, then a permissive nearest-strike pass.
func (o *Orchestrator) expiryFallback(ctx context.Context, in expiryInputs, primary time.Time) ([]provider.Instrument, time.Time, string) {
	if o.cfg.Collection.NearestExpiryFallback {
		for _, d := range forwardDates(in.dates, primary, maxForwardFallbacks) {
			kept, err := o.fetchFiltered(ctx, in, d)
			if err != nil {
				continue
			}
			if len(kept) > 0 && intersectsUniverse(kept, in.universe.Strikes) {
				o.reg.Inc(metrics.MExpiryFallbacks, in.index, "forward")
				return kept, d, "forward"
			}
		}
	}
	if o.cfg.Collection.BackwardExpiryFallback {
		for back := 1; back <= maxBackwardDays; back++ {
			d := primary.AddDate(0, 0, -back)
			kept, err := o.fetchFiltered(ctx, in, d)
			if err != nil {
				continue
			}
			if len(kept) > 0 && intersectsUniverse(kept, in.universe.Strikes) {
				o.reg.Inc(metrics.MExpiryFallbacks, in.index, "backward")
				return kept, d, "backward"
			}
		}
	}
	if o.cfg.Collection.RelaxEmptyMatch {
		keys := strikes.KeySet(in.universe.Strikes)
		for _, d := range forwardDates(in.dates, time.Time{}, len(in.dates)) {
			instruments, err := o.prov.OptionInstruments(ctx, in.index, d, in.universe.Strikes)
			o.noteAPI(err)
			if err != nil {
				continue
			}
			kept := make([]provider.Instrument, 0, len(instruments))
			for _, inst := range instruments {
				if !inst.InstrumentType.Valid() {
					continue
				}
				if _, ok := keys[strikes.Key(inst.Strike)]; ok {
					kept = append(kept, inst)
				}
			}
			if len(kept) > 0 {
				o.reg.Inc(metrics.MExpiryFallbacks, in.index, "permissive")
				return kept, d, "permissive"
			}
		}
	}
	return nil, primary, ""
}

func forwardDates(dates []time.Time, after time.Time, limit int) []time.Time {
	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	out := make([]time.Time, 0, limit)
	for _, d := range sorted {
		if !d.After(after) {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out
}

func intersectsUniverse(instruments []provider.Instrument, requested []float64) bool {
	keys := strikes.KeySet(requested)
	for _, inst := range instruments {
		if _, ok := keys[strikes.Key(inst.Strike)]; ok {
			return true
		}
	}
	return false
}
