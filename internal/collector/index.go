package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/analytics"
	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/expiry"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/storage"
	"github.com/g6io/g6/internal/strikes"
)

// indexResult carries one index's outcome plus the option views handed to
// the analytics phase. abort is set only under stale write mode abort.
type indexResult struct {
	outcome IndexOutcome
	views   []analytics.OptionView
	abort   bool
	err     error
}

func (o *Orchestrator) collectIndex(ctx context.Context, ix config.IndexConfig, cycle int64, flags cycleFlags) indexResult {
	start := o.now()
	res := indexResult{outcome: IndexOutcome{Index: ix.Name}}
	out := &res.outcome
	defer func() {
		out.Elapsed = o.now().Sub(start).Seconds()
		o.reg.Set(metrics.MIndexElapsed, out.Elapsed, ix.Name)
		o.reg.Set(metrics.MIndexOptions, float64(out.Options), ix.Name)
		if out.Options > 0 {
			o.reg.Add(metrics.MOptionsProcessed, float64(out.Options), ix.Name)
		}
	}()

	spot, _, err := o.prov.IndexData(ctx, ix.Name)
	o.noteAPI(err)
	if err != nil {
		o.reg.Inc(metrics.MCollectionErrors, ix.Name, string(errs.KindOf(err)))
		log.Warn().Err(err).Str("index", ix.Name).Msg("index data fetch failed")
	}

	atm, err := o.prov.ATMStrike(ctx, ix.Name)
	o.noteAPI(err)
	if err != nil || atm <= 0 {
		if ltp, lerr := o.prov.LTP(ctx, ix.Name); lerr == nil && ltp > 0 {
			o.noteAPI(nil)
			atm = strikes.AlignATM(ltp, ix.Name)
			if spot <= 0 {
				spot = ltp
			}
		} else {
			o.noteAPI(lerr)
		}
	}
	out.LTP, out.ATM = spot, atm
	if atm <= 0 {
		o.reg.Inc(metrics.MCollectionErrors, ix.Name, "atm_zero")
		log.Error().Str("index", ix.Name).Msg("atm strike unresolved, failing all expiries")
		for _, rule := range ix.ExpiryRules {
			out.Expiries = append(out.Expiries, ExpiryRecord{
				Rule:   rule,
				Status: StatusEmpty,
				err:    errs.E(errs.KindInputInvalid, "atm_zero for %s", ix.Name),
			})
			out.Attempts++
			out.Failures++
		}
		out.Status = StatusEmpty
		res.err = errs.E(errs.KindInputInvalid, "atm_zero for %s", ix.Name)
		return res
	}
	o.reg.Set(metrics.MIndexPrice, spot, ix.Name)
	o.reg.Set(metrics.MIndexATM, atm, ix.Name)

	universe := strikes.Build(atm, ix.StrikesITM, ix.StrikesOTM, ix.Name, flags.scale)

	dates, err := o.prov.ExpiryDates(ctx, ix.Name)
	o.noteAPI(err)
	if err != nil {
		o.reg.Inc(metrics.MCollectionErrors, ix.Name, string(errs.KindOf(err)))
		dates = nil
	}

	for _, rule := range ix.ExpiryRules {
		out.Attempts++
		rec, views := o.processExpiry(ctx, expiryInputs{
			index:    ix.Name,
			rule:     expiry.Rule(rule),
			atm:      atm,
			spot:     spot,
			universe: universe,
			dates:    dates,
			flags:    flags,
		})
		if rec.err != nil {
			out.Failures++
		}
		out.Options += rec.Options
		out.Expiries = append(out.Expiries, rec)
		res.views = append(res.views, views...)
	}

	out.Status = indexStatusOf(out.Expiries)
	stale := o.detectStale(out)
	mode := o.cfg.Collection.StaleWriteMode
	if stale {
		out.Stale = true
		o.reg.Inc(metrics.MStaleIndices, ix.Name, mode)
		log.Warn().Str("index", ix.Name).Str("mode", mode).Msg("stale index detected")
		if mode != "allow" {
			for i := range out.Expiries {
				if out.Expiries[i].Status == StatusOK {
					out.Expiries[i].Status = StatusStale
				}
			}
			out.Status = StatusStale
		}
		switch mode {
		case "skip":
			return res
		case "abort":
			res.abort = true
			res.err = errStaleAbort(ix.Name)
			return res
		}
	}

	o.writeOverview(ctx, out)
	return res
}

// detectStale reports whether every expiry of the index sits at or below
// the stale field-coverage threshold while options were still collected.
func (o *Orchestrator) detectStale(out *IndexOutcome) bool {
	if out.Options == 0 {
		return false
	}
	threshold := o.cfg.Collection.StaleFieldCovThreshold
	for _, rec := range out.Expiries {
		if rec.Options > 0 && rec.FieldCoverage > threshold {
			return false
		}
	}
	return true
}

// writeOverview emits the per-index summary row through the sink, sourced
// from the first expiry that produced a metrics payload.
func (o *Orchestrator) writeOverview(ctx context.Context, out *IndexOutcome) {
	row := storage.OverviewRow{
		Index:     out.Index,
		LTP:       out.LTP,
		Status:    out.Status,
		Timestamp: o.now(),
	}
	for _, rec := range out.Expiries {
		if rec.payload.ExpiryCode != "" {
			row.PCR = rec.payload.PCR
			row.DayWidth = rec.payload.DayWidth
			row.ExpiryCode = rec.payload.ExpiryCode
			break
		}
	}
	if err := o.sink.WriteOverview(ctx, row); err != nil {
		log.Error().Err(err).Str("index", out.Index).Msg("overview write failed")
	}
}

// timeToExpiry returns the year-fraction clock used by the IV solver and
// greeks. Same-day expiries count the hours left to the 15:30 IST close
// so the solver never sees a zero clock.
func timeToExpiry(now, expiryDate time.Time) float64 {
	hours := istime.MarketClose(expiryDate).Sub(now).Hours()
	if hours < minTTEHours {
		hours = minTTEHours
	}
	return hours / (24 * 365)
}

const minTTEHours = 0.25
