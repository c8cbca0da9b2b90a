package provider

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/g6io/g6/internal/expiry"
	"github.com/g6io/g6/internal/metrics"
)

// Cached layers the day-scoped instrument caches over a Provider. The
// batch universe (redis-shared when configured) serves repeat ladder
// requests; the per-contract LRU absorbs ladder drift, assembling a
// response locally when ATM moved but every requested contract is
// already known. Quote calls always pass through.
type Cached struct {
	inner     Provider
	universe  *UniverseCache
	contracts *InstrumentCache
	reg       *metrics.Registry

	mu            sync.Mutex
	lastEvictions int64
}

// NewCached wraps inner with the caches; either cache may be nil to
// disable that stage.
func NewCached(inner Provider, universe *UniverseCache, contracts *InstrumentCache, reg *metrics.Registry) *Cached {
	return &Cached{inner: inner, universe: universe, contracts: contracts, reg: reg}
}

func (c *Cached) Name() string { return "cached(" + c.inner.Name() + ")" }

// BreakerState forwards to the wrapped provider when it carries circuit
// breakers, so status exposure survives the decoration.
func (c *Cached) BreakerState(index string) string {
	if bs, ok := c.inner.(interface{ BreakerState(string) string }); ok {
		return bs.BreakerState(index)
	}
	return "closed"
}

func (c *Cached) IndexData(ctx context.Context, index string) (float64, OHLC, error) {
	return c.inner.IndexData(ctx, index)
}

func (c *Cached) ATMStrike(ctx context.Context, index string) (float64, error) {
	return c.inner.ATMStrike(ctx, index)
}

func (c *Cached) LTP(ctx context.Context, index string) (float64, error) {
	return c.inner.LTP(ctx, index)
}

func (c *Cached) ExpiryDates(ctx context.Context, index string) ([]time.Time, error) {
	return c.inner.ExpiryDates(ctx, index)
}

func (c *Cached) ResolveExpiry(ctx context.Context, index string, rule expiry.Rule) (time.Time, error) {
	return c.inner.ResolveExpiry(ctx, index, rule)
}

func (c *Cached) Quotes(ctx context.Context, instruments []Instrument) (map[string]Quote, error) {
	return c.inner.Quotes(ctx, instruments)
}

func (c *Cached) OptionInstruments(ctx context.Context, index string, expiryDate time.Time, strikeList []float64) ([]Instrument, error) {
	key := batchKey(index, expiryDate, strikeList)

	if c.universe != nil {
		if cached, ok := c.universe.Get(ctx, key); ok {
			c.count(metrics.MUniverseCacheHits)
			return cached, nil
		}
	}
	c.count(metrics.MUniverseCacheMiss)

	if out, ok := c.assembleFromContracts(index, expiryDate, strikeList); ok {
		if c.universe != nil {
			c.universe.Put(ctx, key, out)
		}
		return out, nil
	}

	out, err := c.inner.OptionInstruments(ctx, index, expiryDate, strikeList)
	if err != nil {
		return nil, err
	}
	if c.universe != nil {
		c.universe.Put(ctx, key, out)
	}
	if c.contracts != nil {
		for _, inst := range out {
			c.contracts.Put(InstrumentKey(index, inst.Expiry, inst.Strike, inst.InstrumentType), inst)
		}
		c.noteEvictions()
	}
	return out, nil
}

// assembleFromContracts rebuilds a ladder response from the LRU. Both
// legs of every requested strike must be present; a single gap falls
// back to the provider so partial chains never look authoritative.
func (c *Cached) assembleFromContracts(index string, expiryDate time.Time, strikeList []float64) ([]Instrument, bool) {
	if c.contracts == nil || len(strikeList) == 0 {
		return nil, false
	}
	out := make([]Instrument, 0, len(strikeList)*2)
	for _, strike := range strikeList {
		for _, t := range []InstrumentType{TypeCall, TypePut} {
			inst, ok := c.contracts.Get(InstrumentKey(index, expiryDate, strike, t))
			if !ok {
				return nil, false
			}
			out = append(out, inst)
		}
	}
	return out, true
}

func (c *Cached) count(attr string) {
	if c.reg != nil {
		c.reg.Inc(attr)
	}
}

// noteEvictions converts the LRU's cumulative eviction count into
// counter increments.
func (c *Cached) noteEvictions() {
	if c.reg == nil {
		return
	}
	total := c.contracts.Evictions()
	c.mu.Lock()
	delta := total - c.lastEvictions
	c.lastEvictions = total
	c.mu.Unlock()
	if delta > 0 {
		c.reg.Add(metrics.MInstrumentEvicted, float64(delta))
	}
}

// batchKey fingerprints one ladder request. The strike list is hashed
// so redis keys stay short regardless of ladder width.
func batchKey(index string, expiryDate time.Time, strikeList []float64) string {
	sorted := make([]float64, len(strikeList))
	copy(sorted, strikeList)
	sort.Float64s(sorted)
	h := fnv.New64a()
	for _, s := range sorted {
		_, _ = h.Write([]byte(strconv.FormatFloat(s, 'f', 2, 64)))
		_, _ = h.Write([]byte{','})
	}
	return index + "|" + expiryDate.Format("2006-01-02") + "|" + strconv.FormatUint(h.Sum64(), 16)
}
