// Package snapshots retains the latest per-expiry option chains for the
// catalog HTTP surface and derives the chain-level overview numbers
// (put-call ratio, max pain).
package snapshots

import (
	"container/list"
	"math"
	"sort"
	"sync"

	"github.com/g6io/g6/internal/provider"
)

// ExpirySnapshot is one collected chain: every enriched option for an
// (index, expiry rule) pair at a point in time.
type ExpirySnapshot struct {
	Index       string           `json:"index"`
	ExpiryRule  string           `json:"expiry_rule"`
	ExpiryDate  string           `json:"expiry_date"`
	ATMStrike   float64          `json:"atm_strike"`
	Options     []provider.Quote `json:"options"`
	GeneratedAt string           `json:"generated_at"`
}

// Cache keeps the latest snapshot per (index, expiry rule), bounded by
// LRU eviction. A single lock guards all state.
type Cache struct {
	mu      sync.Mutex
	enabled bool
	max     int
	ll      *list.List
	entries map[string]*list.Element
}

const defaultCacheSize = 64

// NewCache builds the cache. A disabled cache accepts nothing and serves
// nothing, which the HTTP layer maps to its 400 response.
func NewCache(enabled bool, max int) *Cache {
	if max <= 0 {
		max = defaultCacheSize
	}
	return &Cache{
		enabled: enabled,
		max:     max,
		ll:      list.New(),
		entries: make(map[string]*list.Element, max),
	}
}

// Enabled reports whether the cache accepts snapshots.
func (c *Cache) Enabled() bool { return c.enabled }

func snapKey(index, rule string) string { return index + "|" + rule }

// Put stores the snapshot, replacing any previous one for the same
// (index, rule) and evicting the least recently touched entry when full.
func (c *Cache) Put(snap ExpirySnapshot) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := snapKey(snap.Index, snap.ExpiryRule)
	if el, ok := c.entries[key]; ok {
		el.Value = &snap
		c.ll.MoveToFront(el)
		return
	}
	c.entries[key] = c.ll.PushFront(&snap)
	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*ExpirySnapshot)
		c.ll.Remove(oldest)
		delete(c.entries, snapKey(old.Index, old.ExpiryRule))
	}
}

// Get returns the snapshot for (index, rule) and refreshes its recency.
func (c *Cache) Get(index, rule string) (ExpirySnapshot, bool) {
	if !c.enabled {
		return ExpirySnapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[snapKey(index, rule)]
	if !ok {
		return ExpirySnapshot{}, false
	}
	c.ll.MoveToFront(el)
	return *el.Value.(*ExpirySnapshot), true
}

// List returns retained snapshots, optionally filtered by index, in
// deterministic (index, rule) order. Recency is not touched.
func (c *Cache) List(index string) []ExpirySnapshot {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ExpirySnapshot, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		snap := el.Value.(*ExpirySnapshot)
		if index != "" && snap.Index != index {
			continue
		}
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ExpiryRule < out[j].ExpiryRule
	})
	return out
}

// Len returns the number of retained snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Overview is the chain-level summary served next to the snapshot list.
type Overview struct {
	TotalIndices  int     `json:"total_indices"`
	TotalExpiries int     `json:"total_expiries"`
	TotalOptions  int     `json:"total_options"`
	PutCallRatio  float64 `json:"put_call_ratio"`
	MaxPainStrike float64 `json:"max_pain_strike"`
}

// BuildOverview summarizes a snapshot list. PCR and max pain pool every
// option across the given snapshots.
func BuildOverview(snaps []ExpirySnapshot) Overview {
	ov := Overview{TotalExpiries: len(snaps)}
	indices := map[string]bool{}
	var all []provider.Quote
	for _, s := range snaps {
		indices[s.Index] = true
		ov.TotalOptions += len(s.Options)
		all = append(all, s.Options...)
	}
	ov.TotalIndices = len(indices)
	ov.PutCallRatio = PutCallRatio(all)
	ov.MaxPainStrike = MaxPain(all)
	return ov
}

// PutCallRatio computes put OI over call OI, falling back to volume when
// the chain carries no OI at all. Zero when either basis is absent.
func PutCallRatio(options []provider.Quote) float64 {
	var putOI, callOI, putVol, callVol int64
	for _, o := range options {
		switch o.InstrumentType {
		case provider.TypePut:
			putOI += o.OI
			putVol += o.Volume
		case provider.TypeCall:
			callOI += o.OI
			callVol += o.Volume
		}
	}
	if callOI > 0 {
		return float64(putOI) / float64(callOI)
	}
	if callVol > 0 {
		return float64(putVol) / float64(callVol)
	}
	return 0
}

// MaxPain returns the settlement strike that minimizes the total payout
// to option holders, OI-weighted. Ties resolve to the lowest strike;
// an empty chain returns 0.
func MaxPain(options []provider.Quote) float64 {
	strikes := map[float64]bool{}
	for _, o := range options {
		if o.Strike > 0 {
			strikes[o.Strike] = true
		}
	}
	if len(strikes) == 0 {
		return 0
	}
	candidates := make([]float64, 0, len(strikes))
	for k := range strikes {
		candidates = append(candidates, k)
	}
	sort.Float64s(candidates)

	best, bestPain := 0.0, math.Inf(1)
	for _, settle := range candidates {
		pain := 0.0
		for _, o := range options {
			oi := float64(o.OI)
			if oi <= 0 || o.Strike <= 0 {
				continue
			}
			switch o.InstrumentType {
			case provider.TypeCall:
				if settle > o.Strike {
					pain += oi * (settle - o.Strike)
				}
			case provider.TypePut:
				if o.Strike > settle {
					pain += oi * (o.Strike - settle)
				}
			}
		}
		if pain < bestPain {
			best, bestPain = settle, pain
		}
	}
	return best
}
