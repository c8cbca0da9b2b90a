package metrics

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Detail modes published by the adaptive controller. Mode full emits every
// per-option sample, band restricts to an ATM window, agg suppresses
// per-option emission entirely.
const (
	DetailModeFull = 0
	DetailModeBand = 1
	DetailModeAgg  = 2
)

// DetailModeFunc reports the current emission mode for an index and the
// price-unit half-width of the ATM band applied in band mode.
type DetailModeFunc func(index string) (mode int, bandWindow float64)

// CardinalityOptions tunes the per-option emission budget.
type CardinalityOptions struct {
	Enabled bool
	// ATMWindow rejects strikes further than this many price units from
	// ATM; zero disables the check.
	ATMWindow float64
	// RatePerSec caps accepted emissions per second; zero means no cap.
	RatePerSec int
	// ChangeThreshold rejects samples whose absolute change from the
	// last accepted value is below this; zero disables the check.
	ChangeThreshold float64
	Category        string
	Now             func() time.Time
}

// maxTrackedKeys bounds the last-value map; crossing it flushes wholesale,
// which only costs one extra emission per key afterwards.
const maxTrackedKeys = 65536

// Cardinality gates per-option metric emission. The detail-mode override
// runs before everything else and applies even when the manager itself is
// disabled.
type Cardinality struct {
	opts CardinalityOptions
	reg  *Registry

	mu       sync.Mutex
	detail   DetailModeFunc
	limiter  *rate.Limiter
	lastSeen map[string]lastSample
}

type lastSample struct {
	value float64
	at    time.Time
}

// NewCardinality builds the manager; reg receives decision counters.
func NewCardinality(reg *Registry, opts CardinalityOptions) *Cardinality {
	if opts.Category == "" {
		opts.Category = "option"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cardinality{
		opts:     opts,
		reg:      reg,
		lastSeen: make(map[string]lastSample),
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return c
}

// SetDetailModeFunc wires the adaptive controller's mode view in.
func (c *Cardinality) SetDetailModeFunc(fn DetailModeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detail = fn
}

func (c *Cardinality) count(decision, reason string) {
	c.reg.Inc(MSamplingEvents, c.opts.Category, decision, reason)
}

// ShouldEmit decides whether one per-option sample may reach Prometheus.
// atm ≤ 0 skips ATM-relative checks; a NaN value skips the change check.
func (c *Cardinality) ShouldEmit(index, expiryRule string, strike float64, optType string, atm, value float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detail != nil {
		mode, band := c.detail(index)
		switch {
		case mode == DetailModeAgg:
			c.count("reject", "detail_mode_agg")
			c.reg.Inc(MCardRejections, index, "detail_mode_agg")
			return false
		case mode == DetailModeBand && atm > 0 && band > 0 && math.Abs(strike-atm) > band:
			c.count("reject", "detail_mode_band_window")
			c.reg.Inc(MCardRejections, index, "detail_mode_band_window")
			return false
		}
	}

	if !c.opts.Enabled {
		c.count("accept", "manager_disabled")
		return true
	}

	if c.opts.ATMWindow > 0 && atm > 0 && math.Abs(strike-atm) > c.opts.ATMWindow {
		c.count("reject", "atm_window")
		return false
	}

	now := c.opts.Now()
	if c.limiter != nil && !c.limiter.AllowN(now, 1) {
		c.count("reject", "rate_limit")
		return false
	}

	key := sampleKey(index, expiryRule, strike, optType)
	if c.opts.ChangeThreshold > 0 && !math.IsNaN(value) {
		if last, ok := c.lastSeen[key]; ok && math.Abs(value-last.value) < c.opts.ChangeThreshold {
			c.count("reject", "change_threshold")
			return false
		}
	}

	if len(c.lastSeen) >= maxTrackedKeys {
		log.Debug().Int("keys", len(c.lastSeen)).Msg("cardinality last-value map flushed")
		c.lastSeen = make(map[string]lastSample)
	}
	if !math.IsNaN(value) {
		c.lastSeen[key] = lastSample{value: value, at: now}
	}
	c.count("accept", "accepted")
	return true
}

// Tracked returns the number of keys with a remembered last value.
func (c *Cardinality) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lastSeen)
}

func sampleKey(index, expiryRule string, strike float64, optType string) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", index, expiryRule, strike, optType)
}
