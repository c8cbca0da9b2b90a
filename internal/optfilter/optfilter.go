// Package optfilter decides which raw instrument rows belong to a
// collection batch for one (index, expiry, strike set). Broker universes
// are routinely contaminated with sibling indices sharing a prefix
// (NIFTY vs FINNIFTY vs BANKNIFTY), so acceptance is a fixed decision
// ladder where the first failing check names the rejection reason.
package optfilter

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/provider"
	"github.com/g6io/g6/internal/strikes"
)

// MatchMode selects how trading symbols are matched against the index root.
type MatchMode string

const (
	// ModeStrict requires the index prefix followed by a date-like
	// boundary (digit, month code, or DDMMM fragment).
	ModeStrict MatchMode = "strict"
	// ModePrefix accepts any symbol starting with the index.
	ModePrefix MatchMode = "prefix"
	// ModeLegacy accepts any symbol containing the index.
	ModeLegacy MatchMode = "legacy"
)

// ParseMatchMode maps a config string to a MatchMode, defaulting to strict.
func ParseMatchMode(s string) MatchMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModePrefix):
		return ModePrefix
	case string(ModeLegacy), "lenient":
		return ModeLegacy
	default:
		return ModeStrict
	}
}

// Reason names the first check an instrument failed, or "accepted".
type Reason string

const (
	ReasonAccepted           Reason = "accepted"
	ReasonNotOptionType      Reason = "not_option_type"
	ReasonRootMismatch       Reason = "root_mismatch"
	ReasonExpiryMismatch     Reason = "expiry_mismatch"
	ReasonStrikeMismatch     Reason = "strike_mismatch"
	ReasonUnderlyingMismatch Reason = "underlying_mismatch"
)

// Decision is the outcome for a single instrument.
type Decision struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason"`
}

// DefaultRoots are the index roots recognized by root detection. Longest
// roots are tried first so FINNIFTY never resolves as NIFTY.
var DefaultRoots = []string{"NIFTY", "BANKNIFTY", "FINNIFTY", "MIDCPNIFTY", "SENSEX", "BANKEX"}

var (
	monthCodeRe = regexp.MustCompile(`^(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)`)
	dateCodeRe  = regexp.MustCompile(`^\d{1,2}[A-Z]{2,4}`)
)

// Options configures a Filter. Zero values mean strict matching with the
// default root list.
type Options struct {
	Mode             MatchMode
	UnderlyingStrict bool
	SafeMode         bool
	// RelaxEmptyMatch retries a batch in legacy mode when strict
	// filtering accepts nothing, trading purity for continuity.
	RelaxEmptyMatch bool
	Roots           []string
	CacheCapacity   int
	Now             func() time.Time
}

// Filter applies the acceptance ladder for all indices of one process.
type Filter struct {
	mode             MatchMode
	underlyingStrict bool
	safeMode         bool
	relaxEmpty       bool
	roots            []string
	cache            *rootCache
}

// New builds a Filter from options.
func New(opts Options) *Filter {
	if opts.Mode == "" {
		opts.Mode = ModeStrict
	}
	roots := opts.Roots
	if len(roots) == 0 {
		roots = DefaultRoots
	}
	ordered := make([]string, len(roots))
	for i, r := range roots {
		ordered[i] = strings.ToUpper(r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})
	return &Filter{
		mode:             opts.Mode,
		underlyingStrict: opts.UnderlyingStrict,
		safeMode:         opts.SafeMode,
		relaxEmpty:       opts.RelaxEmptyMatch,
		roots:            ordered,
		cache:            newRootCache(opts.CacheCapacity, opts.Now),
	}
}

// contaminationCap bounds how many foreign symbols a batch samples.
const contaminationCap = 6

// Batch carries the shared context for all rows of one (index, expiry)
// fetch: the target expiry date and the normalized strike key set.
type Batch struct {
	Index      string
	Expiry     time.Time
	StrikeKeys map[float64]struct{}

	mu            sync.Mutex
	contamination []string
}

// NewBatch normalizes the batch context. The expiry is reduced to its IST
// calendar date and strikes to two-decimal keys.
func (f *Filter) NewBatch(index string, expiryDate time.Time, strikeList []float64) *Batch {
	return &Batch{
		Index:      strings.ToUpper(index),
		Expiry:     istime.DateOnly(expiryDate),
		StrikeKeys: strikes.KeySet(strikeList),
	}
}

func (b *Batch) sample(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contamination) < contaminationCap {
		b.contamination = append(b.contamination, symbol)
	}
}

// Contamination returns the foreign symbols sampled during this batch,
// capped at six.
func (b *Batch) Contamination() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.contamination...)
}

// Decide runs the acceptance ladder for one instrument. The first failing
// check wins.
func (f *Filter) Decide(inst provider.Instrument, b *Batch) Decision {
	return f.decide(f.mode, inst, b)
}

func (f *Filter) decide(mode MatchMode, inst provider.Instrument, b *Batch) Decision {
	if !inst.InstrumentType.Valid() {
		return Decision{Reason: ReasonNotOptionType}
	}
	if root := f.DetectRoot(inst.TradingSymbol); root != "" && root != b.Index {
		b.sample(inst.TradingSymbol)
		return Decision{Reason: ReasonRootMismatch}
	}
	if !istime.DateOnly(inst.Expiry).Equal(b.Expiry) {
		return Decision{Reason: ReasonExpiryMismatch}
	}
	if _, ok := b.StrikeKeys[strikes.Key(inst.Strike)]; !ok {
		return Decision{Reason: ReasonStrikeMismatch}
	}
	if !SymbolMatchesIndex(b.Index, inst.TradingSymbol, mode) {
		return Decision{Reason: ReasonRootMismatch}
	}
	if f.safeMode && ParseRootBeforeDigits(strings.ToUpper(inst.TradingSymbol)) != b.Index {
		return Decision{Reason: ReasonRootMismatch}
	}
	if f.underlyingStrict && inst.UnderlyingName != "" && !strings.EqualFold(inst.UnderlyingName, b.Index) {
		return Decision{Reason: ReasonUnderlyingMismatch}
	}
	return Decision{OK: true, Reason: ReasonAccepted}
}

// BatchStats summarizes one Apply pass for metrics and status exposure.
type BatchStats struct {
	Scanned    int
	Accepted   int
	Rejections map[Reason]int
	Relaxed    bool
}

// Apply filters instruments in order, preserving input order among the
// accepted rows. When RelaxEmptyMatch is set and the strict pass keeps
// nothing, the batch is re-run in legacy mode and marked Relaxed.
func (f *Filter) Apply(b *Batch, instruments []provider.Instrument) ([]provider.Instrument, BatchStats) {
	kept, stats := f.applyMode(f.mode, b, instruments)
	if len(kept) == 0 && len(instruments) > 0 && f.relaxEmpty && f.mode != ModeLegacy {
		kept, stats = f.applyMode(ModeLegacy, b, instruments)
		stats.Relaxed = true
	}
	return kept, stats
}

func (f *Filter) applyMode(mode MatchMode, b *Batch, instruments []provider.Instrument) ([]provider.Instrument, BatchStats) {
	stats := BatchStats{Scanned: len(instruments), Rejections: make(map[Reason]int)}
	kept := make([]provider.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		d := f.decide(mode, inst, b)
		if d.OK {
			kept = append(kept, inst)
			continue
		}
		stats.Rejections[d.Reason]++
	}
	stats.Accepted = len(kept)
	return kept, stats
}

// DetectRoot returns the longest known root prefixing symbol, or "" when
// the symbol matches no known index. Lookups go through a day-rolled
// bounded cache since universes repeat the same symbols all session.
func (f *Filter) DetectRoot(symbol string) string {
	sym := strings.ToUpper(symbol)
	if root, ok := f.cache.get(sym); ok {
		return root
	}
	root := ""
	for _, r := range f.roots {
		if strings.HasPrefix(sym, r) {
			root = r
			break
		}
	}
	f.cache.put(sym, root)
	return root
}

// ParseRootBeforeDigits returns the symbol text before its first digit,
// the whole symbol when it carries none.
func ParseRootBeforeDigits(symbol string) string {
	for i, r := range symbol {
		if r >= '0' && r <= '9' {
			return symbol[:i]
		}
	}
	return symbol
}

// SymbolMatchesIndex reports whether symbol belongs to index under mode.
// Strict mode demands the prefix be followed by a digit, a month code, or
// a DDMMM-style date fragment so NIFTY never swallows NIFTYNXT contracts.
func SymbolMatchesIndex(index, symbol string, mode MatchMode) bool {
	idx := strings.ToUpper(index)
	sym := strings.ToUpper(symbol)
	switch mode {
	case ModePrefix:
		return strings.HasPrefix(sym, idx)
	case ModeLegacy:
		return strings.Contains(sym, idx)
	default:
		if !strings.HasPrefix(sym, idx) {
			return false
		}
		rest := sym[len(idx):]
		if rest == "" {
			return false
		}
		if rest[0] >= '0' && rest[0] <= '9' {
			return true
		}
		return monthCodeRe.MatchString(rest) || dateCodeRe.MatchString(rest)
	}
}
