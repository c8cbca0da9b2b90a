package collector

import (
	"time"

	"github.com/g6io/g6/internal/provider"
	"github.com/g6io/g6/internal/storage"
	"github.com/g6io/g6/internal/strikes"
)

// Status tokens shared by expiries, indices and the cycle.
const (
	StatusOK      = "OK"
	StatusPartial = "PARTIAL"
	StatusEmpty   = "EMPTY"
	StatusStale   = "STALE"
)

// Reasons attached to a PARTIAL classification. ReasonUnknown marks an
// expiry that collected rows but hit an error before finishing.
const (
	ReasonLowStrike = "low_strike"
	ReasonLowField  = "low_field"
	ReasonLowBoth   = "low_both"
	ReasonUnknown   = "unknown"
)

// ExpiryRecord is the classified outcome of one (index, rule) pass.
type ExpiryRecord struct {
	Rule           string  `json:"rule"`
	ExpiryDate     string  `json:"expiry_date,omitempty"`
	Status         string  `json:"status"`
	Options        int     `json:"options"`
	StrikeCoverage float64 `json:"strike_coverage"`
	FieldCoverage  float64 `json:"field_coverage"`
	PartialReason  string  `json:"partial_reason,omitempty"`
	Fallback       string  `json:"fallback,omitempty"`

	payload storage.MetricsPayload
	err     error
}

// Err returns the terminal error of the pass, nil when it ran clean.
func (r ExpiryRecord) Err() error { return r.err }

// IndexOutcome aggregates one index's expiries for the cycle.
type IndexOutcome struct {
	Index    string         `json:"index"`
	Status   string         `json:"status"`
	LTP      float64        `json:"ltp"`
	ATM      float64        `json:"atm"`
	Options  int            `json:"options"`
	Attempts int            `json:"attempts"`
	Failures int            `json:"failures"`
	Elapsed  float64        `json:"elapsed_s"`
	Stale    bool           `json:"stale"`
	Expiries []ExpiryRecord `json:"expiries"`
}

// CycleOutcome is everything one cycle produced, handed to the status
// writer through the OnCycle hook and summarized into the benchmark
// artifact.
type CycleOutcome struct {
	Cycle               int64
	Start               time.Time
	Duration            time.Duration
	DurationS           float64
	Status              string
	Indices             []IndexOutcome
	Options             int
	PhaseTimes          map[string]float64
	PhaseFailures       map[string]int
	PartialReasonTotals map[string]int
	SuccessRatePct      float64
	OptionsPerMinute    float64
	APISuccessRate      float64
	MemoryMB            float64
	CPUPct              float64
	MemoryTier          Tier
	Interval            time.Duration
	SleepSec            float64
	Err                 error
}

// ClassifyExpiry maps an expiry's option count and coverage onto a status
// token. EMPTY when nothing was collected; OK when both coverages clear
// their thresholds; PARTIAL otherwise, with the reason naming the failing
// side.
func ClassifyExpiry(options int, strikeCov, fieldCov, strikeOK, fieldOK float64) (string, string) {
	if options == 0 {
		return StatusEmpty, ""
	}
	lowStrike := strikeCov < strikeOK
	lowField := fieldCov < fieldOK
	switch {
	case !lowStrike && !lowField:
		return StatusOK, ""
	case lowStrike && lowField:
		return StatusPartial, ReasonLowBoth
	case lowStrike:
		return StatusPartial, ReasonLowStrike
	default:
		return StatusPartial, ReasonLowField
	}
}

// statusFold collapses child statuses: EMPTY when all children are EMPTY,
// OK when all are OK, PARTIAL otherwise. An empty set is EMPTY.
func statusFold(statuses []string) string {
	if len(statuses) == 0 {
		return StatusEmpty
	}
	allEmpty, allOK := true, true
	for _, s := range statuses {
		if s != StatusEmpty {
			allEmpty = false
		}
		if s != StatusOK {
			allOK = false
		}
	}
	switch {
	case allEmpty:
		return StatusEmpty
	case allOK:
		return StatusOK
	default:
		return StatusPartial
	}
}

func indexStatusOf(records []ExpiryRecord) string {
	statuses := make([]string, len(records))
	for i, r := range records {
		statuses[i] = r.Status
	}
	return statusFold(statuses)
}

// CycleStatusOf folds index outcomes into the cycle status. Any stale
// index forces STALE; otherwise the usual EMPTY/OK/PARTIAL fold applies.
func CycleStatusOf(indices []IndexOutcome) string {
	statuses := make([]string, len(indices))
	for i, ix := range indices {
		if ix.Stale || ix.Status == StatusStale {
			return StatusStale
		}
		statuses[i] = ix.Status
	}
	return statusFold(statuses)
}

// StrikeCoverage is the fraction of requested strikes observed in the
// accepted chain, zero when nothing was requested.
func StrikeCoverage(requested []float64, options []provider.Quote) float64 {
	if len(requested) == 0 {
		return 0
	}
	seen := make(map[float64]struct{}, len(options))
	for _, o := range options {
		seen[strikes.Key(o.Strike)] = struct{}{}
	}
	hit := 0
	for _, s := range requested {
		if _, ok := seen[strikes.Key(s)]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(requested))
}

// FieldCoverage is the fraction of options carrying volume, OI and an
// average price, zero for an empty chain.
func FieldCoverage(options []provider.Quote) float64 {
	if len(options) == 0 {
		return 0
	}
	full := 0
	for _, o := range options {
		if o.Volume > 0 && o.OI > 0 && o.AvgPrice > 0 {
			full++
		}
	}
	return float64(full) / float64(len(options))
}
