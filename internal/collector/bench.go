package collector

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/g6io/g6/internal/metrics"
)

const (
	benchPrefix  = "benchmark_cycle_"
	benchStamp   = "2006-01-02T15-04-05.000000Z"
	benchHistory = 32
	benchMinHist = 8
	benchZScore  = 3.0
)

// benchArtifact is the persisted per-cycle benchmark record. The digest
// covers the canonical JSON of everything but the digest field itself.
type benchArtifact struct {
	Version             int                `json:"version"`
	Timestamp           string             `json:"timestamp"`
	DurationS           float64            `json:"duration_s"`
	PhaseTimes          map[string]float64 `json:"phase_times"`
	PhaseFailures       map[string]int     `json:"phase_failures"`
	OptionsTotal        int                `json:"options_total"`
	Indices             []benchIndex       `json:"indices"`
	PartialReasonTotals map[string]int     `json:"partial_reason_totals"`
	Anomalies           []benchAnomaly     `json:"anomalies,omitempty"`
	AnomalySummary      string             `json:"anomaly_summary,omitempty"`
	DigestSHA256        string             `json:"digest_sha256"`
}

type benchIndex struct {
	Index    string        `json:"index"`
	Status   string        `json:"status"`
	Expiries []benchExpiry `json:"expiries"`
}

type benchExpiry struct {
	Rule           string  `json:"rule"`
	Status         string  `json:"status"`
	Options        int     `json:"options"`
	StrikeCoverage float64 `json:"strike_coverage"`
	FieldCoverage  float64 `json:"field_coverage"`
	PartialReason  string  `json:"partial_reason,omitempty"`
}

type benchAnomaly struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Mean   float64 `json:"mean"`
	ZScore float64 `json:"z_score"`
}

// benchWriter persists one artifact per cycle and prunes old files down
// to keepN. Anomalies compare the cycle against a bounded history of
// durations and option counts.
type benchWriter struct {
	dir      string
	keepN    int
	compress bool
	reg      *metrics.Registry

	mu      sync.Mutex
	history []benchPoint
}

type benchPoint struct {
	duration float64
	options  float64
}

func newBenchWriter(dir string, keepN int, compress bool, reg *metrics.Registry) *benchWriter {
	if keepN <= 0 {
		keepN = 24
	}
	return &benchWriter{dir: dir, keepN: keepN, compress: compress, reg: reg}
}

// write persists the cycle artifact and returns its path. Failures are
// best-effort: the caller logs and moves on.
func (w *benchWriter) write(out *CycleOutcome) (string, error) {
	art := w.build(out)

	digest, err := artifactDigest(art)
	if err != nil {
		return "", err
	}
	art.DigestSHA256 = digest

	data, err := json.Marshal(art)
	if err != nil {
		return "", fmt.Errorf("marshal benchmark artifact: %w", err)
	}
	if w.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return "", fmt.Errorf("compress benchmark artifact: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", fmt.Errorf("compress benchmark artifact: %w", err)
		}
		data = buf.Bytes()
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create benchmark dir: %w", err)
	}
	name := benchPrefix + out.Start.UTC().Format(benchStamp) + ".json"
	if w.compress {
		name += ".gz"
	}
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write benchmark artifact: %w", err)
	}
	if w.reg != nil {
		w.reg.Inc(metrics.MBenchArtifacts)
	}
	w.prune()
	return path, nil
}

// build assembles the artifact and flags anomalies against the history
// before folding the cycle into it.
func (w *benchWriter) build(out *CycleOutcome) benchArtifact {
	art := benchArtifact{
		Version:             1,
		Timestamp:           out.Start.UTC().Format("2006-01-02T15:04:05.000000Z"),
		DurationS:           out.DurationS,
		PhaseTimes:          out.PhaseTimes,
		PhaseFailures:       out.PhaseFailures,
		OptionsTotal:        out.Options,
		PartialReasonTotals: out.PartialReasonTotals,
	}
	for _, ix := range out.Indices {
		bi := benchIndex{Index: ix.Index, Status: ix.Status}
		for _, rec := range ix.Expiries {
			bi.Expiries = append(bi.Expiries, benchExpiry{
				Rule:           rec.Rule,
				Status:         rec.Status,
				Options:        rec.Options,
				StrikeCoverage: rec.StrikeCoverage,
				FieldCoverage:  rec.FieldCoverage,
				PartialReason:  rec.PartialReason,
			})
		}
		art.Indices = append(art.Indices, bi)
	}

	w.mu.Lock()
	art.Anomalies = w.detect(benchPoint{duration: out.DurationS, options: float64(out.Options)})
	w.history = append(w.history, benchPoint{duration: out.DurationS, options: float64(out.Options)})
	if len(w.history) > benchHistory {
		w.history = w.history[len(w.history)-benchHistory:]
	}
	w.mu.Unlock()

	if len(art.Anomalies) > 0 {
		names := make([]string, len(art.Anomalies))
		for i, a := range art.Anomalies {
			names[i] = a.Metric
			if w.reg != nil {
				w.reg.Inc(metrics.MBenchAnomalies, a.Metric)
			}
		}
		art.AnomalySummary = fmt.Sprintf("%d anomalous metrics: %s", len(names), strings.Join(names, ", "))
	}
	return art
}

// detect flags metrics whose current value sits beyond the z-score bound
// of the recorded history. Caller holds the lock.
func (w *benchWriter) detect(p benchPoint) []benchAnomaly {
	if len(w.history) < benchMinHist {
		return nil
	}
	var out []benchAnomaly
	check := func(metric string, value float64, pick func(benchPoint) float64) {
		var sum float64
		for _, h := range w.history {
			sum += pick(h)
		}
		mean := sum / float64(len(w.history))
		var variance float64
		for _, h := range w.history {
			d := pick(h) - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(len(w.history)))
		if sd == 0 {
			return
		}
		z := (value - mean) / sd
		if math.Abs(z) >= benchZScore {
			out = append(out, benchAnomaly{Metric: metric, Value: value, Mean: mean, ZScore: z})
		}
	}
	check("duration_s", p.duration, func(h benchPoint) float64 { return h.duration })
	check("options_total", p.options, func(h benchPoint) float64 { return h.options })
	return out
}

// prune removes the oldest artifacts beyond keepN. The stamp embedded in
// the filename sorts lexically, so name order is age order.
func (w *benchWriter) prune() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), benchPrefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= w.keepN {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-w.keepN] {
		_ = os.Remove(filepath.Join(w.dir, name))
	}
}

// artifactDigest hashes the canonical JSON of the artifact with an empty
// digest field, so rereading a file and recomputing reproduces the value.
func artifactDigest(art benchArtifact) (string, error) {
	art.DigestSHA256 = ""
	data, err := json.Marshal(art)
	if err != nil {
		return "", fmt.Errorf("digest benchmark artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
