package storage

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/provider"
	"github.com/g6io/g6/internal/snapshots"
	"github.com/g6io/g6/internal/strikes"
)

// Day-file columns. The weekday overlay reads tp and avg_tp plus the leg
// prices, keyed by timestamp for idempotent re-runs.
var dayHeader = []string{"timestamp", "ce", "pe", "tp", "avg_ce", "avg_pe", "avg_tp", "ce_oi", "pe_oi"}

var overviewHeader = []string{"timestamp", "ltp", "pcr", "day_width", "expiry_code", "status"}

// CSVSink appends one row per strike offset per cycle into
// <root>/<INDEX>/<TAG>/<OFFSET>/<YYYY-MM-DD>.csv and overview rows into
// <root>/overview/<INDEX>/<YYYY-MM-DD>.csv.
type CSVSink struct {
	root string
	reg  *metrics.Registry
	now  func() time.Time

	mu sync.Mutex
}

// NewCSVSink builds the sink; root defaults to data/g6_data.
func NewCSVSink(root string, reg *metrics.Registry) *CSVSink {
	if root == "" {
		root = filepath.Join("data", "g6_data")
	}
	return &CSVSink{root: root, reg: reg, now: istime.Now}
}

// WithClock replaces the timestamp source; tests pin it.
func (s *CSVSink) WithClock(now func() time.Time) *CSVSink {
	s.now = now
	return s
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Close() error { return nil }

type legPair struct {
	ce, pe *provider.Quote
}

// WriteOptions groups the chain into ATM-relative strike offsets and
// appends one straddle row per offset. Offsets with only one leg still
// write; the missing side stays zero.
func (s *CSVSink) WriteOptions(ctx context.Context, snap snapshots.ExpirySnapshot) (MetricsPayload, error) {
	if err := ctx.Err(); err != nil {
		return MetricsPayload{}, errs.Wrap(errs.KindTimeout, "storage.csv.options", err)
	}
	if snap.ATMStrike <= 0 {
		return MetricsPayload{}, errs.E(errs.KindInputInvalid, "csv sink needs an ATM strike for %s", snap.Index)
	}
	step := strikes.StepFor(snap.Index)
	byOffset := map[int]*legPair{}
	for i := range snap.Options {
		o := &snap.Options[i]
		if o.Strike <= 0 {
			continue
		}
		off := int(math.Round((o.Strike - snap.ATMStrike) / step))
		pair := byOffset[off]
		if pair == nil {
			pair = &legPair{}
			byOffset[off] = pair
		}
		switch o.InstrumentType {
		case provider.TypeCall:
			pair.ce = o
		case provider.TypePut:
			pair.pe = o
		}
	}

	ts := s.rowTime(snap.GeneratedAt)
	date := ts.Format("2006-01-02")
	stamp := istime.Format(ts)

	offsets := make([]int, 0, len(byOffset))
	for off := range byOffset {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, off := range offsets {
		pair := byOffset[off]
		var ce, pe, avgCE, avgPE float64
		var ceOI, peOI int64
		if pair.ce != nil {
			ce, avgCE, ceOI = pair.ce.LastPrice, pair.ce.AvgPrice, pair.ce.OI
		}
		if pair.pe != nil {
			pe, avgPE, peOI = pair.pe.LastPrice, pair.pe.AvgPrice, pair.pe.OI
		}
		row := []string{
			stamp,
			formatF(ce), formatF(pe), formatF(ce + pe),
			formatF(avgCE), formatF(avgPE), formatF(avgCE + avgPE),
			strconv.FormatInt(ceOI, 10), strconv.FormatInt(peOI, 10),
		}
		dir := filepath.Join(s.root, snap.Index, snap.ExpiryRule, OffsetTag(off))
		if err := appendCSV(filepath.Join(dir, date+".csv"), dayHeader, row); err != nil {
			return MetricsPayload{}, errs.Wrap(errs.KindPersistenceFail, "storage.csv.options", err)
		}
	}
	if s.reg != nil {
		s.reg.Add(metrics.MSinkWrites, float64(len(offsets)), s.Name(), snap.Index)
	}
	return MetricsPayload{
		PCR:        snapshots.PutCallRatio(snap.Options),
		DayWidth:   len(offsets),
		Timestamp:  ts,
		ExpiryCode: snap.ExpiryRule,
	}, nil
}

// WriteOverview appends the per-index cycle summary row.
func (s *CSVSink) WriteOverview(ctx context.Context, row OverviewRow) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindTimeout, "storage.csv.overview", err)
	}
	ts := row.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	rec := []string{
		istime.Format(ts),
		formatF(row.LTP), formatF(row.PCR),
		strconv.Itoa(row.DayWidth), row.ExpiryCode, row.Status,
	}
	dir := filepath.Join(s.root, "overview", row.Index)
	date := ts.In(istime.Zone()).Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendCSV(filepath.Join(dir, date+".csv"), overviewHeader, rec); err != nil {
		return errs.Wrap(errs.KindPersistenceFail, "storage.csv.overview", err)
	}
	if s.reg != nil {
		s.reg.Inc(metrics.MOverviewWrites, row.Index)
	}
	return nil
}

func (s *CSVSink) rowTime(generatedAt string) time.Time {
	if generatedAt != "" {
		if t, err := time.Parse(time.RFC3339, generatedAt); err == nil {
			return t.In(istime.Zone())
		}
	}
	return s.now()
}

// OffsetTag renders an ATM-relative offset as a path segment: 0, +1, -2.
func OffsetTag(off int) string {
	if off > 0 {
		return "+" + strconv.Itoa(off)
	}
	return strconv.Itoa(off)
}

func formatF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// appendCSV opens the file for append, creating directories and writing
// the header when the file is new.
func appendCSV(path string, header, row []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
