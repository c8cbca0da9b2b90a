// Package overlay is the end-of-day weekday aggregator. It folds the
// collector's per-day straddle CSVs into per-weekday master files so a
// Monday chart can overlay the mean and EMA of all previous Mondays at
// each collection time.
package overlay

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

const defaultEMAAlpha = 0.35

// Day-file metric columns, in file order after the timestamp.
var dayMetrics = []string{"ce", "pe", "tp", "avg_ce", "avg_pe", "avg_tp", "ce_oi", "pe_oi"}

// Master column order puts the straddle premium first: tp, avg_tp, then
// the remaining metrics in day-file order. Values index into dayMetrics.
var masterOrder = []int{2, 5, 0, 1, 3, 4, 6, 7}

// Aggregator folds day files into weekday masters. One run handles one
// trading date across every index/tag/offset directory.
type Aggregator struct {
	csvRoot   string
	masterDir string
	alpha     float64
	reg       *metrics.Registry
}

// Summary reports one run.
type Summary struct {
	Files   int // master files updated
	Rows    int // day rows folded
	Skipped int // masters skipped because the date was already folded
}

func New(cfg *config.Config, reg *metrics.Registry) *Aggregator {
	a := &Aggregator{
		csvRoot:   cfg.Storage.CSVDir,
		masterDir: cfg.Overlay.MasterDir,
		alpha:     cfg.Overlay.EMAAlpha,
		reg:       reg,
	}
	if a.csvRoot == "" {
		a.csvRoot = filepath.Join("data", "g6_data")
	}
	if a.masterDir == "" {
		a.masterDir = filepath.Join("data", "weekday_master")
	}
	if a.alpha <= 0 || a.alpha >= 1 {
		a.alpha = defaultEMAAlpha
	}
	return a
}

// Run folds the given trading date into the weekday masters. Re-running
// the same date is a no-op: each master tracks the dates it has folded
// in a sidecar file, so counters and EMAs never double-count.
func (a *Aggregator) Run(date time.Time) (Summary, error) {
	ist := date.In(istime.Zone())
	day := ist.Format("2006-01-02")
	weekday := strings.ToUpper(ist.Weekday().String())

	var sum Summary
	indices, err := os.ReadDir(a.csvRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return sum, nil
		}
		return sum, errs.Wrap(errs.KindPersistenceFail, "overlay.run", err)
	}
	for _, ixEnt := range indices {
		if !ixEnt.IsDir() || ixEnt.Name() == "overview" {
			continue
		}
		index := ixEnt.Name()
		tags, err := os.ReadDir(filepath.Join(a.csvRoot, index))
		if err != nil {
			continue
		}
		for _, tagEnt := range tags {
			if !tagEnt.IsDir() {
				continue
			}
			tag := tagEnt.Name()
			offsets, err := os.ReadDir(filepath.Join(a.csvRoot, index, tag))
			if err != nil {
				continue
			}
			for _, offEnt := range offsets {
				if !offEnt.IsDir() {
					continue
				}
				off := offEnt.Name()
				dayFile := filepath.Join(a.csvRoot, index, tag, off, day+".csv")
				if _, err := os.Stat(dayFile); err != nil {
					continue
				}
				folded, err := a.foldFile(dayFile, index, tag, off, day, weekday)
				if err != nil {
					return sum, err
				}
				if folded < 0 {
					sum.Skipped++
					continue
				}
				sum.Files++
				sum.Rows += folded
				if a.reg != nil {
					a.reg.Add(metrics.MOverlayRows, float64(folded), index)
					a.reg.Inc(metrics.MOverlayFiles, index)
				}
			}
		}
	}
	log.Info().
		Str("date", day).
		Str("weekday", weekday).
		Int("files", sum.Files).
		Int("rows", sum.Rows).
		Int("skipped", sum.Skipped).
		Msg("overlay run complete")
	return sum, nil
}

// foldFile merges one day file into one weekday master. Returns the
// number of rows folded, or -1 when the date was already present.
func (a *Aggregator) foldFile(dayFile, index, tag, off, day, weekday string) (int, error) {
	masterDir := filepath.Join(a.masterDir, index, tag, off)
	masterPath := filepath.Join(masterDir, weekday+".csv")
	sourcesPath := filepath.Join(masterDir, weekday+".sources")

	sources, err := readSources(sourcesPath)
	if err != nil {
		return 0, err
	}
	if sources[day] {
		return -1, nil
	}

	rows, order, err := readMaster(masterPath)
	if err != nil {
		return 0, err
	}

	dayRows, err := readDayFile(dayFile)
	if err != nil {
		return 0, err
	}
	folded := 0
	for _, dr := range dayRows {
		row, ok := rows[dr.timeKey]
		if !ok {
			row = &masterRow{timeKey: dr.timeKey}
			rows[dr.timeKey] = row
			order = append(order, dr.timeKey)
		}
		row.fold(dr.values, a.alpha)
		folded++
	}
	if folded == 0 {
		return -1, nil
	}

	sort.Strings(order)
	if err := writeMaster(masterPath, rows, order, index, tag, off); err != nil {
		return 0, err
	}
	sources[day] = true
	if err := writeSources(sourcesPath, sources); err != nil {
		return 0, err
	}
	return folded, nil
}

type dayRow struct {
	timeKey string
	values  [8]float64
}

// readDayFile parses a collector day file. The time key is the IST
// clock time, which is what aligns rows across weeks.
func readDayFile(path string) ([]dayRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceFail, "overlay.day", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	if err != nil {
		return nil, errs.Wrap(errs.KindInputInvalid, "overlay.day", err)
	}
	var out []dayRow
	for i, rec := range recs {
		if i == 0 && len(rec) > 0 && rec[0] == "timestamp" {
			continue
		}
		if len(rec) < 1+len(dayMetrics) {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			log.Warn().Str("path", path).Str("timestamp", rec[0]).Msg("overlay skipping unparseable row")
			continue
		}
		dr := dayRow{timeKey: ts.In(istime.Zone()).Format("15:04:05")}
		bad := false
		for j := 0; j < len(dayMetrics); j++ {
			v, err := strconv.ParseFloat(rec[1+j], 64)
			if err != nil {
				bad = true
				break
			}
			dr.values[j] = v
		}
		if bad {
			log.Warn().Str("path", path).Str("time", dr.timeKey).Msg("overlay skipping malformed row")
			continue
		}
		out = append(out, dr)
	}
	return out, nil
}

type metricStat struct {
	mean float64
	ema  float64
}

type masterRow struct {
	timeKey string
	stats   [8]metricStat
	counter int
}

// fold applies the cumulative mean and EMA updates for one sample.
func (m *masterRow) fold(values [8]float64, alpha float64) {
	m.counter++
	n := float64(m.counter)
	for i, x := range values {
		if m.counter == 1 {
			m.stats[i] = metricStat{mean: x, ema: x}
			continue
		}
		m.stats[i].mean += (x - m.stats[i].mean) / n
		m.stats[i].ema = alpha*x + (1-alpha)*m.stats[i].ema
	}
}

func masterHeader() []string {
	h := []string{"timestamp"}
	for _, mi := range masterOrder {
		h = append(h, dayMetrics[mi]+"_mean", dayMetrics[mi]+"_ema")
	}
	return append(h, "counter", "index", "expiry_tag", "offset")
}

// readMaster loads an existing weekday master keyed by clock time.
// Missing file means an empty master.
func readMaster(path string) (map[string]*masterRow, []string, error) {
	rows := map[string]*masterRow{}
	var order []string

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rows, order, nil
		}
		return nil, nil, errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindInputInvalid, "overlay.master", err)
	}
	want := 1 + 2*len(masterOrder) + 4
	for i, rec := range recs {
		if i == 0 || len(rec) < want-3 {
			continue
		}
		row := &masterRow{timeKey: rec[0]}
		ok := true
		for j, mi := range masterOrder {
			mean, errM := strconv.ParseFloat(rec[1+2*j], 64)
			ema, errE := strconv.ParseFloat(rec[2+2*j], 64)
			if errM != nil || errE != nil {
				ok = false
				break
			}
			row.stats[mi] = metricStat{mean: mean, ema: ema}
		}
		counter, err := strconv.Atoi(rec[1+2*len(masterOrder)])
		if !ok || err != nil {
			log.Warn().Str("path", path).Str("time", rec[0]).Msg("overlay skipping malformed master row")
			continue
		}
		row.counter = counter
		if _, exists := rows[row.timeKey]; !exists {
			order = append(order, row.timeKey)
		}
		rows[row.timeKey] = row
	}
	return rows, order, nil
}

// writeMaster rewrites the whole master atomically.
func writeMaster(path string, rows map[string]*masterRow, order []string, index, tag, off string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(masterHeader()); err != nil {
		f.Close()
		return errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
	}
	for _, key := range order {
		row := rows[key]
		rec := []string{row.timeKey}
		for _, mi := range masterOrder {
			rec = append(rec,
				strconv.FormatFloat(row.stats[mi].mean, 'f', -1, 64),
				strconv.FormatFloat(row.stats[mi].ema, 'f', -1, 64))
		}
		rec = append(rec, strconv.Itoa(row.counter), index, tag, off)
		if err := w.Write(rec); err != nil {
			f.Close()
			return errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindPersistenceFail, "overlay.master", err)
	}
	return nil
}

func readSources(path string) (map[string]bool, error) {
	out := map[string]bool{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, errs.Wrap(errs.KindPersistenceFail, "overlay.sources", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out[line] = true
		}
	}
	return out, nil
}

func writeSources(path string, sources map[string]bool) error {
	days := make([]string, 0, len(sources))
	for d := range sources {
		days = append(days, d)
	}
	sort.Strings(days)
	data := strings.Join(days, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return errs.Wrap(errs.KindPersistenceFail, "overlay.sources", err)
	}
	return nil
}
