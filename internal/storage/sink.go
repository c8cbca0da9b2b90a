// Package storage persists collected option chains and per-cycle
// overview rows. Sinks share one narrow interface so the collector can
// fan out to CSV day files and Postgres without caring which are wired.
package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/snapshots"
)

// MetricsPayload is what a sink learned while writing a chain; the
// collector feeds it back into gauges and the overview row.
type MetricsPayload struct {
	PCR        float64   `json:"pcr"`
	DayWidth   int       `json:"day_width"`
	Timestamp  time.Time `json:"timestamp"`
	ExpiryCode string    `json:"expiry_code"`
}

// OverviewRow is the per-index cycle summary emitted after all expiries.
type OverviewRow struct {
	Index      string    `json:"index"`
	LTP        float64   `json:"ltp"`
	PCR        float64   `json:"pcr"`
	DayWidth   int       `json:"day_width"`
	ExpiryCode string    `json:"expiry_code"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// OptionsSink persists one expiry chain and one overview row per cycle.
type OptionsSink interface {
	Name() string
	WriteOptions(ctx context.Context, snap snapshots.ExpirySnapshot) (MetricsPayload, error)
	WriteOverview(ctx context.Context, row OverviewRow) error
	Close() error
}

// NullSink accepts everything and stores nothing.
type NullSink struct{}

func (NullSink) Name() string { return "null" }

func (NullSink) WriteOptions(_ context.Context, snap snapshots.ExpirySnapshot) (MetricsPayload, error) {
	return MetricsPayload{
		PCR:        snapshots.PutCallRatio(snap.Options),
		DayWidth:   len(snap.Options),
		ExpiryCode: snap.ExpiryRule,
	}, nil
}

func (NullSink) WriteOverview(context.Context, OverviewRow) error { return nil }

func (NullSink) Close() error { return nil }

// MultiSink fans out to several sinks. The first sink is primary: its
// payload is returned. Secondary failures are logged and counted but do
// not fail the write; a primary failure is returned after the fan-out.
type MultiSink struct {
	sinks []OptionsSink
	reg   *metrics.Registry
}

func NewMultiSink(reg *metrics.Registry, sinks ...OptionsSink) *MultiSink {
	return &MultiSink{sinks: sinks, reg: reg}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) WriteOptions(ctx context.Context, snap snapshots.ExpirySnapshot) (MetricsPayload, error) {
	var payload MetricsPayload
	var primaryErr error
	for i, s := range m.sinks {
		p, err := s.WriteOptions(ctx, snap)
		if err != nil {
			m.noteError(s, snap.Index, err)
			if i == 0 {
				primaryErr = err
			}
			continue
		}
		if i == 0 {
			payload = p
		}
	}
	return payload, primaryErr
}

func (m *MultiSink) WriteOverview(ctx context.Context, row OverviewRow) error {
	var primaryErr error
	for i, s := range m.sinks {
		if err := s.WriteOverview(ctx, row); err != nil {
			m.noteError(s, row.Index, err)
			if i == 0 {
				primaryErr = err
			}
		}
	}
	return primaryErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) noteError(s OptionsSink, index string, err error) {
	log.Error().Err(err).Str("sink", s.Name()).Str("index", index).Msg("sink write failed")
	if m.reg != nil {
		m.reg.Inc(metrics.MSinkErrors, s.Name(), string(errs.KindOf(err)))
	}
}
