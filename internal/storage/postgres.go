package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/snapshots"
)

// PGConfig tunes the Postgres sink connection pool.
type PGConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// PGSink writes chains into option_quotes and cycle summaries into
// cycle_overview. Duplicate rows (same symbol and timestamp) are skipped,
// not errors: re-running a cycle must not poison the table.
type PGSink struct {
	db      *sqlx.DB
	timeout time.Duration
	reg     *metrics.Registry
}

// ON CONFLICT keeps duplicate (symbol, ts) rows from aborting the whole
// transaction; a re-run simply inserts nothing.
const optionInsert = `
	INSERT INTO option_quotes
		(idx, expiry_rule, expiry_date, symbol, strike, instrument_type,
		 last_price, volume, oi, iv, delta, gamma, vega, theta, rho, ts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (symbol, ts) DO NOTHING`

const overviewInsert = `
	INSERT INTO cycle_overview
		(idx, ltp, pcr, day_width, expiry_code, status, ts)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// NewPGSink opens the pool and verifies connectivity.
func NewPGSink(cfg PGConfig, reg *metrics.Registry) (*PGSink, error) {
	if cfg.DSN == "" {
		return nil, errs.E(errs.KindInputInvalid, "postgres sink needs a DSN")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceFail, "storage.pg.open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindPersistenceFail, "storage.pg.ping", err)
	}
	return &PGSink{db: db, timeout: cfg.QueryTimeout, reg: reg}, nil
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Close() error { return s.db.Close() }

// WriteOptions inserts the chain in one transaction via a prepared
// statement. Unique violations are counted as duplicates and skipped.
func (s *PGSink) WriteOptions(ctx context.Context, snap snapshots.ExpirySnapshot) (MetricsPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return MetricsPayload{}, errs.Wrap(errs.KindPersistenceFail, "storage.pg.begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, optionInsert)
	if err != nil {
		return MetricsPayload{}, errs.Wrap(errs.KindPersistenceFail, "storage.pg.prepare", err)
	}
	defer stmt.Close()

	inserted, dupes := 0, 0
	for _, o := range snap.Options {
		var delta, gamma, vega, theta, rho float64
		if o.Greeks != nil {
			delta, gamma, vega = o.Greeks.Delta, o.Greeks.Gamma, o.Greeks.Vega
			theta, rho = o.Greeks.Theta, o.Greeks.Rho
		}
		ts := o.Timestamp
		if ts.IsZero() {
			ts = istime.Now()
		}
		res, err := stmt.ExecContext(ctx,
			snap.Index, snap.ExpiryRule, snap.ExpiryDate,
			o.Symbol, o.Strike, string(o.InstrumentType),
			o.LastPrice, o.Volume, o.OI, o.IV,
			delta, gamma, vega, theta, rho, ts)
		if err != nil {
			return MetricsPayload{}, errs.Wrap(errs.KindPersistenceFail, "storage.pg.insert", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			dupes++
			continue
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return MetricsPayload{}, errs.Wrap(errs.KindPersistenceFail, "storage.pg.commit", err)
	}

	if dupes > 0 {
		log.Debug().Int("dupes", dupes).Str("index", snap.Index).Msg("duplicate option rows skipped")
	}
	if s.reg != nil {
		s.reg.Add(metrics.MSinkWrites, float64(inserted), s.Name(), snap.Index)
	}
	return MetricsPayload{
		PCR:        snapshots.PutCallRatio(snap.Options),
		DayWidth:   inserted,
		Timestamp:  istime.Now(),
		ExpiryCode: snap.ExpiryRule,
	}, nil
}

// WriteOverview inserts one cycle summary row.
func (s *PGSink) WriteOverview(ctx context.Context, row OverviewRow) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ts := row.Timestamp
	if ts.IsZero() {
		ts = istime.Now()
	}
	_, err := s.db.ExecContext(ctx, overviewInsert,
		row.Index, row.LTP, row.PCR, row.DayWidth, row.ExpiryCode, row.Status, ts)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil
		}
		return errs.Wrap(errs.KindPersistenceFail, "storage.pg.overview", err)
	}
	if s.reg != nil {
		s.reg.Inc(metrics.MOverviewWrites, row.Index)
	}
	return nil
}
