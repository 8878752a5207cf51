// Package postgres is the production persistence.Store: a bulk-append-only
// collaborator backed by PostgreSQL via sqlx and lib/pq, with schema
// management through golang-migrate.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/paddock/racecore/internal/persistence"
	"github.com/paddock/racecore/pkg/racelog"
)

// Store appends laps and signal histories to PostgreSQL in bounded
// batches.
type Store struct {
	db  *sqlx.DB
	log *racelog.Logger
}

// Open connects to dsn and wraps it as a Store. Callers are responsible
// for running migrations (see Migrate) before first use.
func Open(dsn string, log *racelog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if log == nil {
		log = racelog.NewDefault("persistence.postgres")
	}
	return &Store{db: db, log: log}, nil
}

// New wraps an already-open *sqlx.DB (used by tests against go-sqlmock).
func New(db *sqlx.DB, log *racelog.Logger) *Store {
	if log == nil {
		log = racelog.NewDefault("persistence.postgres")
	}
	return &Store{db: db, log: log}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const insertLapSQL = `
INSERT INTO laps (slot_id, time_delta_seconds, timer_index, timer_identifier)
VALUES (:slot_id, :time_delta_seconds, :timer_index, :timer_identifier)
`

// AppendLaps appends laps in batches of persistence.LapBatchSize, each
// batch in its own transaction so a failure partway through does not lose
// already-committed batches.
func (s *Store) AppendLaps(ctx context.Context, laps []persistence.LapAppend) error {
	for start := 0; start < len(laps); start += persistence.LapBatchSize {
		end := start + persistence.LapBatchSize
		if end > len(laps) {
			end = len(laps)
		}
		if err := s.appendLapBatch(ctx, laps[start:end]); err != nil {
			return fmt.Errorf("postgres: append lap batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func (s *Store) appendLapBatch(ctx context.Context, batch []persistence.LapAppend) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, l := range batch {
			row := lapRow{
				SlotID:           l.SlotID,
				TimeDeltaSeconds: l.TimeDeltaSeconds,
				TimerIndex:       l.TimerIndex,
				TimerIdentifier:  l.TimerIdentifier,
			}
			if _, err := tx.NamedExecContext(ctx, insertLapSQL, row); err != nil {
				return err
			}
		}
		return nil
	})
}

type lapRow struct {
	SlotID           int     `db:"slot_id"`
	TimeDeltaSeconds float64 `db:"time_delta_seconds"`
	TimerIndex       int     `db:"timer_index"`
	TimerIdentifier  string  `db:"timer_identifier"`
}

const insertSignalHistorySQL = `
INSERT INTO signal_histories (slot_id, timer_index, timer_identifier, history)
VALUES (:slot_id, :timer_index, :timer_identifier, :history::text[])
`

// AppendSignalHistory appends signal histories in batches of
// persistence.SignalHistoryBatchSize. The nested (t, v) pairs are encoded
// as a Postgres text-array literal by encodeHistory.
func (s *Store) AppendSignalHistory(ctx context.Context, histories []persistence.SignalHistoryAppend) error {
	for start := 0; start < len(histories); start += persistence.SignalHistoryBatchSize {
		end := start + persistence.SignalHistoryBatchSize
		if end > len(histories) {
			end = len(histories)
		}
		if err := s.appendSignalBatch(ctx, histories[start:end]); err != nil {
			return fmt.Errorf("postgres: append signal history batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

type signalHistoryRow struct {
	SlotID          int    `db:"slot_id"`
	TimerIndex      int    `db:"timer_index"`
	TimerIdentifier string `db:"timer_identifier"`
	History         string `db:"history"`
}

func (s *Store) appendSignalBatch(ctx context.Context, batch []persistence.SignalHistoryAppend) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, h := range batch {
			row := signalHistoryRow{
				SlotID:          h.SlotID,
				TimerIndex:      h.TimerIndex,
				TimerIdentifier: h.TimerIdentifier,
				History:         encodeHistory(h.History),
			}
			if _, err := tx.NamedExecContext(ctx, insertSignalHistorySQL, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeHistory(points []persistence.SignalPoint) string {
	out := "{"
	for i, p := range points {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("\"(%f,%f)\"", p.Timedelta, p.Value)
	}
	return out + "}"
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.WithField("error", rbErr).Warn("rollback failed after append error")
		}
		return err
	}
	return tx.Commit()
}
