package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mybacktest/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	strategy        TEXT NOT NULL,
	instruments     TEXT NOT NULL,
	periods         TEXT NOT NULL,
	start_ms        INTEGER NOT NULL,
	end_ms          INTEGER NOT NULL,
	params          TEXT NOT NULL,
	initial_balance TEXT NOT NULL,
	final_balance   TEXT NOT NULL,
	total_return    TEXT NOT NULL,
	trades          INTEGER NOT NULL,
	created_ms      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_events (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	trade_id    INTEGER NOT NULL,
	instrument  TEXT NOT NULL,
	ts_ms       INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       REAL NOT NULL,
	size        REAL NOT NULL,
	stop_loss   REAL NOT NULL,
	entry_price REAL NOT NULL,
	reason      TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS runs_created ON runs(created_ms);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// SaveRun inserts the run and its trade log in one transaction. An empty
// run ID is filled with a new UUID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord, events []domain.TradeEvent) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encoding params for run %s: %w", run.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, strategy, instruments, periods, start_ms, end_ms, params,
			initial_balance, final_balance, total_return, trades, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy,
		strings.Join(run.Instruments, ","), strings.Join(run.Periods, ","),
		run.Start.UnixMilli(), run.End.UnixMilli(), string(params),
		run.InitialBalance, run.FinalBalance, run.TotalReturn, run.Trades,
		run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trade_events (run_id, seq, trade_id, instrument, ts_ms, kind, side,
			price, size, stop_loss, entry_price, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			run.ID, ev.Seq, ev.TradeID, string(ev.Instrument), ev.Timestamp.UnixMilli(),
			string(ev.Kind), string(ev.Side), ev.Price, ev.Size, ev.StopLoss, ev.EntryPrice, ev.Reason)
		if err != nil {
			return fmt.Errorf("inserting event %d of run %s: %w", ev.Seq, run.ID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, strategy, instruments, periods, start_ms, end_ms, params,
	initial_balance, final_balance, total_return, trades, created_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*RunRecord, error) {
	var (
		rec                       RunRecord
		insts, periods, params    string
		startMs, endMs, createdMs int64
	)
	err := r.Scan(&rec.ID, &rec.Strategy, &insts, &periods, &startMs, &endMs, &params,
		&rec.InitialBalance, &rec.FinalBalance, &rec.TotalReturn, &rec.Trades, &createdMs)
	if err != nil {
		return nil, err
	}
	rec.Instruments = splitList(insts)
	rec.Periods = splitList(periods)
	rec.Start = time.UnixMilli(startMs).UTC()
	rec.End = time.UnixMilli(endMs).UTC()
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return nil, fmt.Errorf("decoding params of run %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rec, err
}

// ListRuns returns the most recent runs, newest first. A non-positive limit
// returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_ms DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListTradeEvents returns the trade log of a run in Seq order.
func (s *SQLiteStore) ListTradeEvents(ctx context.Context, runID string) ([]domain.TradeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, trade_id, instrument, ts_ms, kind, side, price, size, stop_loss, entry_price, reason
		 FROM trade_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TradeEvent
	for rows.Next() {
		var (
			ev               domain.TradeEvent
			inst, kind, side string
			tsMs             int64
		)
		if err := rows.Scan(&ev.Seq, &ev.TradeID, &inst, &tsMs, &kind, &side,
			&ev.Price, &ev.Size, &ev.StopLoss, &ev.EntryPrice, &ev.Reason); err != nil {
			return nil, err
		}
		ev.Instrument = domain.Instrument(inst)
		ev.Timestamp = time.UnixMilli(tsMs).UTC()
		ev.Kind = domain.EventKind(kind)
		ev.Side = domain.Side(side)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
