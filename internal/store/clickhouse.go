package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"mybacktest/internal/domain"
	"mybacktest/internal/util"
)

// Compile-time interface check.
var _ BarStore = (*ClickHouseStore)(nil)

// ClickHouseOptions configures a ClickHouse connection.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouseStore implements BarStore on a ClickHouse table with the columns
// symbol, interval, open_time_ms, open, high, low, close, volume.
type ClickHouseStore struct {
	conn   driver.Conn
	table  string
	logger *slog.Logger
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// OpenClickHouse connects to ClickHouse and verifies the connection with a
// retried ping.
func OpenClickHouse(ctx context.Context, opts ClickHouseOptions, logger *slog.Logger) (*ClickHouseStore, error) {
	if opts.Table == "" {
		opts.Table = "bars"
	}
	if !identRe.MatchString(opts.Table) {
		return nil, fmt.Errorf("%w: invalid clickhouse table %q", domain.ErrConfig, opts.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse %s: %w", opts.Addr, err)
	}
	s := NewClickHouseStore(conn, opts.Table, logger)
	err = util.Retry(ctx, 3, time.Second, func() error { return conn.Ping(ctx) })
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", opts.Addr, err)
	}
	return s, nil
}

// NewClickHouseStore wraps an existing connection.
func NewClickHouseStore(conn driver.Conn, table string, logger *slog.Logger) *ClickHouseStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickHouseStore{conn: conn, table: table, logger: logger}
}

// Close closes the underlying connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the bar table if it does not exist.
func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createTableSQL(s.table)); err != nil {
		return fmt.Errorf("creating %s: %w", s.table, err)
	}
	return nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	symbol       String,
	interval     LowCardinality(String),
	open_time_ms UInt64,
	open         Float64,
	high         Float64,
	low          Float64,
	close        Float64,
	volume       Float64
) ENGINE = ReplacingMergeTree
ORDER BY (symbol, interval, open_time_ms)`, table)
}

func selectSeriesSQL(table string) string {
	return fmt.Sprintf(`SELECT open_time_ms, open, high, low, close, volume
FROM %s FINAL
WHERE symbol = ? AND interval = ?
ORDER BY open_time_ms`, table)
}

// LoadSeries returns the series ordered by open time. A series with no rows
// is reported as not found.
func (s *ClickHouseStore) LoadSeries(ctx context.Context, inst domain.Instrument, period domain.Period) ([]domain.Bar, error) {
	rows, err := s.conn.Query(ctx, selectSeriesSQL(s.table), string(inst), string(period))
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s: %w", inst, period, err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			openMs uint64
			b      = domain.Bar{Instrument: inst, Period: period}
		)
		if err := rows.Scan(&openMs, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning %s/%s: %w", inst, period, err)
		}
		b.Timestamp = time.UnixMilli(int64(openMs)).UTC()
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", inst, period, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s/%s in %s", domain.ErrSeriesNotFound, inst, period, s.table)
	}
	s.logger.Debug("clickhouse series loaded", "instrument", inst, "period", period, "bars", len(bars))
	return bars, nil
}

// WriteBars inserts bars in one batch. Duplicates collapse on merge.
func (s *ClickHouseStore) WriteBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (symbol, interval, open_time_ms, open, high, low, close, volume)", s.table))
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}
	for _, b := range bars {
		err := batch.Append(
			string(b.Instrument),
			string(b.Period),
			uint64(b.Timestamp.UnixMilli()),
			b.Open, b.High, b.Low, b.Close, b.Volume,
		)
		if err != nil {
			return fmt.Errorf("appending %s/%s: %w", b.Instrument, b.Period, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending %d bars: %w", len(bars), err)
	}
	return nil
}

// ListInstruments returns the distinct symbols stored for period.
func (s *ClickHouseStore) ListInstruments(ctx context.Context, period domain.Period) ([]domain.Instrument, error) {
	rows, err := s.conn.Query(ctx,
		fmt.Sprintf("SELECT DISTINCT symbol FROM %s WHERE interval = ? ORDER BY symbol", s.table), string(period))
	if err != nil {
		return nil, fmt.Errorf("listing instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, domain.Instrument(sym))
	}
	return out, rows.Err()
}
