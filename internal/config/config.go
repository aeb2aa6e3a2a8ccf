package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"mybacktest/internal/domain"
	"mybacktest/internal/engine"
	"mybacktest/internal/position"
	"mybacktest/internal/report"
	"mybacktest/internal/strategy"
)

// DefaultPath is used when BACKTEST_CONFIG is not set.
const DefaultPath = "config/backtest.yaml"

// Supported bar sources.
const (
	SourceParquet    = "parquet"
	SourceCSV        = "csv"
	SourceClickHouse = "clickhouse"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the backtester.
type Config struct {
	Storage    Storage      `yaml:"storage"`
	ClickHouse ClickHouse   `yaml:"clickhouse"`
	Alpaca     Alpaca       `yaml:"alpaca"`
	Logging    Logging      `yaml:"logging"`
	Gather     GatherConfig `yaml:"gather"`
	Backtest   Backtest     `yaml:"backtest"`
}

// Storage holds paths for data persistence and selects the bar source.
type Storage struct {
	Source     string `yaml:"source"`
	DataDir    string `yaml:"data_dir"`
	CSVDir     string `yaml:"csv_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ClickHouse holds connection settings for the ClickHouse bar source.
type ClickHouse struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatherConfig controls historical bar downloads.
type GatherConfig struct {
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	Burst           int `yaml:"burst"`
	MaxRetries      int `yaml:"max_retries"`
}

// Backtest describes the run executed by "backtest run".
type Backtest struct {
	Instruments []string       `yaml:"instruments"`
	Periods     []string       `yaml:"periods"`
	PricePeriod string         `yaml:"price_period"`
	Start       string         `yaml:"start"`
	End         string         `yaml:"end"`
	Strategy    string         `yaml:"strategy"`
	Params      map[string]any `yaml:"params"`

	InitialBalance string  `yaml:"initial_balance"`
	Weighting      string  `yaml:"weighting"`
	StopOffset     float64 `yaml:"stop_offset"`
	MaxSize        float64 `yaml:"max_size"`
	CloseAtEnd     bool    `yaml:"close_at_end"`

	SaveRun        bool `yaml:"save_run"`
	ExportTradeLog bool `yaml:"export_trade_log"`
}

// Default returns the configuration used for any field a file leaves out.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Source:     SourceParquet,
			DataDir:    "data",
			SQLitePath: "data/backtest.db",
		},
		ClickHouse: ClickHouse{
			Addr:     "localhost:9000",
			Database: "default",
			Username: "default",
			Table:    "bars",
		},
		Alpaca: Alpaca{
			DataURL: "https://data.alpaca.markets",
			Feed:    "iex",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Gather: GatherConfig{
			RateLimitPerMin: 200,
			Burst:           1,
			MaxRetries:      3,
		},
		Backtest: Backtest{
			Strategy:       "ema-trend",
			InitialBalance: report.DefaultInitialBalance.String(),
			Weighting:      report.WeightNone.String(),
			StopOffset:     position.DefaultPolicy().StopOffset,
			MaxSize:        1,
			CloseAtEnd:     true,
			SaveRun:        true,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path from BACKTEST_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("BACKTEST_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, and then applies environment variable overrides. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", domain.ErrConfig, path, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("BACKTEST_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars take priority; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation and conversion
// ---------------------------------------------------------------------------

// Validate checks the storage selection and the backtest section.
func (c *Config) Validate() error {
	switch c.Storage.Source {
	case SourceParquet, SourceCSV:
	case SourceClickHouse:
		if c.ClickHouse.Addr == "" {
			return fmt.Errorf("%w: clickhouse.addr is required for source %q", domain.ErrConfig, c.Storage.Source)
		}
	default:
		return fmt.Errorf("%w: unknown storage source %q", domain.ErrConfig, c.Storage.Source)
	}
	rc, err := c.RunConfig()
	if err != nil {
		return err
	}
	return rc.Validate()
}

// CSVDir returns the directory holding CSV series, defaulting to the data
// directory.
func (c *Config) CSVDir() string {
	if c.Storage.CSVDir != "" {
		return c.Storage.CSVDir
	}
	return c.Storage.DataDir
}

// RunConfig converts the backtest section into an engine.RunConfig.
func (c *Config) RunConfig() (engine.RunConfig, error) {
	b := c.Backtest
	rc := engine.RunConfig{
		PricePeriod: domain.Period(b.PricePeriod),
		Strategy:    b.Strategy,
		Params:      strategy.Params(b.Params),
		Policy:      position.Policy{StopOffset: b.StopOffset},
		CloseAtEnd:  b.CloseAtEnd,
	}
	for _, s := range b.Instruments {
		if s = strings.TrimSpace(s); s != "" {
			rc.Instruments = append(rc.Instruments, domain.Instrument(s))
		}
	}
	for _, s := range b.Periods {
		if s = strings.TrimSpace(s); s != "" {
			rc.Periods = append(rc.Periods, domain.Period(s))
		}
	}

	var err error
	if rc.Start, err = ParseTime(b.Start); err != nil {
		return engine.RunConfig{}, fmt.Errorf("%w: backtest.start: %v", domain.ErrConfig, err)
	}
	if rc.End, err = ParseEnd(b.End); err != nil {
		return engine.RunConfig{}, fmt.Errorf("%w: backtest.end: %v", domain.ErrConfig, err)
	}
	if b.InitialBalance != "" {
		if rc.InitialBalance, err = decimal.NewFromString(b.InitialBalance); err != nil {
			return engine.RunConfig{}, fmt.Errorf("%w: backtest.initial_balance: %v", domain.ErrConfig, err)
		}
	}
	if rc.Weighting, err = report.ParseWeighting(b.Weighting); err != nil {
		return engine.RunConfig{}, err
	}
	return rc, nil
}

const dateLayout = "2006-01-02"

// ParseTime accepts RFC 3339 timestamps and plain dates. An empty string
// yields the zero time, which leaves the bound open.
func ParseTime(s string) (time.Time, error) {
	t, _, err := parseTime(s)
	return t, err
}

// ParseEnd parses an inclusive upper bound. A plain date covers the whole
// day, so its intraday bars stay in range.
func ParseEnd(s string) (time.Time, error) {
	t, dateOnly, err := parseTime(s)
	if err != nil || !dateOnly {
		return t, err
	}
	return t.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

func parseTime(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), layout == dateLayout, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognised time %q", s)
}
