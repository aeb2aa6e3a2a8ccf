package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"mybacktest/internal/config"
	"mybacktest/internal/store"
	"mybacktest/internal/util"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "backtest"
	app.Version = version
	app.EnableBashCompletion = true
	app.Usage = "evaluate trading strategies against historical bars"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Value:       config.Path(),
			Usage:       "path to the YAML configuration file (env BACKTEST_CONFIG)",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "override the configured log level (debug, info, warn, error)",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "override the configured log format (json, text)",
			Destination: &logFormat,
		},
	}
	app.Commands = []*cli.Command{
		runCommand,
		fetchCommand,
		importCommand,
		strategiesCommand,
		runsCommand,
		versionCommand,
	}
	return app
}

// loadConfig reads the configuration file and installs the default logger.
// A missing file at the default path falls back to the built-in defaults.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) && configPath == config.DefaultPath {
		cfg, err = config.Load("")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)
	return cfg, logger, nil
}

// openBarStore opens the bar store selected by storage.source.
func openBarStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.SeriesLoader, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage.Source {
	case config.SourceParquet:
		return store.NewParquetStore(cfg.Storage.DataDir), noop, nil
	case config.SourceCSV:
		return store.NewCSVStore(cfg.CSVDir()), noop, nil
	case config.SourceClickHouse:
		ch, err := openClickHouse(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage source %q", cfg.Storage.Source)
	}
}

func openClickHouse(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.ClickHouseStore, error) {
	return store.OpenClickHouse(ctx, store.ClickHouseOptions{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
		Table:    cfg.ClickHouse.Table,
	}, logger)
}

// parseParams turns key=value pairs into strategy params. Values are parsed
// as YAML scalars or flow sequences, so "fast_windows=[5,12]" yields a list
// and "stop_offset=0.05" a number.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
