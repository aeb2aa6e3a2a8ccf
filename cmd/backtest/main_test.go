package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{
		"instrument=000300.XSHG",
		"fast_windows=[5, 12]",
		"stop_offset=0.05",
		"fast_period=15m",
	})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	want := map[string]any{
		"instrument":   "000300.XSHG",
		"fast_windows": []any{5, 12},
		"stop_offset":  0.05,
		"fast_period":  "15m",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseParams = %#v, want %#v", got, want)
	}

	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Error("parseParams should reject a pair without '='")
	}
}

func TestSplitFlag(t *testing.T) {
	got := splitFlag([]string{"AAPL, MSFT", "", "SPY"})
	want := []string{"AAPL", "MSFT", "SPY"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitFlag = %v, want %v", got, want)
	}
}

func TestRunCommand(t *testing.T) {
	for _, k := range []string{"DATA_DIR", "BACKTEST_DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	csv := "timestamp,close\n" +
		"2023-01-02,90\n" +
		"2023-01-03,100\n" +
		"2023-01-04,111\n" +
		"2023-01-05,121\n" +
		"2023-01-06,134\n"
	if err := os.WriteFile(filepath.Join(dir, "X_1d.csv"), []byte(csv), 0o644); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}
	dbPath := filepath.Join(dir, "runs.db")
	cfgPath := filepath.Join(dir, "backtest.yaml")
	cfg := `
storage:
  source: csv
  data_dir: ` + dir + `
  sqlite_path: ` + dbPath + `
logging:
  level: error
backtest:
  instruments: [X]
  periods: [1d]
  start: "2023-01-02"
  end: "2023-01-06"
  strategy: ema-trend
  params:
    fast_period: 1d
    slow_windows: [1, 2]
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.RunContext(context.Background(), []string{
		"backtest", "--config", cfgPath,
		"run", "--no-save", "--param", "fast_windows=[1,2]",
	})
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		": 3 signals, 4 trade events, 0 skipped",
		"initial balance: 100000.00",
		"total return:    34.00%",
		"trades:          1 (1 wins, 0 losses",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if _, err := os.Stat(dbPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("run store created despite --no-save: %v", err)
	}
}
