package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"mybacktest/internal/domain"
)

// Compile-time interface check.
var _ SeriesLoader = (*CSVStore)(nil)

// CSVStore loads bar series from CSV files laid out as
//
//	<DataDir>/<INSTRUMENT>_<period>.csv
//
// Files must have a header naming at least timestamp and close; open, high,
// low and volume are optional. UTF-8 and UTF-16 files with a byte order mark
// are decoded transparently.
type CSVStore struct {
	DataDir string
}

// NewCSVStore creates a CSVStore rooted at dataDir.
func NewCSVStore(dataDir string) *CSVStore {
	return &CSVStore{DataDir: dataDir}
}

// Path returns the file that holds (inst, period).
func (s *CSVStore) Path(inst domain.Instrument, period domain.Period) string {
	return filepath.Join(s.DataDir, fmt.Sprintf("%s_%s.csv", strings.ToUpper(string(inst)), period))
}

// LoadSeries reads the series file in file order.
func (s *CSVStore) LoadSeries(_ context.Context, inst domain.Instrument, period domain.Period) ([]domain.Bar, error) {
	path := s.Path(inst, period)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s (%s)", domain.ErrSeriesNotFound, inst, period, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f, inst, period)
}

// ReadCSV parses bars for (inst, period) from r.
func ReadCSV(r io.Reader, inst domain.Instrument, period domain.Period) ([]domain.Bar, error) {
	dec := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	cr := csv.NewReader(dec)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading csv header for %s/%s: %v", domain.ErrData, inst, period, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"timestamp", "close"} {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("%w: csv for %s/%s has no %q column", domain.ErrData, inst, period, req)
		}
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s line %d: %v", domain.ErrData, inst, period, line, err)
		}
		ts, err := ParseTimestamp(rec[cols["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s line %d: %v", domain.ErrData, inst, period, line, err)
		}
		b := domain.Bar{Instrument: inst, Period: period, Timestamp: ts}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
		}
		for _, fld := range fields {
			i, ok := cols[fld.name]
			if !ok || i >= len(rec) {
				continue
			}
			raw := strings.TrimSpace(rec[i])
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s line %d %s: %v", domain.ErrData, inst, period, line, fld.name, err)
			}
			*fld.dst = v
		}
		if _, ok := cols["open"]; !ok {
			b.Open, b.High, b.Low = b.Close, b.Close, b.Close
		}
		bars = append(bars, b)
	}
	return bars, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339, "2006-01-02 15:04:05", a bare date, or
// integer Unix milliseconds. Zone-less values are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
