package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error classes. Configuration and data errors abort a run; numeric errors
// raised while evaluating a single row only skip that row.
var (
	ErrConfig  = errors.New("configuration error")
	ErrData    = errors.New("data error")
	ErrNumeric = errors.New("numeric error")
)

var (
	ErrNoStrategy       = fmt.Errorf("%w: no strategy loaded", ErrConfig)
	ErrUnknownStrategy  = fmt.Errorf("%w: unknown strategy", ErrConfig)
	ErrEmptyUniverse    = fmt.Errorf("%w: instrument and period sets must not be empty", ErrConfig)
	ErrInvalidRange     = fmt.Errorf("%w: start time is after end time", ErrConfig)
	ErrInvalidParam     = fmt.Errorf("%w: invalid strategy parameter", ErrConfig)
	ErrSeriesNotFound   = fmt.Errorf("%w: series not found", ErrData)
	ErrNonMonotonic     = fmt.Errorf("%w: timestamps are not strictly increasing", ErrData)
	ErrUnpairedTrade    = fmt.Errorf("%w: trade log is not fully paired", ErrData)
	ErrNonFinite        = fmt.Errorf("%w: non-finite price", ErrNumeric)
	ErrZeroEntry        = fmt.Errorf("%w: entry price is zero", ErrNumeric)
	ErrPositionConflict = errors.New("position conflict: an opposite position is open")
	ErrNoPosition       = errors.New("no open position")
)

// RowError attaches the row timestamp and instrument to a failure raised
// while processing a single aligned row.
type RowError struct {
	Time       time.Time
	Instrument Instrument
	Err        error
}

func (e *RowError) Error() string {
	if e.Instrument == "" {
		return fmt.Sprintf("row %s: %v", e.Time.Format(time.RFC3339), e.Err)
	}
	return fmt.Sprintf("row %s instrument %s: %v", e.Time.Format(time.RFC3339), e.Instrument, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
