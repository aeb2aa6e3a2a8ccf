// Package domain defines the core value types shared across the backtester:
// bars, signals, positions sides and the append-only trade log record.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Instrument identifies a tradable symbol, e.g. "000300.XSHG" or "AAPL".
type Instrument string

// Period names a bar interval such as "1m", "15m", "1h" or "1d".
type Period string

// Duration parses the period name. Supported suffixes are m, h, d and w.
func (p Period) Duration() (time.Duration, error) {
	s := strings.TrimSpace(string(p))
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: invalid period %q", ErrConfig, p)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid period %q", ErrConfig, p)
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: invalid period %q", ErrConfig, p)
	}
}

// Bar is a single OHLCV sample for one (instrument, period) pair.
type Bar struct {
	Instrument Instrument
	Period     Period
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
}

// Side is the direction of a position or entry signal.
type Side string

const (
	SideFlat  Side = "flat"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other trading side. Flat stays flat.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Signal is the action a strategy requests for one instrument. It is one of
// Enter, Scale or Close; a strategy returns a nil Signal for "no action".
type Signal interface {
	// Target returns the instrument the signal applies to.
	Target() Instrument
	signal()
}

// Enter opens a new position of the given side and size (fraction of
// capital). StopLoss is optional; zero lets the position policy derive it.
type Enter struct {
	Instrument Instrument
	Side       Side
	Size       float64
	StopLoss   float64
}

// Scale grows an open position to Size and proposes a new stop-loss.
type Scale struct {
	Instrument Instrument
	Size       float64
	StopLoss   float64
}

// Close flattens the open position.
type Close struct {
	Instrument Instrument
	Reason     string
}

func (s Enter) Target() Instrument { return s.Instrument }
func (s Scale) Target() Instrument { return s.Instrument }
func (s Close) Target() Instrument { return s.Instrument }

func (Enter) signal() {}
func (Scale) signal() {}
func (Close) signal() {}

// Common close reasons.
const (
	ReasonStopLoss = "stop-loss"
	ReasonSignal   = "signal"
	ReasonEndOfRun = "end-of-run"
)

// ---------------------------------------------------------------------------
// Trade log
// ---------------------------------------------------------------------------

// EventKind classifies a TradeEvent.
type EventKind string

const (
	EventEnterLong  EventKind = "enter-long"
	EventEnterShort EventKind = "enter-short"
	EventAdd        EventKind = "add"
	EventClose      EventKind = "close"
)

// IsEntry reports whether the kind opens a round trip.
func (k EventKind) IsEntry() bool {
	return k == EventEnterLong || k == EventEnterShort
}

// TradeEvent is an immutable record in the trade log. Events of the same
// round trip share a TradeID; the close event carries the entry price of the
// round trip and its Price is the close price.
type TradeEvent struct {
	Seq        int
	TradeID    int
	Instrument Instrument
	Timestamp  time.Time
	Kind       EventKind
	Side       Side
	Price      float64
	Size       float64
	StopLoss   float64
	EntryPrice float64
	Reason     string
}
