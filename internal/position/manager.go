package position

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"mybacktest/internal/domain"
)

// Manager owns the open positions of one backtest run and its append-only
// trade log. A Manager is not safe for concurrent use; each run constructs
// its own.
type Manager struct {
	policy    Policy
	logger    *slog.Logger
	positions map[domain.Instrument]*Position
	log       []domain.TradeEvent
	nextTrade int
}

// NewManager creates a Manager. A nil logger falls back to slog.Default().
func NewManager(policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		policy:    policy,
		logger:    logger,
		positions: make(map[domain.Instrument]*Position),
	}
}

// Execute applies sig at ts and price. It returns the recorded event and
// true, or false when the signal is a no-op against the current state.
func (m *Manager) Execute(sig domain.Signal, ts time.Time, price float64) (domain.TradeEvent, bool, error) {
	if sig == nil {
		return domain.TradeEvent{}, false, nil
	}
	if err := checkPrice(price); err != nil {
		return domain.TradeEvent{}, false, fmt.Errorf("executing %T for %s: %w", sig, sig.Target(), err)
	}

	switch s := sig.(type) {
	case domain.Enter:
		return m.enter(s, ts, price)
	case domain.Scale:
		return m.scale(s, ts, price)
	case domain.Close:
		return m.close(s.Instrument, s.Reason, ts, price)
	default:
		return domain.TradeEvent{}, false, fmt.Errorf("%w: unsupported signal %T", domain.ErrConfig, sig)
	}
}

func (m *Manager) enter(s domain.Enter, ts time.Time, price float64) (domain.TradeEvent, bool, error) {
	if s.Side != domain.SideLong && s.Side != domain.SideShort {
		return domain.TradeEvent{}, false, fmt.Errorf("%w: enter %s with side %q", domain.ErrInvalidParam, s.Instrument, s.Side)
	}
	if pos, ok := m.positions[s.Instrument]; ok && pos.IsOpen() {
		if pos.Side != s.Side {
			return domain.TradeEvent{}, false, fmt.Errorf("enter %s %s: %w", s.Side, s.Instrument, domain.ErrPositionConflict)
		}
		if s.Size <= pos.Size {
			return domain.TradeEvent{}, false, nil
		}
		// A larger same-side entry grows the position like a scale-in.
		return m.scale(domain.Scale{Instrument: s.Instrument, Size: s.Size, StopLoss: s.StopLoss}, ts, price)
	}

	stop := s.StopLoss
	if stop == 0 {
		stop = StopFor(s.Side, price, m.policy.StopOffset)
	}
	m.nextTrade++
	pos := &Position{
		Instrument:   s.Instrument,
		Side:         s.Side,
		Size:         s.Size,
		EntryPrice:   price,
		StopLoss:     stop,
		ExtremePrice: price,
		TierPrice:    price,
		TradeID:      m.nextTrade,
		OpenedAt:     ts,
	}
	m.positions[s.Instrument] = pos

	kind := domain.EventEnterLong
	if s.Side == domain.SideShort {
		kind = domain.EventEnterShort
	}
	ev := m.record(pos, kind, ts, price, "")
	m.logger.Debug("position opened",
		"instrument", s.Instrument, "side", s.Side, "size", s.Size,
		"price", price, "stop", stop, "trade_id", pos.TradeID)
	return ev, true, nil
}

func (m *Manager) scale(s domain.Scale, ts time.Time, price float64) (domain.TradeEvent, bool, error) {
	pos, ok := m.positions[s.Instrument]
	if !ok || !pos.IsOpen() {
		return domain.TradeEvent{}, false, fmt.Errorf("scale %s: %w", s.Instrument, domain.ErrNoPosition)
	}
	if s.Size <= pos.Size {
		return domain.TradeEvent{}, false, nil
	}

	pos.Size = s.Size
	pos.TierPrice = price
	pos.Trail(price, m.policy.StopOffset)
	if s.StopLoss != 0 {
		pos.StopLoss = Tighter(pos.Side, pos.StopLoss, s.StopLoss)
	}

	ev := m.record(pos, domain.EventAdd, ts, price, "")
	m.logger.Debug("position scaled",
		"instrument", s.Instrument, "size", s.Size, "price", price, "stop", pos.StopLoss)
	return ev, true, nil
}

func (m *Manager) close(inst domain.Instrument, reason string, ts time.Time, price float64) (domain.TradeEvent, bool, error) {
	pos, ok := m.positions[inst]
	if !ok || !pos.IsOpen() {
		return domain.TradeEvent{}, false, nil
	}
	if reason == "" {
		reason = domain.ReasonSignal
	}
	ev := m.record(pos, domain.EventClose, ts, price, reason)
	delete(m.positions, inst)
	m.logger.Debug("position closed",
		"instrument", inst, "reason", reason, "entry", pos.EntryPrice, "price", price)
	return ev, true, nil
}

func (m *Manager) record(pos *Position, kind domain.EventKind, ts time.Time, price float64, reason string) domain.TradeEvent {
	ev := domain.TradeEvent{
		Seq:        len(m.log) + 1,
		TradeID:    pos.TradeID,
		Instrument: pos.Instrument,
		Timestamp:  ts,
		Kind:       kind,
		Side:       pos.Side,
		Price:      price,
		Size:       pos.Size,
		StopLoss:   pos.StopLoss,
		EntryPrice: pos.EntryPrice,
		Reason:     reason,
	}
	m.log = append(m.log, ev)
	return ev
}

// UpdateTrailingStop ratchets the extreme price and stop of every open
// position that has a price in prices. Non-finite prices are ignored.
func (m *Manager) UpdateTrailingStop(ts time.Time, prices map[domain.Instrument]float64) {
	for inst, pos := range m.positions {
		price, ok := prices[inst]
		if !ok || checkPrice(price) != nil {
			continue
		}
		if pos.Trail(price, m.policy.StopOffset) {
			m.logger.Debug("stop trailed",
				"instrument", inst, "time", ts, "extreme", pos.ExtremePrice, "stop", pos.StopLoss)
		}
	}
}

// CloseAll closes every open position that has a price in prices, in
// instrument order, and returns the recorded events.
func (m *Manager) CloseAll(ts time.Time, prices map[domain.Instrument]float64, reason string) []domain.TradeEvent {
	var events []domain.TradeEvent
	for _, pos := range m.Open() {
		price, ok := prices[pos.Instrument]
		if !ok || checkPrice(price) != nil {
			m.logger.Warn("no price to close position",
				"instrument", pos.Instrument, "time", ts, "trade_id", pos.TradeID)
			continue
		}
		ev, _, _ := m.close(pos.Instrument, reason, ts, price)
		events = append(events, ev)
	}
	return events
}

// Position returns a copy of the instrument's open position.
func (m *Manager) Position(inst domain.Instrument) (Position, bool) {
	pos, ok := m.positions[inst]
	if !ok {
		return Position{Instrument: inst, Side: domain.SideFlat}, false
	}
	return *pos, true
}

// Open returns copies of all open positions sorted by instrument.
func (m *Manager) Open() []Position {
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Log returns a copy of the trade log.
func (m *Manager) Log() []domain.TradeEvent {
	out := make([]domain.TradeEvent, len(m.log))
	copy(out, m.log)
	return out
}

func checkPrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: %v", domain.ErrNonFinite, price)
	}
	if price <= 0 {
		return fmt.Errorf("%w: non-positive price %v", domain.ErrNumeric, price)
	}
	return nil
}
