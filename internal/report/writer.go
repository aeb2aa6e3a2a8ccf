package report

import (
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts r into a protobuf Struct. Decimal amounts are encoded as
// strings so no precision is lost.
func ToStruct(r Report) (*structpb.Struct, error) {
	if r.Empty() {
		return structpb.NewStruct(map[string]any{})
	}
	traj := make([]any, 0, len(r.Trajectory))
	for _, p := range r.Trajectory {
		traj = append(traj, map[string]any{
			"time":        p.Time.UTC().Format(time.RFC3339),
			"trade_id":    p.TradeID,
			"instrument":  string(p.Instrument),
			"side":        string(p.Side),
			"entry_price": p.EntryPrice,
			"close_price": p.ClosePrice,
			"factor":      p.Factor.String(),
			"balance":     p.Balance.StringFixed(2),
		})
	}
	return structpb.NewStruct(map[string]any{
		"initial_balance": r.InitialBalance.StringFixed(2),
		"final_balance":   r.FinalBalance.StringFixed(2),
		"total_return":    r.TotalReturn.String(),
		"trades":          r.Trades,
		"wins":            r.Wins,
		"losses":          r.Losses,
		"win_rate":        r.WinRate.String(),
		"max_drawdown":    r.MaxDrawdown.String(),
		"trajectory":      traj,
	})
}

// WriteJSON writes r as indented JSON. The empty report is written as {}.
func WriteJSON(w io.Writer, r Report) error {
	s, err := ToStruct(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// WriteSummary writes a short human-readable summary of r.
func WriteSummary(w io.Writer, r Report) error {
	if r.Empty() {
		_, err := fmt.Fprintln(w, "no trades")
		return err
	}
	_, err := fmt.Fprintf(w,
		"initial balance: %s\nfinal balance:   %s\ntotal return:    %s%%\ntrades:          %d (%d wins, %d losses, win rate %s%%)\nmax drawdown:    %s%%\n",
		r.InitialBalance.StringFixed(2),
		r.FinalBalance.StringFixed(2),
		r.TotalReturn.Shift(2).StringFixed(2),
		r.Trades, r.Wins, r.Losses,
		r.WinRate.Shift(2).StringFixed(1),
		r.MaxDrawdown.Shift(2).StringFixed(2),
	)
	return err
}
