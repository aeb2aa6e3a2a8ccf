package align

import (
	"context"
	"errors"
	"testing"
	"time"

	"mybacktest/internal/domain"
	"mybacktest/internal/store"
)

var t0 = time.Date(2023, 1, 3, 9, 30, 0, 0, time.UTC)

func bar(inst domain.Instrument, p domain.Period, minutes int, close float64) domain.Bar {
	return domain.Bar{
		Instrument: inst,
		Period:     p,
		Timestamp:  t0.Add(time.Duration(minutes) * time.Minute),
		Open:       close,
		High:       close,
		Low:        close,
		Close:      close,
		Volume:     1000,
	}
}

func TestMergeUnionWithNulls(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.Put("IDX", "15m", []domain.Bar{
		bar("IDX", "15m", 0, 100),
		bar("IDX", "15m", 15, 101),
		bar("IDX", "15m", 30, 102),
	})
	mem.Put("IDX", "1h", []domain.Bar{
		bar("IDX", "1h", 0, 99),
		bar("IDX", "1h", 60, 103),
	})

	table, err := New(mem, nil).Merge(context.Background(),
		[]domain.Instrument{"IDX"}, []domain.Period{"15m", "1h"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if table.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", table.Len())
	}

	r := table.Row(1) // t0+15m: only the 15m series has data
	if v, ok := r.Close("IDX", "15m"); !ok || v != 101 {
		t.Errorf("15m close at row 1 = (%v, %v), want (101, true)", v, ok)
	}
	if _, ok := r.Close("IDX", "1h"); ok {
		t.Error("1h close at row 1 should be null")
	}

	last := table.Row(3) // t0+60m: only the 1h series
	if _, ok := last.Close("IDX", "15m"); ok {
		t.Error("15m close at t0+60m should be null, not forward-filled")
	}
	if v, _ := last.Close("IDX", "1h"); v != 103 {
		t.Errorf("1h close at t0+60m = %v, want 103", v)
	}

	for i := 1; i < table.Len(); i++ {
		if !table.Row(i).Time.After(table.Row(i - 1).Time) {
			t.Fatalf("rows not strictly ascending at %d", i)
		}
	}
}

func TestMergeColumnLayout(t *testing.T) {
	mem := store.NewMemoryStore()
	for _, inst := range []domain.Instrument{"A", "B"} {
		mem.Put(inst, "1d", []domain.Bar{bar(inst, "1d", 0, 1)})
	}

	table, err := New(mem, nil).Merge(context.Background(),
		[]domain.Instrument{"B", "A", "B"}, []domain.Period{"1d"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	cols := table.Columns()
	if len(cols) != 10 {
		t.Fatalf("len(Columns()) = %d, want 10", len(cols))
	}
	if cols[0] != "B_1d_open" || cols[5] != "A_1d_open" {
		t.Errorf("Columns() = %v, want B series before A", cols)
	}
	if _, ok := table.Column("A_1d_volume"); !ok {
		t.Error("Column(A_1d_volume) not found")
	}
}

func TestMergeErrors(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.Put("BAD", "1m", []domain.Bar{
		bar("BAD", "1m", 1, 10),
		bar("BAD", "1m", 1, 11),
	})
	a := New(mem, nil)
	ctx := context.Background()

	if _, err := a.Merge(ctx, nil, []domain.Period{"1m"}); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("empty instruments error = %v, want ErrConfig", err)
	}
	if _, err := a.Merge(ctx, []domain.Instrument{"BAD"}, nil); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("empty periods error = %v, want ErrConfig", err)
	}
	if _, err := a.Merge(ctx, []domain.Instrument{"MISSING"}, []domain.Period{"1m"}); !errors.Is(err, domain.ErrSeriesNotFound) {
		t.Errorf("missing series error = %v, want ErrSeriesNotFound", err)
	}
	_, err := a.Merge(ctx, []domain.Instrument{"BAD"}, []domain.Period{"1m"})
	if !errors.Is(err, domain.ErrNonMonotonic) || !errors.Is(err, domain.ErrData) {
		t.Errorf("duplicate timestamp error = %v, want ErrNonMonotonic", err)
	}
}

func TestTableBetweenAndLookup(t *testing.T) {
	mem := store.NewMemoryStore()
	var bars []domain.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, bar("X", "1m", i, float64(100+i)))
	}
	mem.Put("X", "1m", bars)

	table, err := New(mem, nil).Merge(context.Background(),
		[]domain.Instrument{"X"}, []domain.Period{"1m"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	sub := table.Between(t0.Add(2*time.Minute), t0.Add(5*time.Minute))
	if sub.Len() != 4 {
		t.Fatalf("Between Len() = %d, want 4 (inclusive)", sub.Len())
	}
	if v, _ := sub.Row(0).Close("X", "1m"); v != 102 {
		t.Errorf("first row close = %v, want 102", v)
	}

	if all := table.Between(time.Time{}, time.Time{}); all.Len() != 10 {
		t.Errorf("unbounded Between Len() = %d, want 10", all.Len())
	}
	if empty := table.Between(t0.Add(time.Hour), t0.Add(2*time.Hour)); empty.Len() != 0 {
		t.Errorf("out-of-range Between Len() = %d, want 0", empty.Len())
	}

	r, ok := table.Lookup(t0.Add(7 * time.Minute))
	if !ok {
		t.Fatal("Lookup missed existing timestamp")
	}
	if v, _ := r.Close("X", "1m"); v != 107 {
		t.Errorf("Lookup close = %v, want 107", v)
	}
	if _, ok := table.Lookup(t0.Add(30 * time.Second)); ok {
		t.Error("Lookup found a timestamp that does not exist")
	}
}
