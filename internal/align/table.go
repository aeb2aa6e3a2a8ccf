package align

import (
	"fmt"
	"sort"
	"time"

	"mybacktest/internal/domain"
)

// Bar fields stored per (instrument, period) series, in column order.
var Fields = []string{"open", "high", "low", "close", "volume"}

// ColumnName returns the namespaced column for one field of a series.
func ColumnName(inst domain.Instrument, period domain.Period, field string) string {
	return fmt.Sprintf("%s_%s_%s", inst, period, field)
}

// Table is a timestamp-indexed, column-namespaced view of several bar
// series. Rows are in strictly ascending timestamp order and cells are
// either present or null; nothing is forward-filled.
type Table struct {
	columns []string
	index   map[string]int
	times   []time.Time
	values  [][]float64
	present [][]bool
}

func newTable(columns []string, times []time.Time) *Table {
	t := &Table{
		columns: columns,
		index:   make(map[string]int, len(columns)),
		times:   times,
		values:  make([][]float64, len(times)),
		present: make([][]bool, len(times)),
	}
	for i, c := range columns {
		t.index[c] = i
	}
	for i := range times {
		t.values[i] = make([]float64, len(columns))
		t.present[i] = make([]bool, len(columns))
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.times) }

// Columns returns the column names in layout order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Column returns the index of a named column.
func (t *Table) Column(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Row returns the i-th row.
func (t *Table) Row(i int) Row {
	return Row{Time: t.times[i], table: t, i: i}
}

// Rows returns every row in ascending time order.
func (t *Table) Rows() []Row {
	rows := make([]Row, len(t.times))
	for i := range t.times {
		rows[i] = t.Row(i)
	}
	return rows
}

// Lookup finds the row with the exact timestamp ts.
func (t *Table) Lookup(ts time.Time) (Row, bool) {
	i := sort.Search(len(t.times), func(i int) bool { return !t.times[i].Before(ts) })
	if i < len(t.times) && t.times[i].Equal(ts) {
		return t.Row(i), true
	}
	return Row{}, false
}

// Between returns the rows with start <= time <= end as a table sharing
// storage with t. A zero start or end leaves that side unbounded.
func (t *Table) Between(start, end time.Time) *Table {
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(t.times), func(i int) bool { return !t.times[i].Before(start) })
	}
	hi := len(t.times)
	if !end.IsZero() {
		hi = sort.Search(len(t.times), func(i int) bool { return t.times[i].After(end) })
	}
	if hi < lo {
		hi = lo
	}
	return &Table{
		columns: t.columns,
		index:   t.index,
		times:   t.times[lo:hi],
		values:  t.values[lo:hi],
		present: t.present[lo:hi],
	}
}

// ---------------------------------------------------------------------------
// Row
// ---------------------------------------------------------------------------

// Row is one timestamp of an aligned Table.
type Row struct {
	Time  time.Time
	table *Table
	i     int
}

// Get returns the named cell; ok is false when the cell is null or the
// column does not exist.
func (r Row) Get(column string) (float64, bool) {
	if r.table == nil {
		return 0, false
	}
	c, ok := r.table.index[column]
	if !ok || !r.table.present[r.i][c] {
		return 0, false
	}
	return r.table.values[r.i][c], true
}

// Value returns one field of a series at this row.
func (r Row) Value(inst domain.Instrument, period domain.Period, field string) (float64, bool) {
	return r.Get(ColumnName(inst, period, field))
}

// Close returns the close price of a series at this row.
func (r Row) Close(inst domain.Instrument, period domain.Period) (float64, bool) {
	return r.Get(ColumnName(inst, period, "close"))
}
