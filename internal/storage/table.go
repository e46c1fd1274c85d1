// Package storage implements the cached table layer: an in-memory
// time-indexed table of candle rows with merge/dedupe semantics, plus the
// CSV-file persistence used for the local candle cache.
package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"candlecache/internal/models"
)

// Keep selects which occurrence survives when Append de-duplicates rows.
type Keep string

const (
	// KeepFirst retains the earliest occurrence of a duplicate key, i.e. the
	// pre-existing cached row wins over newly appended data.
	KeepFirst Keep = "first"
	// KeepLast retains the latest occurrence, so a newer fetch overwrites a
	// stale cached row on overlap. This is the default.
	KeepLast Keep = "last"
)

// Table is an ordered sequence of candle rows indexed by time. Rows are kept
// sorted ascending by the time index; the index is unique after any append
// that requested de-duplication on the time column.
type Table struct {
	times   []time.Time
	columns []string
	values  [][]float64
}

// NewTable returns an empty table with the given value columns.
func NewTable(columns []string) *Table {
	return &Table{columns: append([]string(nil), columns...)}
}

// FromCandles builds a table with the canonical value columns from a slice of
// candles. The input order is preserved; callers relying on ascending order
// should append through a CachedTable, which re-sorts.
func FromCandles(candles []models.Candle) *Table {
	t := NewTable(models.ValueColumns)
	for _, c := range candles {
		t.times = append(t.times, c.Time)
		t.values = append(t.values, c.Values())
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.times)
}

// Columns returns a copy of the value column names.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// At returns the time index and values of row i. The returned slice aliases
// the table; callers must not modify it.
func (t *Table) At(i int) (time.Time, []float64) {
	return t.times[i], t.values[i]
}

// MaxTime returns the largest time index. ok is false for an empty table.
func (t *Table) MaxTime() (ts time.Time, ok bool) {
	if len(t.times) == 0 {
		return time.Time{}, false
	}
	// rows are sorted ascending, but scan anyway so freshly built tables work
	ts = t.times[0]
	for _, v := range t.times[1:] {
		if v.After(ts) {
			ts = v
		}
	}
	return ts, true
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		times:   append([]time.Time(nil), t.times...),
		columns: append([]string(nil), t.columns...),
		values:  make([][]float64, len(t.values)),
	}
	for i, row := range t.values {
		c.values[i] = append([]float64(nil), row...)
	}
	return c
}

// Equal reports whether two tables hold the same columns, times and values
// in the same order.
func (t *Table) Equal(o *Table) bool {
	if o == nil || len(t.times) != len(o.times) || len(t.columns) != len(o.columns) {
		return false
	}
	for i, c := range t.columns {
		if o.columns[i] != c {
			return false
		}
	}
	for i, ts := range t.times {
		if !ts.Equal(o.times[i]) {
			return false
		}
		for j, v := range t.values[i] {
			if o.values[i][j] != v {
				return false
			}
		}
	}
	return true
}

// merge concatenates rows onto cur, optionally de-duplicates on the named
// columns, and re-sorts by the time index. Neither input is mutated.
func merge(cur, rows *Table, dedupeOn []string, keep Keep) (*Table, error) {
	if cur == nil {
		cur = NewTable(rows.Columns())
	}
	if len(cur.columns) != len(rows.columns) {
		return nil, fmt.Errorf("cannot append table with columns %v onto %v", rows.columns, cur.columns)
	}
	for i, c := range cur.columns {
		if rows.columns[i] != c {
			return nil, fmt.Errorf("cannot append table with columns %v onto %v", rows.columns, cur.columns)
		}
	}

	out := cur.Clone()
	out.times = append(out.times, rows.times...)
	for _, row := range rows.values {
		out.values = append(out.values, append([]float64(nil), row...))
	}

	if len(dedupeOn) > 0 {
		if err := out.dedupe(dedupeOn, keep); err != nil {
			return nil, err
		}
	}

	out.sortByTime()
	return out, nil
}

// dedupe removes duplicate rows identified by the listed columns, retaining
// the first or last occurrence in current row order.
func (t *Table) dedupe(on []string, keep Keep) error {
	if keep == "" {
		keep = KeepLast
	}
	if keep != KeepFirst && keep != KeepLast {
		return fmt.Errorf("unknown keep policy %q", keep)
	}

	chosen := make(map[string]int, len(t.times))
	for i := range t.times {
		key, err := t.rowKey(i, on)
		if err != nil {
			return err
		}
		if _, seen := chosen[key]; seen && keep == KeepFirst {
			continue
		}
		chosen[key] = i
	}

	pick := make([]bool, len(t.times))
	for _, i := range chosen {
		pick[i] = true
	}

	times := t.times[:0]
	values := t.values[:0]
	for i := range pick {
		if pick[i] {
			times = append(times, t.times[i])
			values = append(values, t.values[i])
		}
	}
	t.times = times
	t.values = values
	return nil
}

// rowKey renders the identifying key of row i over the given columns.
func (t *Table) rowKey(i int, on []string) (string, error) {
	parts := make([]string, 0, len(on))
	for _, col := range on {
		if col == models.TimeColumn {
			parts = append(parts, strconv.FormatInt(models.TimeToMS(t.times[i]), 10))
			continue
		}
		idx := -1
		for j, c := range t.columns {
			if c == col {
				idx = j
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("unknown dedupe column %q", col)
		}
		parts = append(parts, strconv.FormatFloat(t.values[i][idx], 'g', -1, 64))
	}
	return strings.Join(parts, "|"), nil
}

func (t *Table) sortByTime() {
	idx := make([]int, len(t.times))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return t.times[idx[a]].Before(t.times[idx[b]])
	})

	times := make([]time.Time, len(t.times))
	values := make([][]float64, len(t.values))
	for i, j := range idx {
		times[i] = t.times[j]
		values[i] = t.values[j]
	}
	t.times = times
	t.values = values
}

// OutputShape describes the derived view produced by Output: an optional
// column filter followed by an optional rename, either positional (Rename)
// or by explicit mapping (RenameMap).
type OutputShape struct {
	Filter    []string
	Rename    []string
	RenameMap map[string]string
}

// Output returns a shaped copy of the table. The receiver is never mutated,
// so repeated calls with different shapes are independent.
func (t *Table) Output(shape OutputShape) (*Table, error) {
	if len(shape.Rename) > 0 && len(shape.RenameMap) > 0 {
		return nil, fmt.Errorf("rename is either positional or a mapping, not both")
	}

	out := t.Clone()

	if len(shape.Filter) > 0 {
		want := make(map[string]bool, len(shape.Filter))
		for _, c := range shape.Filter {
			want[c] = true
		}
		kept := make([]int, 0, len(out.columns))
		columns := make([]string, 0, len(out.columns))
		for j, c := range out.columns {
			if want[c] {
				kept = append(kept, j)
				columns = append(columns, c)
			}
		}
		values := make([][]float64, len(out.values))
		for i, row := range out.values {
			filtered := make([]float64, len(kept))
			for k, j := range kept {
				filtered[k] = row[j]
			}
			values[i] = filtered
		}
		out.columns = columns
		out.values = values
	}

	switch {
	case len(shape.Rename) > 0:
		if len(shape.Rename) != len(out.columns) {
			return nil, fmt.Errorf("positional rename needs %d names, got %d", len(out.columns), len(shape.Rename))
		}
		out.columns = append([]string(nil), shape.Rename...)
	case len(shape.RenameMap) > 0:
		for j, c := range out.columns {
			if renamed, ok := shape.RenameMap[c]; ok {
				out.columns[j] = renamed
			}
		}
	}

	return out, nil
}
