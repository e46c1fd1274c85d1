package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"candlecache/internal/models"
)

// TimeLayout is the on-disk format of the time index column.
const TimeLayout = "2006-01-02 15:04:05"

// AppendOptions controls how Append merges new rows into the cached table.
type AppendOptions struct {
	// DedupeOn lists the columns identifying duplicates; empty disables
	// de-duplication.
	DedupeOn []string
	// Keep picks which duplicate survives; defaults to KeepLast.
	Keep Keep
	// Persist writes the merged table to the backing file.
	Persist bool
}

// CachedTable binds a Table to one cache file. It mirrors the lifecycle of a
// cache entry: Load pulls the whole file into memory, Append merges fetched
// rows and optionally persists, Output shapes the result for the caller.
//
// Access is single-writer by design; concurrent processes racing on the same
// path resolve to last-writer-wins.
type CachedTable struct {
	path  string
	table *Table
}

// NewCachedTable returns a cached table backed by the given file path.
// Nothing is read until Load is called.
func NewCachedTable(path string) *CachedTable {
	return &CachedTable{path: path}
}

// Path returns the backing file path.
func (c *CachedTable) Path() string {
	return c.path
}

// Table returns the current in-memory table, nil before the first successful
// Load or Append.
func (c *CachedTable) Table() *Table {
	return c.table
}

// Load reads the persisted table. A missing file is not an error: it returns
// (nil, false, nil), meaning the cache entry simply does not exist yet. Any
// other failure is returned as-is.
func (c *CachedTable) Load() (*Table, bool, error) {
	f, err := os.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.table = nil
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, false, fmt.Errorf("read cache %s: %w", c.path, err)
	}
	if len(records) == 0 {
		return nil, false, fmt.Errorf("read cache %s: missing header row", c.path)
	}

	header := records[0]
	if len(header) < 1 {
		return nil, false, fmt.Errorf("read cache %s: empty header row", c.path)
	}

	table := NewTable(header[1:])
	for n, record := range records[1:] {
		if len(record) != len(header) {
			return nil, false, fmt.Errorf("read cache %s: row %d has %d fields, want %d", c.path, n+1, len(record), len(header))
		}
		ts, err := time.ParseInLocation(TimeLayout, record[0], time.UTC)
		if err != nil {
			return nil, false, fmt.Errorf("read cache %s: row %d: %w", c.path, n+1, err)
		}
		row := make([]float64, len(record)-1)
		for j, field := range record[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, false, fmt.Errorf("read cache %s: row %d column %s: %w", c.path, n+1, table.columns[j], err)
			}
			row[j] = v
		}
		table.times = append(table.times, ts)
		table.values = append(table.values, row)
	}

	c.table = table
	return table, true, nil
}

// Append merges rows into the in-memory table (an absent table counts as
// empty), de-duplicates and re-sorts per opts, and persists the result when
// requested. It returns the merged table.
func (c *CachedTable) Append(rows *Table, opts AppendOptions) (*Table, error) {
	merged, err := merge(c.table, rows, opts.DedupeOn, opts.Keep)
	if err != nil {
		return nil, err
	}
	c.table = merged

	if opts.Persist {
		if err := c.Save(); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// Save writes the current table to the backing file. The write goes to a
// temporary file in the same directory which is then renamed over the target,
// so a concurrent reader never observes a partially written cache.
func (c *CachedTable) Save() error {
	if c.table == nil {
		return fmt.Errorf("save cache %s: no table loaded", c.path)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("save cache %s: %w", c.path, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	header := append([]string{models.TimeColumn}, c.table.columns...)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("save cache %s: %w", c.path, err)
	}
	record := make([]string, len(header))
	for i, ts := range c.table.times {
		record[0] = ts.UTC().Format(TimeLayout)
		for j, v := range c.table.values[i] {
			record[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return fmt.Errorf("save cache %s: %w", c.path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("save cache %s: %w", c.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save cache %s: %w", c.path, err)
	}

	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("save cache %s: %w", c.path, err)
	}
	return nil
}

// Output returns the filtered and renamed view of the current table without
// mutating it.
func (c *CachedTable) Output(shape OutputShape) (*Table, error) {
	if c.table == nil {
		return nil, fmt.Errorf("output %s: no table loaded", c.path)
	}
	return c.table.Output(shape)
}
