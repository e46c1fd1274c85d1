// Package gaps detects missing candles in a cached time series. A gap is a
// run of expected timestamps with no stored row, based on the query interval.
package gaps

import (
	"time"

	"github.com/google/uuid"

	"candlecache/internal/models"
	"candlecache/internal/storage"
)

// Gap is one contiguous run of missing candles.
type Gap struct {
	ID      string
	Start   time.Time // first missing candle
	End     time.Time // last missing candle
	Missing int
}

// Duration spans from the first missing candle to the end of the last one.
func (g Gap) Duration(interval string) time.Duration {
	step := time.Duration(models.IntervalMinutes(interval)) * time.Minute
	return g.End.Sub(g.Start) + step
}

// Detect scans the table's time index for missing candles at the given
// interval. Rows are expected in ascending time order, which the storage
// layer guarantees after any append.
func Detect(table *storage.Table, interval string) []Gap {
	step := time.Duration(models.IntervalMinutes(interval)) * time.Minute
	if step <= 0 || table == nil || table.Len() < 2 {
		return nil
	}

	var out []Gap
	prev, _ := table.At(0)
	for i := 1; i < table.Len(); i++ {
		cur, _ := table.At(i)
		missing := int(cur.Sub(prev)/step) - 1
		if missing > 0 {
			out = append(out, Gap{
				ID:      uuid.NewString(),
				Start:   prev.Add(step),
				End:     cur.Add(-step),
				Missing: missing,
			})
		}
		prev = cur
	}
	return out
}
