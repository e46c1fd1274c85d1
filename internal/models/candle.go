// Package models provides the core data structures for cached candle series:
// the canonical OHLCV candle tuple, its column layout, and candle-length
// (interval) parsing.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Column names of the canonical candle tuple, in wire order. The time column
// is the index of every cached table; the remaining columns are the value
// columns providers must normalize into, whatever their native field order.
const (
	TimeColumn   = "time"
	OpenColumn   = "open"
	CloseColumn  = "close"
	HighColumn   = "high"
	LowColumn    = "low"
	VolumeColumn = "volume"
)

// ValueColumns lists the non-index columns in canonical order.
var ValueColumns = []string{OpenColumn, CloseColumn, HighColumn, LowColumn, VolumeColumn}

// Candle represents one OHLCV data point for a fixed time bucket.
// The most recent candle of a live series is provisional: its values can
// still change until the bucket closes, which is why continuous-mode updates
// re-fetch it.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	Close  float64   `json:"close"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Volume float64   `json:"volume"`
}

// ValidationError reports a candle or query field that failed validation.
type ValidationError struct {
	Field   string // name of the offending field
	Message string // human readable description
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// TimeFromMS converts an epoch-millisecond timestamp to UTC time.
func TimeFromMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TimeToMS converts a time to an epoch-millisecond timestamp.
func TimeToMS(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeMS returns the candle's bucket open time in epoch milliseconds, the
// natural primary key within one (symbol, interval) series.
func (c Candle) TimeMS() int64 {
	return TimeToMS(c.Time)
}

// Values returns the candle's value columns in canonical order.
func (c Candle) Values() []float64 {
	return []float64{c.Open, c.Close, c.High, c.Low, c.Volume}
}

// Validate performs sanity checks on the candle data: a non-zero timestamp,
// a non-negative volume and a consistent high/low envelope. Price comparisons
// go through decimal to avoid float artifacts near equal bounds.
func (c Candle) Validate() error {
	if c.Time.IsZero() {
		return &ValidationError{Field: TimeColumn, Message: "timestamp cannot be zero"}
	}

	open := decimal.NewFromFloat(c.Open)
	cls := decimal.NewFromFloat(c.Close)
	high := decimal.NewFromFloat(c.High)
	low := decimal.NewFromFloat(c.Low)
	volume := decimal.NewFromFloat(c.Volume)

	if volume.IsNegative() {
		return &ValidationError{Field: VolumeColumn, Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, cls)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   HighColumn,
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, cls)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   LowColumn,
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}
