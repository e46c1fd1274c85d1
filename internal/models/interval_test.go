package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalMinutes(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		want     int
	}{
		{"one_minute", "1m", 1},
		{"fifteen_minutes", "15m", 15},
		{"two_hours", "2h", 120},
		{"hour_alias", "6hr", 360},
		{"hour_word", "12hours", 720},
		{"one_day_upper", "1D", 1440},
		{"three_days", "3D", 4320},
		{"one_week_upper", "1W", 10080},
		{"week_word", "2weeks", 20160},
		{"compound_hour_minute", "1h30m", 90},
		{"compound_with_spaces", "1h 30m", 90},
		{"bare_number_counts_as_minutes", "90", 90},
		{"unknown_suffix_counts_as_minutes", "5x", 5},
		{"day_word", "2days", 2880},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IntervalMinutes(tt.interval))
		})
	}
}

func TestIntervalMinutes_MalformedInput(t *testing.T) {
	// No leading digit run means nothing to parse; trailing garbage after the
	// last match is silently dropped.
	assert.Equal(t, 0, IntervalMinutes(""))
	assert.Equal(t, 0, IntervalMinutes("abc"))
	assert.Equal(t, 0, IntervalMinutes("h1"))
	assert.Equal(t, 65, IntervalMinutes("1h5m???"))
}
