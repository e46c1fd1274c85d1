package gaps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlecache/internal/models"
	"candlecache/internal/storage"
)

var baseTime = time.Date(2022, 7, 12, 0, 0, 0, 0, time.UTC)

func tableAt(t *testing.T, offsets ...time.Duration) *storage.Table {
	t.Helper()
	candles := make([]models.Candle, 0, len(offsets))
	for _, off := range offsets {
		candles = append(candles, models.Candle{
			Time: baseTime.Add(off), Open: 1, Close: 2, High: 3, Low: 1, Volume: 1,
		})
	}
	return storage.FromCandles(candles)
}

func TestDetect_ContiguousSeriesHasNoGaps(t *testing.T) {
	table := tableAt(t, 0, time.Hour, 2*time.Hour, 3*time.Hour)
	assert.Empty(t, Detect(table, "1h"))
}

func TestDetect_SingleGap(t *testing.T) {
	// rows at T0, T0+1h, then nothing until T0+4h
	table := tableAt(t, 0, time.Hour, 4*time.Hour)

	found := Detect(table, "1h")
	require.Len(t, found, 1)
	assert.Equal(t, baseTime.Add(2*time.Hour), found[0].Start)
	assert.Equal(t, baseTime.Add(3*time.Hour), found[0].End)
	assert.Equal(t, 2, found[0].Missing)
	assert.Equal(t, 2*time.Hour, found[0].Duration("1h"))
	assert.NotEmpty(t, found[0].ID)
}

func TestDetect_MultipleGaps(t *testing.T) {
	table := tableAt(t, 0, 2*time.Hour, 3*time.Hour, 6*time.Hour)

	found := Detect(table, "1h")
	require.Len(t, found, 2)
	assert.Equal(t, 1, found[0].Missing)
	assert.Equal(t, baseTime.Add(time.Hour), found[0].Start)
	assert.Equal(t, 2, found[1].Missing)
	assert.Equal(t, baseTime.Add(4*time.Hour), found[1].Start)
}

func TestDetect_IntervalWiderThanSpacing(t *testing.T) {
	// daily interval over hourly rows: nothing is missing
	table := tableAt(t, 0, time.Hour, 2*time.Hour)
	assert.Empty(t, Detect(table, "1d"))
}

func TestDetect_DegenerateInputs(t *testing.T) {
	assert.Nil(t, Detect(nil, "1h"))
	assert.Nil(t, Detect(tableAt(t, 0), "1h"))
	// an unparseable interval resolves to zero minutes
	assert.Nil(t, Detect(tableAt(t, 0, 2*time.Hour), "abc"))
}
