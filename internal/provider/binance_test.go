package provider

import (
	"context"
	"strconv"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlecache/internal/models"
)

// stubKlines scripts the SDK responses per call.
type stubKlines struct {
	symbols []string
	replies []func() ([]*binance.Kline, error)
}

func (s *stubKlines) Klines(ctx context.Context, symbol, interval string, limit int, startMS, endMS int64) ([]*binance.Kline, error) {
	s.symbols = append(s.symbols, symbol)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply()
}

func hourlyKlines(from time.Time, n int) []*binance.Kline {
	out := make([]*binance.Kline, n)
	for i := range out {
		price := strconv.Itoa(100 + i)
		out[i] = &binance.Kline{
			OpenTime: models.TimeToMS(from.Add(time.Duration(i) * time.Hour)),
			Open:     price,
			High:     "110.5",
			Low:      "90.25",
			Close:    "105",
			Volume:   "12.5",
		}
	}
	return out
}

func newTestBinance(stub *stubKlines) *Binance {
	return NewBinance(BinanceConfig{Client: stub, Gate: GateConfig{EveryN: 1000}})
}

func TestBinance_NormalizesFieldOrder(t *testing.T) {
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){
		func() ([]*binance.Kline, error) { return hourlyKlines(seriesStart, 1), nil },
	}}
	b := newTestBinance(stub)

	candles, err := b.Candles(context.Background(), FetchRequest{
		Symbol:   "btcusdt",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, candles, 1)

	// kline order is open/high/low/close; canonical order swaps close and high
	c := candles[0]
	assert.Equal(t, seriesStart, c.Time)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 105.0, c.Close)
	assert.Equal(t, 110.5, c.High)
	assert.Equal(t, 90.25, c.Low)
	assert.Equal(t, 12.5, c.Volume)

	assert.Equal(t, []string{"BTCUSDT"}, stub.symbols, "symbol must be upper-cased")
}

func TestBinance_InvalidSymbolRetriesOnceWithSuffix(t *testing.T) {
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){
		func() ([]*binance.Kline, error) {
			return nil, &common.APIError{Code: -1121, Message: "Invalid symbol."}
		},
		func() ([]*binance.Kline, error) { return hourlyKlines(seriesStart, 1), nil },
	}}
	b := newTestBinance(stub)

	candles, err := b.Candles(context.Background(), FetchRequest{
		Symbol:   "btcusd",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, candles, 1)
	assert.Equal(t, []string{"BTCUSD", "BTCUSDT"}, stub.symbols)
}

func TestBinance_InvalidSymbolRetryFailsOnSecondRejection(t *testing.T) {
	reject := func() ([]*binance.Kline, error) {
		return nil, &common.APIError{Code: -1121, Message: "Invalid symbol."}
	}
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){reject, reject}}
	b := newTestBinance(stub)

	_, err := b.Candles(context.Background(), FetchRequest{
		Symbol:   "nosuch",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(time.Hour),
	})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(-1121), fe.Code)
	assert.Equal(t, []string{"NOSUCH", "NOSUCHT"}, stub.symbols, "the quirk retry happens exactly once")
}

func TestBinance_OtherAPIErrorIsNotRetried(t *testing.T) {
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){
		func() ([]*binance.Kline, error) {
			return nil, &common.APIError{Code: -1003, Message: "Too many requests."}
		},
	}}
	b := newTestBinance(stub)

	_, err := b.Candles(context.Background(), FetchRequest{
		Symbol:   "btcusdt",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(time.Hour),
	})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "binance", fe.Provider)
	assert.Equal(t, int64(-1003), fe.Code)
	assert.Equal(t, []string{"BTCUSDT"}, stub.symbols)
}

func TestBinance_Pagination(t *testing.T) {
	klines := hourlyKlines(seriesStart, 4)
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){
		func() ([]*binance.Kline, error) { return klines[:2], nil },
		func() ([]*binance.Kline, error) { return klines[2:], nil },
	}}
	b := NewBinance(BinanceConfig{Client: stub, PageLimit: 2, Gate: GateConfig{EveryN: 1000}})

	candles, err := b.Candles(context.Background(), FetchRequest{
		Symbol:   "btcusdt",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(4 * time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, candles, 4)
	assert.Len(t, stub.symbols, 2)
}

func TestBinance_RejectsInconsistentKline(t *testing.T) {
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){
		func() ([]*binance.Kline, error) {
			// high of 95 sits below the open of 100
			return []*binance.Kline{{OpenTime: models.TimeToMS(seriesStart), Open: "100", High: "95", Low: "80", Close: "90", Volume: "1"}}, nil
		},
	}}
	b := newTestBinance(stub)

	candles, err := b.Candles(context.Background(), FetchRequest{
		Symbol:   "btcusdt",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(time.Hour),
	})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.HighColumn, verr.Field)
	assert.Nil(t, candles)
}

func TestBinance_RequestThrottleHonorsCancelledContext(t *testing.T) {
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){
		func() ([]*binance.Kline, error) { return hourlyKlines(seriesStart, 1), nil },
	}}
	b := NewBinance(BinanceConfig{
		Client:            stub,
		Gate:              GateConfig{EveryN: 1000},
		RequestsPerSecond: 1,
		Burst:             1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Candles(ctx, FetchRequest{
		Symbol:   "btcusdt",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(time.Hour),
	})
	require.Error(t, err)
	assert.Empty(t, stub.symbols, "the throttle wait must abort before the request is issued")
}

func TestBinance_MalformedKlineValue(t *testing.T) {
	stub := &stubKlines{replies: []func() ([]*binance.Kline, error){
		func() ([]*binance.Kline, error) {
			return []*binance.Kline{{OpenTime: models.TimeToMS(seriesStart), Open: "not-a-number", High: "1", Low: "1", Close: "1", Volume: "1"}}, nil
		},
	}}
	b := newTestBinance(stub)

	_, err := b.Candles(context.Background(), FetchRequest{
		Symbol:   "btcusdt",
		Interval: "1h",
		Start:    seriesStart,
		End:      seriesStart.Add(time.Hour),
	})
	assert.Error(t, err)
}
