package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"candlecache/internal/models"
)

const (
	binanceName      = "binance"
	binancePageLimit = 1000

	// binanceInvalidSymbolCode is the API error for an unknown symbol. The
	// spot API lists most pairs against USDT, so a lookup for e.g. "BTCUSD"
	// fails with this code while "BTCUSDT" exists.
	binanceInvalidSymbolCode = -1121
)

// BinanceKlinesAPI is the slice of the Binance SDK the provider needs.
// Tests substitute it with a stub.
type BinanceKlinesAPI interface {
	Klines(ctx context.Context, symbol, interval string, limit int, startMS, endMS int64) ([]*binance.Kline, error)
}

// BinanceConfig configures the Binance provider.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	// Client overrides the SDK-backed klines API, mainly for tests.
	Client BinanceKlinesAPI
	// PageLimit caps rows per request (API maximum 1000).
	PageLimit int
	// Gate configures the call-counting cooldown.
	Gate GateConfig
	// RequestsPerSecond enables an optional token-bucket throttle on raw
	// requests. Zero disables it.
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
}

// Binance fetches candles through the go-binance SDK klines service.
// Kline prices arrive as decimal strings in open/high/low/close order and
// are remapped to the canonical tuple.
type Binance struct {
	api      BinanceKlinesAPI
	limit    int
	gate     *CallGate
	throttle *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewBinance creates a Binance provider.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.Client == nil {
		cfg.Client = &sdkKlines{client: binance.NewClient(cfg.APIKey, cfg.APISecret)}
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = binancePageLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Gate.Logger = cfg.Logger

	var throttle *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		throttle = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Binance{
		api:      cfg.Client,
		limit:    cfg.PageLimit,
		gate:     NewCallGate(cfg.Gate),
		throttle: throttle,
		logger:   cfg.Logger.With("component", binanceName),
		now:      time.Now,
	}
}

// Name implements Provider.
func (b *Binance) Name() string { return binanceName }

// Candles implements Provider. Symbols are upper-cased before the first
// call; if the API rejects the symbol with code -1121 the fetch retries
// exactly once with a "T" suffix ("btcusd" -> "BTCUSDT"). That fallback is
// a Binance listing quirk, not a general retry policy.
func (b *Binance) Candles(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	retried := false

	return paginate(ctx, b.gate, req, b.now, func(ctx context.Context, startMS, endMS int64) ([]models.Candle, error) {
		if b.throttle != nil {
			if err := b.throttle.Wait(ctx); err != nil {
				return nil, err
			}
		}

		b.logger.Debug("fetching candle page",
			"symbol", symbol,
			"interval", req.Interval,
			"start_ms", startMS,
			"end_ms", endMS)

		klines, err := b.api.Klines(ctx, symbol, req.Interval, b.limit, startMS, endMS)
		if err != nil && !retried {
			var apiErr *common.APIError
			if errors.As(err, &apiErr) && apiErr.Code == binanceInvalidSymbolCode {
				retried = true
				symbol += "T"
				b.logger.Warn("invalid symbol, retrying with USDT-style suffix",
					"symbol", symbol)
				klines, err = b.api.Klines(ctx, symbol, req.Interval, b.limit, startMS, endMS)
			}
		}
		if err != nil {
			var apiErr *common.APIError
			if errors.As(err, &apiErr) {
				return nil, &FetchError{
					Provider: binanceName,
					Code:     apiErr.Code,
					Message:  apiErr.Message,
					Detail:   apiErr,
					Err:      err,
				}
			}
			return nil, fmt.Errorf("binance klines: %w", err)
		}

		candles := make([]models.Candle, 0, len(klines))
		for _, k := range klines {
			c, err := binanceCandle(k)
			if err != nil {
				return nil, err
			}
			if err := c.Validate(); err != nil {
				return nil, fmt.Errorf("binance candle at %s: %w", c.Time.UTC(), err)
			}
			candles = append(candles, c)
		}
		return candles, nil
	})
}

func binanceCandle(k *binance.Kline) (models.Candle, error) {
	c := models.Candle{Time: models.TimeFromMS(k.OpenTime)}
	for _, f := range []struct {
		name string
		raw  string
		dst  *float64
	}{
		{models.OpenColumn, k.Open, &c.Open},
		{models.HighColumn, k.High, &c.High},
		{models.LowColumn, k.Low, &c.Low},
		{models.CloseColumn, k.Close, &c.Close},
		{models.VolumeColumn, k.Volume, &c.Volume},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return models.Candle{}, fmt.Errorf("binance kline %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d.InexactFloat64()
	}
	return c, nil
}

// sdkKlines adapts the go-binance client to BinanceKlinesAPI.
type sdkKlines struct {
	client *binance.Client
}

func (s *sdkKlines) Klines(ctx context.Context, symbol, interval string, limit int, startMS, endMS int64) ([]*binance.Kline, error) {
	svc := s.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit)
	if startMS > 0 {
		svc = svc.StartTime(startMS)
	}
	if endMS > 0 {
		svc = svc.EndTime(endMS)
	}
	return svc.Do(ctx)
}
