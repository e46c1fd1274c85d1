package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"candlecache/internal/models"
)

const (
	bitfinexName      = "bitfinex"
	bitfinexBaseURL   = "https://api-pub.bitfinex.com"
	bitfinexPageLimit = 1000

	bitfinexRequestTimeout = 30 * time.Second
)

// BitfinexConfig configures the Bitfinex provider. Zero values take the
// defaults below.
type BitfinexConfig struct {
	// BaseURL overrides the public API endpoint, mainly for tests.
	BaseURL string
	// PageLimit caps rows per request; the public API allows up to 10000.
	PageLimit int
	// Gate configures the call-counting cooldown.
	Gate GateConfig
	// RequestsPerSecond enables an optional token-bucket throttle on raw
	// requests, on top of the gate. Zero disables it.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Bitfinex fetches candles from the public Bitfinex REST API
// (/v2/candles/trade:{interval}:t{SYMBOL}/hist). Response rows arrive
// already in the canonical [mts, open, close, high, low, volume] order.
type Bitfinex struct {
	baseURL  string
	limit    int
	client   *http.Client
	gate     *CallGate
	throttle *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewBitfinex creates a Bitfinex provider.
func NewBitfinex(cfg BitfinexConfig) *Bitfinex {
	if cfg.BaseURL == "" {
		cfg.BaseURL = bitfinexBaseURL
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = bitfinexPageLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: bitfinexRequestTimeout}
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

	return &Bitfinex{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		limit:    cfg.PageLimit,
		client:   cfg.HTTPClient,
		gate:     NewCallGate(cfg.Gate),
		throttle: throttle,
		logger:   cfg.Logger.With("component", bitfinexName),
		now:      time.Now,
	}
}

// Name implements Provider.
func (b *Bitfinex) Name() string { return bitfinexName }

// Candles implements Provider. It pages through the requested window in
// ascending order and returns the accumulated candles.
func (b *Bitfinex) Candles(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	return paginate(ctx, b.gate, req, b.now, func(ctx context.Context, startMS, endMS int64) ([]models.Candle, error) {
		return b.fetchPage(ctx, symbol, req.Interval, startMS, endMS)
	})
}

func (b *Bitfinex) fetchPage(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]models.Candle, error) {
	if b.throttle != nil {
		if err := b.throttle.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u, err := url.Parse(fmt.Sprintf("%s/v2/candles/trade:%s:t%s/hist", b.baseURL, interval, symbol))
	if err != nil {
		return nil, fmt.Errorf("bitfinex url: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(b.limit))
	q.Set("sort", "1")
	if startMS > 0 {
		q.Set("start", strconv.FormatInt(startMS, 10))
	}
	if endMS > 0 {
		q.Set("end", strconv.FormatInt(endMS, 10))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("bitfinex request: %w", err)
	}

	b.logger.Debug("fetching candle page",
		"symbol", symbol,
		"interval", interval,
		"start_ms", startMS,
		"end_ms", endMS)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bitfinex request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bitfinex response: %w", err)
	}

	var payload []json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &FetchError{
				Provider: bitfinexName,
				Code:     int64(resp.StatusCode),
				Message:  strings.TrimSpace(string(body)),
				Detail:   string(body),
			}
		}
		return nil, fmt.Errorf("bitfinex response: %w", err)
	}

	// platform errors come back as a single ["error", code, message] array
	if fe := bitfinexError(payload); fe != nil {
		return nil, fe
	}
	if resp.StatusCode >= 300 {
		return nil, &FetchError{
			Provider: bitfinexName,
			Code:     int64(resp.StatusCode),
			Message:  http.StatusText(resp.StatusCode),
			Detail:   string(body),
		}
	}

	candles := make([]models.Candle, 0, len(payload))
	for _, raw := range payload {
		var row []json.Number
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("bitfinex candle row: %w", err)
		}
		if len(row) < 6 {
			return nil, fmt.Errorf("bitfinex candle row has %d fields, want 6", len(row))
		}
		c, err := bitfinexCandle(row)
		if err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("bitfinex candle at %s: %w", c.Time.UTC(), err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// bitfinexError decodes the ["error", code, message] payload shape, or
// returns nil when the payload is a normal candle list.
func bitfinexError(payload []json.RawMessage) *FetchError {
	if len(payload) == 0 {
		return nil
	}
	var marker string
	if err := json.Unmarshal(payload[0], &marker); err != nil || marker != "error" {
		return nil
	}
	fe := &FetchError{Provider: bitfinexName, Detail: payload}
	if len(payload) > 1 {
		_ = json.Unmarshal(payload[1], &fe.Code)
	}
	if len(payload) > 2 {
		_ = json.Unmarshal(payload[2], &fe.Message)
	}
	return fe
}

func bitfinexCandle(row []json.Number) (models.Candle, error) {
	ms, err := row[0].Int64()
	if err != nil {
		return models.Candle{}, fmt.Errorf("bitfinex candle time: %w", err)
	}
	values := make([]float64, 5)
	for i, n := range row[1:6] {
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return models.Candle{}, fmt.Errorf("bitfinex candle value %q: %w", n.String(), err)
		}
		values[i] = d.InexactFloat64()
	}
	return models.Candle{
		Time:   models.TimeFromMS(ms),
		Open:   values[0],
		Close:  values[1],
		High:   values[2],
		Low:    values[3],
		Volume: values[4],
	}, nil
}
