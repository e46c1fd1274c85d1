// Package cache orchestrates candle retrieval: it resolves a query to a
// deterministic cache file, serves fully cached ranges without touching the
// provider, and extends continuous ranges by refetching from the newest
// cached candle onward.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"candlecache/internal/models"
	"candlecache/internal/provider"
	"candlecache/internal/storage"
)

// Now is the end-bound token that selects continuous mode: the range is
// fetched up to the current wall clock and the cache file stays extendable.
const Now = "now"

const (
	// DefaultRoot is the cache directory used when none is configured.
	DefaultRoot = "cache"

	// DefaultInterval is used when a query leaves the interval empty.
	DefaultInterval = "1h"

	keyTimeLayout = "2006-01-02T15:04:05"
)

// dateLayouts are the string forms accepted for query bounds, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Query describes one candle request. Start and End accept a time.Time or a
// date string in any of the supported layouts; End additionally accepts the
// Now token, and a nil End defaults to it.
type Query struct {
	Symbol   string
	Interval string
	Start    any
	End      any
	// Output shapes the returned table (column filter and rename). The
	// persisted cache always keeps the full canonical columns.
	Output storage.OutputShape
}

// Config configures a cache service.
type Config struct {
	// Provider is the upstream candle source. When nil, ProviderName selects
	// one of the built-in providers instead.
	Provider     provider.Provider
	ProviderName string
	// Root is the cache directory. Files live under <Root>/<provider name>/.
	Root   string
	Logger *slog.Logger
}

// Service caches candle ranges fetched from a single provider.
type Service struct {
	provider provider.Provider
	dir      string
	logger   *slog.Logger
}

// NewService creates a cache service and its provider directory. Creating the
// directory is idempotent, so constructing two services over the same root is
// fine.
func NewService(cfg Config) (*Service, error) {
	p := cfg.Provider
	if p == nil {
		var err error
		p, err = provider.ByName(cfg.ProviderName)
		if err != nil {
			return nil, err
		}
	}
	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(root, p.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &Service{
		provider: p,
		dir:      dir,
		logger:   logger.With("component", "cache", "provider", p.Name()),
	}, nil
}

// resolved is a query with defaults applied and bounds parsed.
type resolved struct {
	symbol     string
	interval   string
	start      time.Time
	end        time.Time
	continuous bool
	output     storage.OutputShape
}

func (s *Service) resolve(q Query) (resolved, error) {
	r := resolved{
		symbol:   strings.TrimSpace(q.Symbol),
		interval: strings.TrimSpace(q.Interval),
		output:   q.Output,
	}
	if r.symbol == "" {
		return resolved{}, &models.ValidationError{Field: "symbol", Message: "a symbol is required"}
	}
	if r.interval == "" {
		r.interval = DefaultInterval
	}

	start, err := cleanDate("start", q.Start)
	if err != nil {
		return resolved{}, err
	}
	r.start = start

	switch end := q.End.(type) {
	case nil:
		r.continuous = true
	case string:
		if strings.EqualFold(strings.TrimSpace(end), Now) {
			r.continuous = true
			break
		}
		r.end, err = cleanDate("end", end)
		if err != nil {
			return resolved{}, err
		}
	default:
		r.end, err = cleanDate("end", q.End)
		if err != nil {
			return resolved{}, err
		}
	}
	return r, nil
}

// cleanDate normalizes one query bound to a UTC time. Anything that is not a
// time.Time or a recognized date string is a validation error.
func cleanDate(field string, v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d.UTC(), nil
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range dateLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, &models.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("unrecognized date %q", s),
		}
	case nil:
		return time.Time{}, &models.ValidationError{Field: field, Message: "a date is required"}
	default:
		return time.Time{}, &models.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("unsupported date type %T", v),
		}
	}
}

func keyTime(t time.Time) string {
	return strings.ReplaceAll(t.Format(keyTimeLayout), ":", "")
}

// cacheKey is a pure function of the resolved query values. A continuous
// query always renders its end bound as the Now token, so the same file is
// extended on every call regardless of wall clock.
func cacheKey(r resolved) string {
	end := Now
	if !r.continuous {
		end = keyTime(r.end)
	}
	return fmt.Sprintf("%s-%s-%s-%s.csv", r.symbol, r.interval, keyTime(r.start), end)
}

// CachePath returns the cache file path the query resolves to, without
// fetching or reading anything.
func (s *Service) CachePath(q Query) (string, error) {
	r, err := s.resolve(q)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, cacheKey(r)), nil
}

// Candles returns the candle table for the query, shaped per Query.Output.
//
// A fixed-end query that is already cached is served from disk with zero
// provider calls. A continuous query refetches from the newest cached
// timestamp inclusive, so the previously provisional candle is refreshed and
// the keep-last merge overwrites it. On any fetch error nothing is persisted.
func (s *Service) Candles(ctx context.Context, q Query) (*storage.Table, error) {
	r, err := s.resolve(q)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(
		"query_id", uuid.NewString(),
		"symbol", r.symbol,
		"interval", r.interval)

	cached := storage.NewCachedTable(filepath.Join(s.dir, cacheKey(r)))
	_, found, err := cached.Load()
	if err != nil {
		return nil, err
	}

	if found && !r.continuous {
		logger.Debug("cache hit", "path", cached.Path())
		return cached.Output(r.output)
	}

	req := provider.FetchRequest{
		Symbol:     r.symbol,
		Interval:   r.interval,
		Start:      r.start,
		End:        r.end,
		Continuous: r.continuous,
	}
	if found {
		if last, ok := cached.Table().MaxTime(); ok {
			req.Start = last
			logger.Debug("extending cached range", "path", cached.Path(), "from", last)
		}
	}

	candles, err := s.provider.Candles(ctx, req)
	if err != nil {
		return nil, err
	}
	logger.Info("fetched candles", "rows", len(candles), "path", cached.Path())

	if _, err := cached.Append(storage.FromCandles(candles), storage.AppendOptions{
		DedupeOn: []string{models.TimeColumn},
		Keep:     storage.KeepLast,
		Persist:  true,
	}); err != nil {
		return nil, err
	}

	return cached.Output(r.output)
}
