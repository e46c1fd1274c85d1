// Package provider implements the upstream candle sources. Each provider
// drives a paginated, rate-limited fetch loop against one remote market-data
// API and normalizes the responses into the canonical candle tuple.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"candlecache/internal/models"
)

// FetchRequest describes one candle fetch. A zero Start leaves the lower
// bound open (the provider returns from the earliest available candle).
// When Continuous is set, End is ignored and the upper bound is fixed to
// "now" at the start of the pagination loop.
type FetchRequest struct {
	Symbol     string
	Interval   string
	Start      time.Time
	End        time.Time
	Continuous bool
}

// Provider fetches candles from one upstream market-data source.
//
// Implementations must return candles in ascending time order, normalized to
// the canonical tuple, and surface provider error payloads as *FetchError.
// Provider-specific quirks (symbol rewriting, odd error shapes) stay inside
// the implementation and never leak into shared code.
type Provider interface {
	Name() string
	Candles(ctx context.Context, req FetchRequest) ([]models.Candle, error)
}

// FetchError is an error reported by the upstream provider itself, as opposed
// to a transport failure. It carries the provider's raw error detail so the
// caller can inspect it. Fetch errors are never retried automatically.
type FetchError struct {
	Provider string
	Code     int64
	Message  string
	Detail   any   // raw provider payload, shape depends on the provider
	Err      error // underlying SDK or transport error, may be nil
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch error %d: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ByName constructs a provider with default configuration from its name
// identifier. An unknown name is a validation error.
func ByName(name string) (Provider, error) {
	switch strings.ToLower(name) {
	case "bitfinex":
		return NewBitfinex(BitfinexConfig{}), nil
	case "binance":
		return NewBinance(BinanceConfig{}), nil
	default:
		return nil, &models.ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("there is no provider named %q", name),
		}
	}
}

// pageFunc fetches one page of up to the provider's limit candles, ascending,
// between the epoch-millisecond bounds. startMS of zero means unset.
type pageFunc func(ctx context.Context, startMS, endMS int64) ([]models.Candle, error)

// paginate runs the shared pagination loop: it fixes the end bound once,
// walks the requested window page by page through the rate gate, and
// accumulates normalized rows until the remote range is exhausted.
//
// On any page error the accumulated rows are discarded; the caller persists
// nothing unless the whole loop terminates cleanly.
func paginate(ctx context.Context, gate *CallGate, req FetchRequest, now func() time.Time, fetch pageFunc) ([]models.Candle, error) {
	candleLenMS := int64(models.IntervalMinutes(req.Interval)) * 60 * 1000

	var startMS int64
	if !req.Start.IsZero() {
		startMS = models.TimeToMS(req.Start)
	}

	var endMS int64
	if req.Continuous {
		// fix the upper bound for the whole loop even though wall-clock time
		// advances while we page
		endMS = models.TimeToMS(now().UTC())
	} else {
		// a bounded range holds only fully closed candles, so the final,
		// still-open bucket is excluded
		endMS = models.TimeToMS(req.End) - candleLenMS
	}

	var candles []models.Candle
	for {
		var page []models.Candle
		err := gate.Do(ctx, func() error {
			var err error
			page, err = fetch(ctx, startMS, endMS)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		candles = append(candles, page...)

		next := page[len(page)-1].TimeMS() + candleLenMS
		if next >= endMS {
			break
		}
		if next <= startMS {
			// zero-length interval cannot advance the window
			break
		}
		startMS = next
	}

	return candles, nil
}
