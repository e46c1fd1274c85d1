package provider

import (
	"context"
	"log/slog"
	"time"
)

// Rate gate defaults: pause for a minute after every 20th upstream call.
const (
	DefaultGateEveryN   = 20
	DefaultGateCooldown = 60 * time.Second
)

// GateConfig configures a CallGate. Zero values take the defaults; the gate
// is always constructed per fetcher instance so call counters never leak
// between providers.
type GateConfig struct {
	// EveryN inserts a cooldown before every Nth call.
	EveryN int
	// Cooldown is the pause duration.
	Cooldown time.Duration
	// Logger receives cooldown notices. Defaults to slog.Default.
	Logger *slog.Logger
}

// CallGate spaces upstream API calls by counting them and pausing before
// every Nth call executes. It is a fixed-window pause, not a token bucket:
// bursts inside the window are not smoothed, only periodically held.
type CallGate struct {
	every    int
	cooldown time.Duration
	calls    int
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCallGate returns a gate with the given configuration.
func NewCallGate(cfg GateConfig) *CallGate {
	if cfg.EveryN <= 0 {
		cfg.EveryN = DefaultGateEveryN
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultGateCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CallGate{
		every:    cfg.EveryN,
		cooldown: cfg.Cooldown,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Calls returns the number of calls executed through the gate.
func (g *CallGate) Calls() int {
	return g.calls
}

// Do counts the call and, when the post-increment counter hits a multiple of
// EveryN, pauses for the cooldown before running it. The Nth, 2Nth, ... calls
// therefore each pay the cooldown ahead of their own upstream request.
func (g *CallGate) Do(ctx context.Context, call func() error) error {
	g.calls++
	if g.calls%g.every == 0 {
		g.logger.Info("rate limit cooldown",
			"calls", g.calls,
			"cooldown", g.cooldown)
		if err := g.sleep(ctx, g.cooldown); err != nil {
			return err
		}
	}
	return call()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
