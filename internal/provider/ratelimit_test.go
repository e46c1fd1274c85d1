package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(everyN int, cooldown time.Duration, slept *[]time.Duration) *CallGate {
	g := NewCallGate(GateConfig{EveryN: everyN, Cooldown: cooldown})
	g.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return g
}

func TestCallGate_CooldownBeforeEveryNthCall(t *testing.T) {
	var slept []time.Duration
	gate := newTestGate(3, time.Minute, &slept)

	executed := 0
	for i := 0; i < 7; i++ {
		require.NoError(t, gate.Do(context.Background(), func() error {
			executed++
			return nil
		}))
	}

	assert.Equal(t, 7, executed)
	assert.Equal(t, 7, gate.Calls())
	// calls 3 and 6 each pay the cooldown before their own request
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, slept)
}

func TestCallGate_Defaults(t *testing.T) {
	gate := NewCallGate(GateConfig{})
	assert.Equal(t, DefaultGateEveryN, gate.every)
	assert.Equal(t, DefaultGateCooldown, gate.cooldown)
}

func TestCallGate_PropagatesCallError(t *testing.T) {
	var slept []time.Duration
	gate := newTestGate(100, time.Minute, &slept)

	wantErr := assert.AnError
	err := gate.Do(context.Background(), func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.Empty(t, slept)
}

func TestCallGate_CancelledDuringCooldown(t *testing.T) {
	gate := NewCallGate(GateConfig{EveryN: 1, Cooldown: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gate.Do(ctx, func() error {
		t.Fatal("call must not execute when the cooldown is cancelled")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
