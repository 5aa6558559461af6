package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemWait_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := System().Wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSystemWait_NonPositive(t *testing.T) {
	require.NoError(t, System().Wait(context.Background(), 0))
	require.NoError(t, System().Wait(context.Background(), -time.Second))
}

func TestFake_WaitAdvances(t *testing.T) {
	start := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	f := NewFake(start)

	require.NoError(t, f.Wait(context.Background(), 3*time.Second))
	require.NoError(t, f.Wait(context.Background(), time.Second))

	assert.Equal(t, start.Add(4*time.Second), f.Now())
	assert.Equal(t, []time.Duration{3 * time.Second, time.Second}, f.Waits())
}

func TestRandJitter_Bounds(t *testing.T) {
	j := NewRandJitter(42)
	for i := 0; i < 1000; i++ {
		d := j.Jitter(100 * time.Millisecond)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 100*time.Millisecond)
	}
	assert.Zero(t, j.Jitter(0))
}

func TestFixedJitter_ClampsBelowMax(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, FixedJitter(5*time.Millisecond).Jitter(time.Second))
	assert.Equal(t, 10*time.Millisecond-1, FixedJitter(time.Second).Jitter(10*time.Millisecond))
}
