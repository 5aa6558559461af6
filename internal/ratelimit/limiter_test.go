package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"schwab-gateway/internal/clock"
)

func TestLimiter_GrantsUpToMaxThenWaitsForWindow(t *testing.T) {
	start := time.Date(2026, 4, 1, 14, 30, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	l, err := New(Config{MaxRequests: 3, Window: time.Minute}, WithClock(fake))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p, err := l.Acquire(context.Background())
		require.NoError(t, err)
		p.Release()
	}
	assert.Empty(t, fake.Waits(), "first window admits without waiting")

	fake.Advance(20 * time.Second)
	_, err = l.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{40 * time.Second}, fake.Waits(), "waits exactly until the window resets")
	granted, waited := l.Stats()
	assert.Equal(t, int64(4), granted)
	assert.Equal(t, int64(1), waited)
}

func TestLimiter_ConcurrentAcquisitionsSpanWindows(t *testing.T) {
	const (
		maxRequests = 5
		window      = 150 * time.Millisecond
	)
	l, err := New(Config{MaxRequests: maxRequests, Window: window})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		times []time.Time
	)
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 2*maxRequests; i++ {
		g.Go(func() error {
			p, err := l.Acquire(ctx)
			if err != nil {
				return err
			}
			defer p.Release()
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, times, 2*maxRequests)

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// 前 max 个在第一个窗口内完成，之后的必须等到窗口滚动。
	assert.Less(t, times[maxRequests-1].Sub(start), window)
	assert.GreaterOrEqual(t, times[maxRequests].Sub(start), window-10*time.Millisecond)
}

func TestLimiter_NeverExceedsMaxWithinWindow(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l, err := New(Config{MaxRequests: 2, Window: time.Second}, WithClock(fake))
	require.NoError(t, err)

	perWindow := map[int64]int{}
	for i := 0; i < 9; i++ {
		_, err := l.Acquire(context.Background())
		require.NoError(t, err)
		perWindow[fake.Now().Unix()]++
	}
	for sec, n := range perWindow {
		assert.LessOrEqual(t, n, 2, "window %d", sec)
	}
}

func TestLimiter_ConcurrencyCapAndRelease(t *testing.T) {
	l, err := New(Config{MaxRequests: 100, Window: time.Second, MaxConcurrent: 1})
	require.NoError(t, err)

	first, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "slot is held")

	first.Release()
	first.Release() // idempotent

	second, err := l.Acquire(context.Background())
	require.NoError(t, err)
	second.Release()
}

func TestLimiter_CancelWhileWaitingForWindow(t *testing.T) {
	l, err := New(Config{MaxRequests: 1, Window: time.Hour})
	require.NoError(t, err)
	_, err = l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLimiter_FixedWindowAllowsBurstAcrossBoundary(t *testing.T) {
	start := time.Date(2026, 4, 1, 14, 30, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	l, err := New(Config{MaxRequests: 3, Window: time.Minute}, WithClock(fake))
	require.NoError(t, err)

	// 上一窗口的最后一秒用满额度，重置后立即再用满：一秒内共 6 个许可。
	fake.Advance(59 * time.Second)
	for i := 0; i < 3; i++ {
		_, err := l.Acquire(context.Background())
		require.NoError(t, err)
	}
	fake.Advance(time.Second)
	for i := 0; i < 3; i++ {
		_, err := l.Acquire(context.Background())
		require.NoError(t, err)
	}
	assert.Empty(t, fake.Waits(), "boundary burst is admitted without waiting")

	_, err = l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute}, fake.Waits(), "the new window is still capped at max")
}

func TestLimiter_CancelledConcurrencyWaitKeepsWindowQuota(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l, err := New(Config{MaxRequests: 2, Window: time.Hour, MaxConcurrent: 1}, WithClock(fake))
	require.NoError(t, err)

	first, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)

	granted, _ := l.Stats()
	assert.Equal(t, int64(1), granted, "cancelled waiter must not consume a window slot")

	first.Release()
	second, err := l.Acquire(context.Background())
	require.NoError(t, err)
	second.Release()
	assert.Empty(t, fake.Waits(), "second slot of the window is still available")
}

func TestLimiter_AdmitFailureReturnsConcurrencySlot(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l, err := New(Config{MaxRequests: 1, Window: time.Minute, MaxConcurrent: 1}, WithClock(fake))
	require.NoError(t, err)

	p, err := l.Acquire(context.Background())
	require.NoError(t, err)
	p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// 若并发名额泄漏，这里会永久阻塞。
	done := make(chan error, 1)
	go func() {
		p, err := l.Acquire(context.Background())
		p.Release()
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("concurrency slot leaked after a failed admission")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{MaxRequests: 0, Window: time.Second})
	require.Error(t, err)
	_, err = New(Config{MaxRequests: 1})
	require.Error(t, err)
}
