package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"schwab-gateway/internal/clock"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      clock.NoJitter{},
	}
}

func TestDecide_TerminalKinds(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, Decision{Stop: StopDone}, p.Decide(1, Outcome{Kind: Success}, true))
	assert.Equal(t, Decision{Stop: StopFatal}, p.Decide(1, Outcome{Kind: Fatal, StatusCode: 400}, true))
	assert.Equal(t, Decision{Stop: StopAuth}, p.Decide(1, Outcome{Kind: AuthFailure, StatusCode: 401}, true))
}

func TestDecide_RetryableIdempotentUntilExhausted(t *testing.T) {
	p := testPolicy()
	out := Outcome{Kind: Retryable, StatusCode: 503, Sent: true}

	var delays []time.Duration
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		d := p.Decide(attempt, out, true)
		assert.True(t, d.Retry, "attempt %d", attempt)
		delays = append(delays, d.Delay)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)

	assert.Equal(t, Decision{Stop: StopExhausted}, p.Decide(p.MaxAttempts, out, true))
}

func TestDecide_IdempotencyGate(t *testing.T) {
	p := testPolicy()

	notSent := Outcome{Kind: Retryable, Sent: false}
	d := p.Decide(1, notSent, false)
	assert.True(t, d.Retry, "nothing reached the remote side, safe to resend")

	sent := Outcome{Kind: Retryable, StatusCode: 500, Sent: true}
	assert.Equal(t, Decision{Stop: StopAmbiguous}, p.Decide(1, sent, false))

	// 未发送的非幂等请求同样受重试预算约束。
	assert.Equal(t, Decision{Stop: StopExhausted}, p.Decide(p.MaxAttempts, notSent, false))
}

func TestDecide_RetryAfterRaisesDelayButStaysCapped(t *testing.T) {
	p := testPolicy()

	d := p.Decide(1, Outcome{Kind: Retryable, StatusCode: 429, RetryAfter: 700 * time.Millisecond}, true)
	assert.Equal(t, 700*time.Millisecond, d.Delay)

	d = p.Decide(1, Outcome{Kind: Retryable, StatusCode: 429, RetryAfter: time.Minute}, true)
	assert.Equal(t, time.Second, d.Delay)
}

func TestBackoff_StrictlyIncreasingUntilCapped(t *testing.T) {
	base := 50 * time.Millisecond
	maxDelay := 2 * time.Second
	jitter := clock.NewRandJitter(7)

	prev := time.Duration(0)
	capped := false
	for attempt := 1; attempt <= 12; attempt++ {
		d := Backoff(attempt, base, maxDelay, jitter)
		assert.LessOrEqual(t, d, maxDelay)
		if d == maxDelay {
			capped = true
			continue
		}
		assert.False(t, capped, "delay must not drop below the cap once reached")
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.True(t, capped)
}

func TestBackoff_JitterAndEdges(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 430*time.Millisecond, Backoff(3, base, time.Second, clock.FixedJitter(30*time.Millisecond)))
	assert.Equal(t, base, Backoff(0, base, time.Second, nil))
	assert.Equal(t, time.Second, Backoff(64, base, time.Second, nil))
	assert.Zero(t, Backoff(3, 0, time.Second, nil))
}
