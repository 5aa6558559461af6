// Package retry 决定一次传输失败后是否重试以及等待多久。
// Decide 与 Backoff 都是纯函数，时间与抖动来源由调用方注入。
package retry

import (
	"math"
	"time"

	"schwab-gateway/internal/clock"
)

// Kind 是单次传输尝试的结果分类。
type Kind int

const (
	Success Kind = iota
	Retryable
	Fatal
	AuthFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case AuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// Outcome 描述一次传输尝试的结果。
type Outcome struct {
	Kind       Kind
	StatusCode int
	// Sent 为 true 表示请求可能已被对端接收处理。
	Sent bool
	// RetryAfter 是服务端建议的最短等待时间（Retry-After 头）。
	RetryAfter time.Duration
	Message    string
	Err        error
}

// StopReason 说明停止重试的原因。
type StopReason int

const (
	StopNone StopReason = iota
	StopDone
	StopFatal
	StopExhausted
	StopAmbiguous
	StopAuth
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopDone:
		return "done"
	case StopFatal:
		return "fatal"
	case StopExhausted:
		return "exhausted"
	case StopAmbiguous:
		return "ambiguous"
	case StopAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Decision 是 Decide 的结论：要么 Retry 并等待 Delay，要么以 Stop 原因结束。
type Decision struct {
	Retry bool
	Delay time.Duration
	Stop  StopReason
}

// Policy 描述重试预算与退避参数。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      clock.Jitter
}

// Decide 根据已完成的尝试次数（从 1 开始）与本次结果给出决定。
func (p Policy) Decide(attempt int, outcome Outcome, idempotent bool) Decision {
	switch outcome.Kind {
	case Success:
		return Decision{Stop: StopDone}
	case Fatal:
		return Decision{Stop: StopFatal}
	case AuthFailure:
		// 认证失败由执行器拦截处理。
		return Decision{Stop: StopAuth}
	}

	if !idempotent && outcome.Sent {
		return Decision{Stop: StopAmbiguous}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Stop: StopExhausted}
	}

	delay := Backoff(attempt, p.BaseDelay, p.MaxDelay, p.Jitter)
	if outcome.RetryAfter > delay {
		delay = outcome.RetryAfter
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return Decision{Retry: true, Delay: delay}
}

// Backoff 返回第 attempt 次失败后的等待时间：base * 2^(attempt-1) 加上 [0, base) 的抖动，封顶 max。
// 抖动不超过 base，因此在封顶之前延迟严格递增。
func Backoff(attempt int, base, max time.Duration, jitter clock.Jitter) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := base << uint(shift)
	if delay < base {
		delay = math.MaxInt64
	}
	if max > 0 && delay >= max {
		return max
	}
	if delay == math.MaxInt64 {
		return delay
	}

	if jitter != nil {
		delay += jitter.Jitter(base)
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
