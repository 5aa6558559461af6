// Package apierr 定义请求管道对调用方暴露的错误分类。
// 每条非成功路径最终只产出其中一种错误。
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRefreshExhausted 表示刷新令牌已失效或被撤销，需重新授权。
	ErrAuthRefreshExhausted = errors.New("auth: refresh token rejected, re-authorization required")
	// ErrNotAuthenticated 表示当前没有可用会话。
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	// ErrInvalidTransition 表示在当前授权状态下不允许该操作。
	ErrInvalidTransition = errors.New("auth: invalid state transition")
	// ErrRateLimited 匹配因持续 429 而耗尽重试的错误。
	ErrRateLimited = errors.New("api: rate limited")
)

// AuthorizationError 表示授权码交换失败。
type AuthorizationError struct {
	Reason string
	// Restart 为 true 时授权码已不可复用，必须重新走浏览器授权。
	Restart bool
	Err     error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
	}
	return "authorization failed: " + e.Reason
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// TransportError 是网络层失败。Sent 表示请求字节可能已到达对端。
type TransportError struct {
	Err     error
	Sent    bool
	Timeout bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v (sent=%t timeout=%t)", e.Err, e.Sent, e.Timeout)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FatalAPIError 是不可重试的业务拒绝（4xx）。
type FatalAPIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *FatalAPIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s rejected with %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// AmbiguousOutcomeError 表示非幂等请求可能已被对端处理，结果未知。
// 调用方必须先核对远端状态（例如查询订单）再决定是否重新提交。
type AmbiguousOutcomeError struct {
	Method     string
	Path       string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *AmbiguousOutcomeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api: %s %s outcome unknown after %d attempt(s), last status %d: verify before resubmitting",
			e.Method, e.Path, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s outcome unknown after %d attempt(s): %v: verify before resubmitting",
		e.Method, e.Path, e.Attempts, e.Err)
}

func (e *AmbiguousOutcomeError) Unwrap() error { return e.Err }

// RetryExhaustedError 表示可重试失败用完了重试预算，与 FatalAPIError 区分。
type RetryExhaustedError struct {
	Method     string
	Path       string
	Attempts   int
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryExhaustedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api: %s %s failed after %d attempt(s), last status %d: %s",
			e.Method, e.Path, e.Attempts, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: %s %s failed after %d attempt(s): %v", e.Method, e.Path, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Is 让持续 429 的耗尽错误匹配 ErrRateLimited。
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable 判断错误是否属于网络层可重试失败。
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// NeedsReauthorization 判断错误是否要求用户重新授权。
func NeedsReauthorization(err error) bool {
	return errors.Is(err, ErrAuthRefreshExhausted) || errors.Is(err, ErrNotAuthenticated)
}

// IsAmbiguous 判断错误是否为结果未知。
func IsAmbiguous(err error) bool {
	var ae *AmbiguousOutcomeError
	return errors.As(err, &ae)
}

// Category 返回错误的粗粒度分类，用于指标标签与运维日志。
func Category(err error) string {
	var (
		ambiguous *AmbiguousOutcomeError
		exhausted *RetryExhaustedError
		fatal     *FatalAPIError
		authErr   *AuthorizationError
		transport *TransportError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &ambiguous):
		return "ambiguous"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &exhausted):
		return "exhausted"
	case errors.As(err, &fatal):
		return "fatal"
	case NeedsReauthorization(err), errors.As(err, &authErr):
		return "unauthenticated"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &transport):
		return "transport"
	default:
		return "error"
	}
}
