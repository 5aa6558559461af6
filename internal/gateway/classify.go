package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/retry"
	"schwab-gateway/internal/transport"
)

// 错误响应中可能携带说明文字的字段，按优先级排列。
var messagePaths = []string{
	"message",
	"error_description",
	"errors.0.detail",
	"errors.0.title",
	"errors.0.message",
	"error",
}

// classify 把一次传输尝试的结果归类。
func classify(resp transport.Response, err error, now time.Time) retry.Outcome {
	if err != nil {
		var te *apierr.TransportError
		if errors.As(err, &te) {
			return retry.Outcome{Kind: retry.Retryable, Sent: te.Sent, Err: err, Message: te.Error()}
		}
		return retry.Outcome{Kind: retry.Fatal, Err: err, Message: err.Error()}
	}

	out := retry.Outcome{StatusCode: resp.StatusCode, Sent: true}
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		out.Kind = retry.Success
		return out
	case code == http.StatusUnauthorized:
		out.Kind = retry.AuthFailure
	case code == http.StatusTooManyRequests:
		// 429 是明确拒绝，对端没有执行请求。
		out.Kind = retry.Retryable
		out.Sent = false
		out.RetryAfter = retryAfter(resp.Header, now)
	case code == http.StatusRequestTimeout,
		code == http.StatusInternalServerError,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		out.Kind = retry.Retryable
		out.RetryAfter = retryAfter(resp.Header, now)
	default:
		out.Kind = retry.Fatal
	}
	out.Message = errorMessage(resp.Body)
	return out
}

func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !gjson.ValidBytes(body) {
		return transport.SanitizeBody(body)
	}
	for _, path := range messagePaths {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
			return transport.SanitizeBody([]byte(r.Str))
		}
	}
	return transport.SanitizeBody(body)
}

func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
