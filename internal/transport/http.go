// Package transport 是请求管道与远端 HTTP API 之间的边界。
// 它只负责一次网络往返，不解析业务负载。
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"schwab-gateway/internal/apierr"
)

const (
	// maxRedirects 与 net/http 默认值一致。
	maxRedirects = 10

	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = 8 << 20
)

// Request 是一次传输尝试的输入。
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response 是一次传输尝试拿到的原始响应。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport 执行一次网络往返。网络层失败返回 *apierr.TransportError。
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// HTTP 是基于 net/http 的 Transport。
type HTTP struct {
	client           *http.Client
	maxResponseBytes int64
}

// NewHTTP 创建 HTTP 传输。client 为 nil 时使用只允许同主机重定向的默认客户端。
func NewHTTP(client *http.Client, maxResponseBytes int64) *HTTP {
	if client == nil {
		client = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}
	if maxResponseBytes <= 0 {
		maxResponseBytes = defaultMaxResponseBytes
	}
	return &HTTP{client: client, maxResponseBytes: maxResponseBytes}
}

// Client 返回底层 *http.Client，OAuth 交换复用同一个连接池。
func (h *HTTP) Client() *http.Client {
	return h.client
}

// Do 实现 Transport。
func (h *HTTP) Do(ctx context.Context, req Request) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 请求头一旦写出，对端就可能已经开始处理。
	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteHeaders: func() { wrote.Store(true) },
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("transport: 构造请求失败: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, &apierr.TransportError{
			Err:     err,
			Sent:    wrote.Load(),
			Timeout: isTimeout(err),
		}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseBytes+1))
	if err != nil {
		return Response{}, &apierr.TransportError{Err: fmt.Errorf("读取响应失败: %w", err), Sent: true, Timeout: isTimeout(err)}
	}
	if int64(len(payload)) > h.maxResponseBytes {
		return Response{}, &apierr.TransportError{
			Err:  fmt.Errorf("响应超过 %d 字节上限", h.maxResponseBytes),
			Sent: true,
		}
	}

	return Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sameHostRedirectPolicy 只跟随同主机重定向，避免 Bearer 令牌泄露到第三方域名。
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}
	return nil
}

// SanitizeBody 截断并清理响应体以便写入错误信息或日志，防止日志注入。
func SanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]
			continue
		}
		if r < 0x20 && r != '\t' {
			clean = append(clean, ' ')
		} else {
			clean = append(clean, body[:size]...)
		}
		body = body[size:]
	}
	return string(clean)
}
