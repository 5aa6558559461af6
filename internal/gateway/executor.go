// Package gateway 编排一次逻辑 API 调用：限流许可、令牌、传输、分类与重试。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/clock"
	"schwab-gateway/internal/ratelimit"
	"schwab-gateway/internal/retry"
	"schwab-gateway/internal/token"
	"schwab-gateway/internal/transport"
)

// TokenSource 提供访问令牌。ForceRefresh 在远端拒绝 stale 后调用。
type TokenSource interface {
	ValidToken(ctx context.Context) (token.Set, error)
	ForceRefresh(ctx context.Context, stale token.Set) (token.Set, error)
}

// Limiter 发放单次传输尝试的准入许可。
type Limiter interface {
	Acquire(ctx context.Context) (*ratelimit.Permit, error)
}

// Config 控制执行器。
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	Policy         retry.Policy
	// MaxInFlight 限制 Submit 与 DoAll 同时运行的逻辑调用数，<= 0 表示不限。
	MaxInFlight int64
}

// Executor 执行逻辑调用。重试计数只存在于单次调用内部。
type Executor struct {
	cfg        Config
	base       *url.URL
	transport  transport.Transport
	limiter    Limiter
	trading    TokenSource
	marketData TokenSource
	clock      clock.Clock
	logger     *zap.Logger
	observer   Observer
	slots      *semaphore.Weighted
}

// Option 定制 Executor。
type Option func(*Executor)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLogger 注入日志。
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver 注入调用观察者。
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithMarketDataTokens 为 /marketdata/ 路径指定单独的令牌来源。
func WithMarketDataTokens(src TokenSource) Option {
	return func(e *Executor) { e.marketData = src }
}

// New 创建 Executor。
func New(cfg Config, tr transport.Transport, limiter Limiter, tokens TokenSource, opts ...Option) (*Executor, error) {
	if tr == nil || limiter == nil || tokens == nil {
		return nil, errors.New("gateway: transport、limiter 与 token source 不能为空")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway: base_url 无效: %q", cfg.BaseURL)
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 1
	}

	e := &Executor{
		cfg:       cfg,
		base:      base,
		transport: tr,
		limiter:   limiter,
		trading:   tokens,
		clock:     clock.System(),
		logger:    zap.NewNop(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.MaxInFlight > 0 {
		e.slots = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return e, nil
}

func (e *Executor) tokensFor(d Descriptor) TokenSource {
	if d.MarketData() && e.marketData != nil {
		return e.marketData
	}
	return e.trading
}

// execute 是阻塞与挂起两种调用方式共用的核心。
func (e *Executor) execute(ctx context.Context, d Descriptor) (Result, error) {
	res, attempts, err := e.run(ctx, d)
	e.observer.OnCallDone(d, attempts, err)
	return res, err
}

func (e *Executor) run(ctx context.Context, d Descriptor) (Result, int, error) {
	target := d.url(e.base)
	src := e.tokensFor(d)
	// request_id 串联同一逻辑调用的所有尝试日志，便于核对结果未知的请求。
	logger := e.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("method", d.Method),
		zap.String("path", d.Path),
	)

	var (
		budget    = 1
		attempts  = 0
		refreshed = false
	)
	for {
		attempts++
		out, resp, tok, err := e.attempt(ctx, d, target, src)
		if err != nil {
			var ae *apierr.AmbiguousOutcomeError
			if errors.As(err, &ae) {
				ae.Attempts = attempts
				logger.Warn("非幂等请求发出后被取消，结果未知", zap.Int("attempt", attempts), zap.Error(ae.Err))
			}
			return Result{}, attempts, err
		}
		e.observer.OnAttempt(d.Method, out)

		if out.Kind == retry.AuthFailure {
			if refreshed {
				return Result{}, attempts, &apierr.FatalAPIError{
					Method:     d.Method,
					Path:       d.Path,
					StatusCode: out.StatusCode,
					Message:    "authentication rejected again after token refresh",
				}
			}
			refreshed = true
			logger.Info("访问令牌被拒绝，强制刷新后重试", zap.Int("attempt", attempts))
			if _, err := src.ForceRefresh(ctx, tok); err != nil {
				return Result{}, attempts, fmt.Errorf("gateway: 强制刷新令牌失败: %w", err)
			}
			continue
		}

		dec := e.cfg.Policy.Decide(budget, out, d.Idempotent)
		switch dec.Stop {
		case retry.StopDone:
			return Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, attempts, nil
		case retry.StopFatal:
			if out.StatusCode == 0 {
				return Result{}, attempts, fmt.Errorf("gateway: %s %s: %w", d.Method, d.Path, out.Err)
			}
			return Result{}, attempts, &apierr.FatalAPIError{
				Method:     d.Method,
				Path:       d.Path,
				StatusCode: out.StatusCode,
				Message:    out.Message,
			}
		case retry.StopAmbiguous:
			logger.Warn("非幂等请求结果未知，需核对后再提交",
				zap.Int("attempt", attempts),
				zap.Int("status", out.StatusCode),
				zap.Error(out.Err),
			)
			return Result{}, attempts, &apierr.AmbiguousOutcomeError{
				Method:     d.Method,
				Path:       d.Path,
				StatusCode: out.StatusCode,
				Attempts:   attempts,
				Err:        out.Err,
			}
		case retry.StopExhausted:
			logger.Warn("重试次数耗尽",
				zap.Int("attempts", attempts),
				zap.Int("status", out.StatusCode),
				zap.Error(out.Err),
			)
			return Result{}, attempts, &apierr.RetryExhaustedError{
				Method:     d.Method,
				Path:       d.Path,
				Attempts:   attempts,
				StatusCode: out.StatusCode,
				Message:    out.Message,
				Err:        out.Err,
			}
		}

		e.observer.OnRetry(d.Method, dec.Delay)
		logger.Warn("调用失败，准备重试",
			zap.Int("attempt", attempts),
			zap.Int("status", out.StatusCode),
			zap.Duration("wait", dec.Delay),
			zap.Error(out.Err),
		)
		if err := e.clock.Wait(ctx, dec.Delay); err != nil {
			return Result{}, attempts, fmt.Errorf("gateway: %s %s 退避等待被取消: %w", d.Method, d.Path, err)
		}
		budget++
	}
}

// attempt 执行一次传输尝试。许可在返回前释放，退避期间不占用许可。
// 返回的 error 非空表示调用必须立即结束。
func (e *Executor) attempt(ctx context.Context, d Descriptor, target string, src TokenSource) (retry.Outcome, transport.Response, token.Set, error) {
	permit, err := e.limiter.Acquire(ctx)
	if err != nil {
		return retry.Outcome{}, transport.Response{}, token.Set{}, fmt.Errorf("gateway: %s %s 等待限流许可被取消: %w", d.Method, d.Path, err)
	}
	defer permit.Release()

	tok, err := src.ValidToken(ctx)
	if err != nil {
		if ctx.Err() == nil && apierr.IsRetryable(err) {
			// 令牌端点暂时不可用，请求本身未发出。
			return retry.Outcome{Kind: retry.Retryable, Sent: false, Err: err, Message: err.Error()}, transport.Response{}, token.Set{}, nil
		}
		return retry.Outcome{}, transport.Response{}, token.Set{}, err
	}

	req := transport.Request{
		Method:  d.Method,
		URL:     target,
		Header:  http.Header{},
		Body:    d.Body,
		Timeout: e.cfg.RequestTimeout,
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if len(d.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.transport.Do(ctx, req)
	if err != nil && ctx.Err() != nil {
		var te *apierr.TransportError
		if !d.Idempotent && errors.As(err, &te) && te.Sent {
			return retry.Outcome{}, transport.Response{}, tok, &apierr.AmbiguousOutcomeError{
				Method: d.Method,
				Path:   d.Path,
				Err:    err,
			}
		}
		return retry.Outcome{}, transport.Response{}, tok, fmt.Errorf("gateway: %s %s 传输被取消: %w", d.Method, d.Path, ctx.Err())
	}

	return classify(resp, err, e.clock.Now()), resp, tok, nil
}
