// Package ratelimit 为出站调用提供准入控制：固定窗口计数限速，外加可选的并发上限。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"schwab-gateway/internal/clock"
)

// Config 描述远端公布的调用上限。
type Config struct {
	MaxRequests   int
	Window        time.Duration
	MaxConcurrent int64 // <= 0 表示不限制并发
}

// Observer 接收限流等待事件，用于指标。
type Observer interface {
	ObserveLimiterWait(d time.Duration)
}

// Limiter 是并发安全的固定窗口限流器。
//
// 窗口内的计数在窗口起点对齐后整体清零，不做滑动平滑：任意一个窗口内至多发放
// MaxRequests 个许可，但横跨窗口边界、长度为 Window 的时间段内最多可能出现
// 2*MaxRequests 个许可（上一窗口末尾一批，重置后立即再一批）。远端限额若按滑动
// 窗口计算，应把 MaxRequests 配置为公布上限的一半。
type Limiter struct {
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer
	sem      *semaphore.Weighted

	mu          sync.Mutex
	windowStart time.Time
	count       int

	granted int64
	waited  int64
}

// Option 定制 Limiter。
type Option func(*Limiter)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger 注入日志。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithObserver 注入等待观察者。
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// New 创建 Limiter。
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.MaxRequests <= 0 {
		return nil, errors.New("ratelimit: max_requests 必须大于0")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("ratelimit: window 必须大于0")
	}

	l := &Limiter{
		cfg:    cfg,
		clock:  clock.System(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.MaxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	l.windowStart = l.clock.Now()

	return l, nil
}

// Permit 是一次准入许可。Release 在任何退出路径上调用都是安全的，重复调用无副作用。
type Permit struct {
	once sync.Once
	sem  *semaphore.Weighted
}

// Release 归还并发名额。纯速率限制下为空操作，窗口滚动自然回收额度。
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.sem != nil {
			p.sem.Release(1)
		}
	})
}

// Acquire 获取一个许可；窗口已满时挂起到窗口重置为止。
//
// 先取并发名额再占窗口额度：在并发名额上排队被取消的调用不会消耗窗口额度。
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if l.sem == nil {
		if err := l.admit(ctx); err != nil {
			return nil, err
		}
		return &Permit{}, nil
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("ratelimit: 等待并发名额被取消: %w", err)
	}
	if err := l.admit(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return &Permit{sem: l.sem}, nil
}

// admit 原子地检查并占用当前窗口的一个额度。
func (l *Limiter) admit(ctx context.Context) error {
	var total time.Duration

	for {
		l.mu.Lock()
		now := l.clock.Now()
		if elapsed := now.Sub(l.windowStart); elapsed >= l.cfg.Window || elapsed < 0 {
			l.windowStart = now
			l.count = 0
		}
		if l.count < l.cfg.MaxRequests {
			l.count++
			l.granted++
			if total > 0 {
				l.waited++
			}
			l.mu.Unlock()
			if total > 0 && l.observer != nil {
				l.observer.ObserveLimiterWait(total)
			}
			return nil
		}
		wait := l.windowStart.Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()

		l.logger.Debug("限流窗口已满，等待重置", zap.Duration("wait", wait))

		if err := l.clock.Wait(ctx, wait); err != nil {
			return fmt.Errorf("ratelimit: 等待窗口被取消: %w", err)
		}
		total += wait
	}
}

// Stats 返回累计发放的许可数与其中经历过等待的数量。
func (l *Limiter) Stats() (granted, waited int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.granted, l.waited
}
