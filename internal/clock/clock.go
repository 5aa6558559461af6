// Package clock 提供可注入的时间与抖动来源。
// 所有等待都通过 Clock.Wait 发生，测试中替换为 Fake 即可不真实休眠。
package clock

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Clock 是限流与退避使用的时间来源。
type Clock interface {
	Now() time.Time
	// Wait 挂起调用方 d 时长；ctx 先结束时返回 ctx.Err()。
	Wait(ctx context.Context, d time.Duration) error
}

// Jitter 返回 [0, max) 区间内的随机抖动。
type Jitter interface {
	Jitter(max time.Duration) time.Duration
}

type systemClock struct{}

// System 返回基于真实时间的 Clock。
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RandJitter 是并发安全的伪随机抖动源。
type RandJitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandJitter 以给定种子创建抖动源。
func NewRandJitter(seed uint64) *RandJitter {
	return &RandJitter{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Jitter 实现 Jitter 接口。
func (j *RandJitter) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rnd.Int64N(int64(max)))
}

// NoJitter 总是返回 0。
type NoJitter struct{}

// Jitter 实现 Jitter 接口。
func (NoJitter) Jitter(time.Duration) time.Duration {
	return 0
}

// FixedJitter 总是返回固定值（不超过 max）。
type FixedJitter time.Duration

// Jitter 实现 Jitter 接口。
func (f FixedJitter) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if d := time.Duration(f); d < max {
		return d
	}
	return max - 1
}
