// Package token 定义 OAuth 令牌集合与其持久化边界。
package token

import (
	"context"
	"errors"
	"sync"
	"time"
)

// API 类型，对应持久化中的 api_type 列。
const (
	APITrading    = "trading"
	APIMarketData = "market_data"
)

// ErrCorrupt 表示持久化内容无法解析为有效令牌。
var ErrCorrupt = errors.New("token: stored token set is corrupt")

// Set 是一次授权会话的访问/刷新令牌对。刷新时整体替换，不做字段级修改。
type Set struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	TokenType        string    `json:"token_type,omitempty"`
	Scope            string    `json:"scope,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	ObtainedAt       time.Time `json:"obtained_at"`
}

// Valid 判断令牌结构是否完整。
func (s Set) Valid() bool {
	return s.AccessToken != "" && !s.ExpiresAt.IsZero()
}

// Expired 判断访问令牌是否已过期。
func (s Set) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// NeedsRefresh 在 now >= ExpiresAt - margin 时返回 true。
func (s Set) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !now.Before(s.ExpiresAt.Add(-margin))
}

// RefreshExpired 判断刷新令牌是否已过期；未知过期时间视为未过期。
func (s Set) RefreshExpired(now time.Time) bool {
	if s.RefreshExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.RefreshExpiresAt)
}

// Store 是令牌的持久化边界。写入必须原子：写到一半的记录不能被读回为有效令牌。
type Store interface {
	// Load 返回当前令牌；不存在时返回 (nil, nil)。
	Load(ctx context.Context) (*Set, error)
	Save(ctx context.Context, set Set) error
	Clear(ctx context.Context) error
}

// MemoryStore 是进程内的 Store 实现，用于测试与临时会话。
type MemoryStore struct {
	mu    sync.Mutex
	set   *Set
	saves int
}

// NewMemoryStore 创建 MemoryStore，可选地带初始令牌。
func NewMemoryStore(initial *Set) *MemoryStore {
	m := &MemoryStore{}
	if initial != nil {
		cp := *initial
		m.set = &cp
	}
	return m
}

// Load 实现 Store。
func (m *MemoryStore) Load(ctx context.Context) (*Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set == nil {
		return nil, nil
	}
	cp := *m.set
	return &cp, nil
}

// Save 实现 Store。
func (m *MemoryStore) Save(ctx context.Context, set Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = &set
	m.saves++
	return nil
}

// Clear 实现 Store。
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = nil
	return nil
}

// Saves 返回 Save 调用次数。
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
