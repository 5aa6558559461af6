// Package auth 管理 OAuth2 授权会话：授权码交换、静默刷新与过期跟踪。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/token"
)

// Manager 持有交易 API 的授权状态机。令牌集合只由 Manager 修改，
// 同一时刻全系统最多一个刷新在途。
type Manager struct {
	cfg   Config
	oauth *oauth2.Config
	store token.Store
	opts  options
	api   string

	group singleflight.Group

	mu          sync.Mutex
	state       State
	current     *token.Set
	issuedState string
	usedCodes   map[string]struct{}
	pending     []transition
}

// NewManager 创建处于 Unauthenticated 状态的 Manager，调用 Restore 加载已持久化的会话。
func NewManager(cfg Config, oauthCfg *oauth2.Config, store token.Store, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		oauth:     oauthCfg,
		store:     store,
		opts:      o,
		api:       token.APITrading,
		state:     Unauthenticated,
		usedCodes: make(map[string]struct{}),
	}
}

// Restore 从存储加载令牌。刷新令牌已过期或记录损坏时清空存储并保持 Unauthenticated。
func (m *Manager) Restore(ctx context.Context) error {
	set, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, token.ErrCorrupt) {
			return fmt.Errorf("auth: 加载令牌失败: %w", err)
		}
		m.opts.logger.Warn("持久化令牌已损坏，需重新授权", zap.Error(err))
		set = nil
	}

	now := m.opts.clock.Now()
	usable := set != nil && set.Valid() && !set.RefreshExpired(now) &&
		(set.RefreshToken != "" || !set.Expired(now))

	if !usable {
		if set != nil || err != nil {
			if clearErr := m.store.Clear(ctx); clearErr != nil {
				return fmt.Errorf("auth: 清除失效令牌失败: %w", clearErr)
			}
		}
		return nil
	}

	m.mu.Lock()
	m.current = set
	m.moveLocked(Authenticated, "restored from store")
	m.unlock()
	return nil
}

// BeginAuthorization 生成浏览器授权地址并进入 AwaitingUserAuthorization。
// 已认证的会话需要先 Logout。
func (m *Manager) BeginAuthorization(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.unlock()

	switch m.state {
	case Authenticated, Refreshing:
		return "", fmt.Errorf("%w: %s 状态下不能开始授权", apierr.ErrInvalidTransition, m.state)
	}

	m.issuedState = uuid.NewString()
	m.moveLocked(AwaitingUserAuthorization, "authorization started")
	return m.oauth.AuthCodeURL(m.issuedState), nil
}

// CompleteAuthorization 从回调地址中提取授权码并换取令牌。
// 失败时保持 AwaitingUserAuthorization；授权码已被令牌端点拒绝时返回 Restart=true。
func (m *Manager) CompleteAuthorization(ctx context.Context, callbackURL string) error {
	m.mu.Lock()
	if m.state != AwaitingUserAuthorization {
		st := m.state
		m.unlock()
		return fmt.Errorf("%w: %s 状态下不能完成授权", apierr.ErrInvalidTransition, st)
	}
	expected := m.issuedState
	m.unlock()

	code, err := parseCallback(callbackURL, expected)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, used := m.usedCodes[code]
	m.unlock()
	if used {
		return &apierr.AuthorizationError{Reason: "authorization code already used", Restart: true}
	}

	exCtx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	tok, err := m.oauth.Exchange(m.opts.withClient(exCtx), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			m.mu.Lock()
			m.usedCodes[code] = struct{}{}
			m.unlock()
			return &apierr.AuthorizationError{Reason: "token endpoint rejected the code", Restart: true, Err: err}
		}
		return &apierr.AuthorizationError{Reason: "token endpoint unavailable", Err: endpointError(err)}
	}

	set := toSet(tok, m.opts.clock.Now(), nil, m.cfg.RefreshTokenTTL)
	if !set.Valid() {
		return &apierr.AuthorizationError{Reason: "token response has no access token"}
	}
	if err := m.store.Save(ctx, set); err != nil {
		return fmt.Errorf("auth: 保存令牌失败: %w", err)
	}

	m.mu.Lock()
	m.usedCodes[code] = struct{}{}
	if m.state != AwaitingUserAuthorization || m.issuedState != expected {
		st, owner := m.state, m.current
		m.unlock()
		// 授权期间被登出或被另一次授权取代，撤销刚写入的令牌。
		m.restoreStore(context.WithoutCancel(ctx), owner)
		return fmt.Errorf("%w: 授权期间会话状态变为 %s", apierr.ErrInvalidTransition, st)
	}
	m.current = &set
	m.issuedState = ""
	m.moveLocked(Authenticated, "authorization code exchanged")
	m.unlock()
	return nil
}

func parseCallback(raw, expectedState string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", &apierr.AuthorizationError{Reason: "malformed callback URL", Err: err}
	}
	q := u.Query()
	if denied := q.Get("error"); denied != "" {
		return "", &apierr.AuthorizationError{Reason: "authorization denied: " + denied, Restart: true}
	}
	code := q.Get("code")
	if code == "" {
		return "", &apierr.AuthorizationError{Reason: "callback URL has no authorization code"}
	}
	if q.Get("state") != expectedState {
		return "", &apierr.AuthorizationError{Reason: "callback state does not match the issued state"}
	}
	return code, nil
}

// ValidToken 返回可用的访问令牌。进入安全边际后同步等待唯一在途的刷新。
func (m *Manager) ValidToken(ctx context.Context) (token.Set, error) {
	m.mu.Lock()
	switch m.state {
	case Authenticated:
		if !m.current.NeedsRefresh(m.opts.clock.Now(), m.cfg.SafetyMargin) {
			set := *m.current
			m.unlock()
			return set, nil
		}
	case Refreshing:
	case Failed:
		m.unlock()
		return token.Set{}, apierr.ErrAuthRefreshExhausted
	default:
		m.unlock()
		return token.Set{}, apierr.ErrNotAuthenticated
	}
	m.unlock()

	return m.refresh(ctx, "")
}

// ForceRefresh 在远端拒绝 stale 令牌后调用。当前令牌已不是 stale 时直接返回当前令牌。
func (m *Manager) ForceRefresh(ctx context.Context, stale token.Set) (token.Set, error) {
	if stale.AccessToken == "" {
		return m.ValidToken(ctx)
	}
	return m.refresh(ctx, stale.AccessToken)
}

// refresh 让并发调用方共享同一次刷新。调用方取消只影响自己的等待。
func (m *Manager) refresh(ctx context.Context, stale string) (token.Set, error) {
	ch := m.group.DoChan(m.api, func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), stale)
	})

	select {
	case <-ctx.Done():
		return token.Set{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return token.Set{}, res.Err
		}
		return res.Val.(token.Set), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, stale string) (token.Set, error) {
	m.mu.Lock()
	switch m.state {
	case Authenticated, Refreshing:
	case Failed:
		m.unlock()
		return token.Set{}, apierr.ErrAuthRefreshExhausted
	default:
		m.unlock()
		return token.Set{}, apierr.ErrNotAuthenticated
	}

	cur := *m.current
	now := m.opts.clock.Now()
	fresh := !cur.NeedsRefresh(now, m.cfg.SafetyMargin)
	if stale != "" {
		fresh = cur.AccessToken != stale
	}
	if fresh {
		m.unlock()
		return cur, nil
	}

	if cur.RefreshToken == "" || cur.RefreshExpired(now) {
		m.failLocked("refresh token expired")
		m.unlock()
		m.clearStore(ctx)
		m.opts.notifyRefresh(m.api, apierr.ErrAuthRefreshExhausted)
		return token.Set{}, apierr.ErrAuthRefreshExhausted
	}

	m.moveLocked(Refreshing, "access token near expiry")
	m.unlock()

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	src := m.oauth.TokenSource(m.opts.withClient(rctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		m.opts.notifyRefresh(m.api, err)
		if unrecoverable(err) {
			m.mu.Lock()
			m.failLocked("refresh token rejected")
			m.unlock()
			m.clearStore(ctx)
			return token.Set{}, fmt.Errorf("%w: %v", apierr.ErrAuthRefreshExhausted, err)
		}

		m.mu.Lock()
		if m.state == Refreshing {
			m.moveLocked(Authenticated, "refresh failed transiently")
		}
		m.unlock()
		m.opts.logger.Warn("刷新令牌暂时失败", zap.String("api", m.api), zap.Error(err))
		return token.Set{}, endpointError(err)
	}

	next := toSet(tok, m.opts.clock.Now(), &cur, m.cfg.RefreshTokenTTL)
	if !next.Valid() {
		m.mu.Lock()
		if m.state == Refreshing {
			m.moveLocked(Authenticated, "refresh returned no access token")
		}
		m.unlock()
		return token.Set{}, endpointError(errors.New("token response has no access token"))
	}

	if err := m.store.Save(ctx, next); err != nil {
		m.opts.logger.Error("保存刷新后的令牌失败", zap.String("api", m.api), zap.Error(err))
	}

	m.mu.Lock()
	if m.state != Refreshing {
		// 刷新期间被登出，撤销刚写入的令牌。
		m.unlock()
		m.clearStore(ctx)
		return token.Set{}, apierr.ErrNotAuthenticated
	}
	m.current = &next
	m.moveLocked(Authenticated, "access token refreshed")
	m.unlock()

	m.opts.notifyRefresh(m.api, nil)
	return next, nil
}

// Logout 清除会话与存储，任意状态都回到 Unauthenticated。
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.issuedState = ""
	m.moveLocked(Unauthenticated, "logout")
	m.unlock()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("auth: 清除令牌失败: %w", err)
	}
	return nil
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status 返回会话快照。
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{API: m.api, State: m.state}
	if m.current != nil {
		st.ExpiresAt = m.current.ExpiresAt
		st.RefreshExpiresAt = m.current.RefreshExpiresAt
		st.HasRefreshToken = m.current.RefreshToken != ""
	}
	return st
}

func (m *Manager) failLocked(reason string) {
	m.current = nil
	m.moveLocked(Failed, reason)
}

// restoreStore 让存储与内存中的会话保持一致：没有会话时清空，否则写回当前令牌。
func (m *Manager) restoreStore(ctx context.Context, owner *token.Set) {
	if owner == nil {
		m.clearStore(ctx)
		return
	}
	if err := m.store.Save(ctx, *owner); err != nil {
		m.opts.logger.Error("回写令牌存储失败", zap.String("api", m.api), zap.Error(err))
	}
}

func (m *Manager) clearStore(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.opts.logger.Error("清除令牌存储失败", zap.String("api", m.api), zap.Error(err))
	}
}

// moveLocked 记录一次状态迁移，通知在 unlock 时发出。
func (m *Manager) moveLocked(to State, reason string) {
	if m.state == to {
		return
	}
	m.pending = append(m.pending, transition{from: m.state, to: to, reason: reason})
	m.state = to
}

// unlock 释放锁后按顺序发出积累的迁移通知。
func (m *Manager) unlock() {
	events := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range events {
		m.opts.logger.Info("授权状态迁移",
			zap.String("api", m.api),
			zap.Stringer("from", ev.from),
			zap.Stringer("to", ev.to),
			zap.String("reason", ev.reason),
		)
		if m.opts.observer != nil {
			m.opts.observer.OnTransition(m.api, ev.from, ev.to, ev.reason)
		}
	}
}
