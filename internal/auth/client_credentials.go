package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/token"
)

// ClientCredentials 是行情 API 的令牌来源，使用客户端凭据模式，无需用户参与。
type ClientCredentials struct {
	cfg   Config
	cc    *clientcredentials.Config
	store token.Store
	opts  options
	api   string

	group singleflight.Group

	mu      sync.Mutex
	current *token.Set
}

// NewClientCredentials 创建行情令牌来源。store 可为 nil。
func NewClientCredentials(cfg Config, cc *clientcredentials.Config, store token.Store, opts ...Option) *ClientCredentials {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ClientCredentials{
		cfg:   cfg.withDefaults(),
		cc:    cc,
		store: store,
		opts:  o,
		api:   token.APIMarketData,
	}
}

// Restore 加载仍在有效期内的缓存令牌。
func (c *ClientCredentials) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	set, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, token.ErrCorrupt) {
			c.opts.logger.Warn("行情令牌缓存已损坏，将重新获取", zap.Error(err))
			return nil
		}
		return fmt.Errorf("auth: 加载行情令牌失败: %w", err)
	}
	if set == nil || !set.Valid() || set.Expired(c.opts.clock.Now()) {
		return nil
	}

	c.mu.Lock()
	c.current = set
	c.mu.Unlock()
	return nil
}

// ValidToken 返回可用的行情令牌，必要时获取新令牌。
func (c *ClientCredentials) ValidToken(ctx context.Context) (token.Set, error) {
	c.mu.Lock()
	if c.current != nil && !c.current.NeedsRefresh(c.opts.clock.Now(), c.cfg.SafetyMargin) {
		set := *c.current
		c.mu.Unlock()
		return set, nil
	}
	c.mu.Unlock()

	return c.fetch(ctx, "")
}

// ForceRefresh 在远端拒绝 stale 令牌后重新获取。
func (c *ClientCredentials) ForceRefresh(ctx context.Context, stale token.Set) (token.Set, error) {
	return c.fetch(ctx, stale.AccessToken)
}

// Status 返回行情令牌快照。
func (c *ClientCredentials) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{API: c.api, State: Unauthenticated}
	if c.current != nil {
		st.State = Authenticated
		st.ExpiresAt = c.current.ExpiresAt
	}
	return st
}

func (c *ClientCredentials) fetch(ctx context.Context, stale string) (token.Set, error) {
	ch := c.group.DoChan(c.api, func() (any, error) {
		return c.doFetch(context.WithoutCancel(ctx), stale)
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

func (c *ClientCredentials) doFetch(ctx context.Context, stale string) (token.Set, error) {
	c.mu.Lock()
	if cur := c.current; cur != nil {
		fresh := !cur.NeedsRefresh(c.opts.clock.Now(), c.cfg.SafetyMargin)
		if stale != "" {
			fresh = cur.AccessToken != stale
		}
		if fresh {
			c.mu.Unlock()
			return *cur, nil
		}
	}
	c.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	tok, err := c.cc.Token(c.opts.withClient(fctx))
	c.opts.notifyRefresh(c.api, err)
	if err != nil {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		if unrecoverable(err) {
			return token.Set{}, &apierr.AuthorizationError{Reason: "market data client credentials rejected", Err: err}
		}
		c.opts.logger.Warn("获取行情令牌暂时失败", zap.Error(err))
		return token.Set{}, endpointError(err)
	}

	next := toSet(tok, c.opts.clock.Now(), nil, 0)
	if !next.Valid() {
		return token.Set{}, endpointError(errors.New("token response has no access token"))
	}
	if c.store != nil {
		if err := c.store.Save(ctx, next); err != nil {
			c.opts.logger.Error("保存行情令牌失败", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.current = &next
	c.mu.Unlock()
	return next, nil
}
