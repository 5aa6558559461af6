package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/clock"
	"schwab-gateway/internal/config"
	"schwab-gateway/internal/token"
)

// 远端未返回 expires_in 时访问令牌的假定寿命。
const defaultAccessTTL = 30 * time.Minute

// Config 控制令牌生命周期。
type Config struct {
	SafetyMargin    time.Duration
	RefreshTimeout  time.Duration
	RefreshTokenTTL time.Duration
}

// ConfigFrom 从配置文件段构造 Config。
func ConfigFrom(c config.AuthConfig) Config {
	return Config{
		SafetyMargin:    c.SafetyMargin,
		RefreshTimeout:  c.RefreshTimeout,
		RefreshTokenTTL: c.RefreshTokenTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 15 * time.Second
	}
	return c
}

// NewOAuthConfig 构造授权码模式的 oauth2.Config。凭据通过 Basic 头提交。
func NewOAuthConfig(cred config.CredentialConfig, api config.APIConfig, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RedirectURL:  cred.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   api.AuthURL,
			TokenURL:  api.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// NewClientCredentialsConfig 构造行情 API 使用的客户端凭据配置。
func NewClientCredentialsConfig(cred config.CredentialConfig, api config.APIConfig, scopes []string) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		TokenURL:     api.TokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}

type options struct {
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer
	client   *http.Client
}

func defaultOptions() options {
	return options{clock: clock.System(), logger: zap.NewNop()}
}

// Option 定制令牌管理器。
type Option func(*options)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger 注入日志。
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver 注入状态观察者。
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithHTTPClient 指定访问令牌端点所用的 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func (o options) withClient(ctx context.Context) context.Context {
	if o.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.client)
}

func (o options) notifyRefresh(api string, err error) {
	if o.observer != nil {
		o.observer.OnRefresh(api, err)
	}
}

// toSet 把令牌端点的响应转换为 token.Set。过期时间按注入时钟计算。
// 响应未携带新的刷新令牌时沿用旧的刷新令牌及其过期时间。
func toSet(tok *oauth2.Token, now time.Time, prev *token.Set, refreshTTL time.Duration) token.Set {
	set := token.Set{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ObtainedAt:   now,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}

	switch secs, ok := numericExtra(tok, "expires_in"); {
	case ok && secs > 0:
		set.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
	case !tok.Expiry.IsZero():
		set.ExpiresAt = tok.Expiry
	default:
		set.ExpiresAt = now.Add(defaultAccessTTL)
	}

	if prev != nil && (set.RefreshToken == "" || set.RefreshToken == prev.RefreshToken) {
		set.RefreshToken = prev.RefreshToken
		set.RefreshExpiresAt = prev.RefreshExpiresAt
		return set
	}
	if secs, ok := numericExtra(tok, "refresh_token_expires_in"); ok && secs > 0 {
		set.RefreshExpiresAt = now.Add(time.Duration(secs) * time.Second)
	} else if refreshTTL > 0 && set.RefreshToken != "" {
		set.RefreshExpiresAt = now.Add(refreshTTL)
	}
	return set
}

func numericExtra(tok *oauth2.Token, key string) (int64, bool) {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// unrecoverable 判断令牌端点的拒绝是否意味着凭据或刷新令牌已失效。
func unrecoverable(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}
	return false
}

// endpointError 把令牌端点的临时失败包装成 TransportError。
func endpointError(err error) error {
	return &apierr.TransportError{
		Err:     err,
		Sent:    true,
		Timeout: errors.Is(err, context.DeadlineExceeded),
	}
}
