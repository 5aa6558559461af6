package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了网关运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Trading    CredentialConfig `mapstructure:"trading"`
	MarketData CredentialConfig `mapstructure:"market_data"`
	API        APIConfig        `mapstructure:"api"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Retry      RetryConfig      `mapstructure:"retry"`
	TokenStore TokenStoreConfig `mapstructure:"token_store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// CredentialConfig 描述一组 OAuth 客户端凭据，进程生命周期内不可变。
type CredentialConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
}

// Enabled 判断凭据是否已配置。
func (c CredentialConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// APIConfig 描述远端 API 地址与单次传输参数。
type APIConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	AuthURL          string        `mapstructure:"auth_url"`
	TokenURL         string        `mapstructure:"token_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

// AuthConfig 控制令牌生命周期。
type AuthConfig struct {
	SafetyMargin    time.Duration `mapstructure:"safety_margin"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	Scopes          []string      `mapstructure:"scopes"`
}

// RateLimitConfig 对应远端公布的调用上限。
type RateLimitConfig struct {
	MaxRequests   int           `mapstructure:"max_requests"`
	Window        time.Duration `mapstructure:"window"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TokenStoreConfig 选择令牌持久化后端。
type TokenStoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | bolt | memory
	Path   string `mapstructure:"path"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// SchedulerConfig 控制 serve 模式的节奏。
type SchedulerConfig struct {
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Trading.ClientID == "" {
		err = multierr.Append(err, errors.New("trading.client_id 不能为空"))
	}
	if c.Trading.ClientSecret == "" {
		err = multierr.Append(err, errors.New("trading.client_secret 不能为空"))
	}
	if _, parseErr := url.ParseRequestURI(c.Trading.RedirectURI); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("trading.redirect_uri 无效: %w", parseErr))
	}
	if (c.MarketData.ClientID == "") != (c.MarketData.ClientSecret == "") {
		err = multierr.Append(err, errors.New("market_data.client_id 与 client_secret 需同时配置"))
	}
	for key, raw := range map[string]string{
		"api.base_url":  c.API.BaseURL,
		"api.auth_url":  c.API.AuthURL,
		"api.token_url": c.API.TokenURL,
	} {
		if _, parseErr := url.ParseRequestURI(raw); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s 无效: %w", key, parseErr))
		}
	}
	if c.API.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("api.request_timeout 必须大于0"))
	}
	if c.API.MaxResponseBytes <= 0 {
		err = multierr.Append(err, errors.New("api.max_response_bytes 必须大于0"))
	}
	if c.Auth.SafetyMargin < 0 {
		err = multierr.Append(err, errors.New("auth.safety_margin 不能为负"))
	}
	if c.Auth.RefreshTimeout <= 0 {
		err = multierr.Append(err, errors.New("auth.refresh_timeout 必须大于0"))
	}
	if c.Auth.RefreshTokenTTL < 0 {
		err = multierr.Append(err, errors.New("auth.refresh_token_ttl 不能为负"))
	}
	if c.RateLimit.MaxRequests <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.max_requests 必须大于0"))
	}
	if c.RateLimit.Window <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.window 必须大于0"))
	}
	if c.RateLimit.MaxConcurrent < 0 {
		err = multierr.Append(err, errors.New("rate_limit.max_concurrent 不能为负"))
	}
	if c.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("retry.max_attempts 必须大于0"))
	}
	if c.Retry.MinDelay <= 0 || c.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("retry.delay 必须为正"))
	}
	if c.Retry.MinDelay > c.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("retry.min_delay 不能大于 max_delay"))
	}
	switch strings.ToLower(c.TokenStore.Driver) {
	case "sqlite", "memory":
	case "bolt":
		if c.TokenStore.Path == "" {
			err = multierr.Append(err, errors.New("token_store.path 在 bolt 驱动下不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("token_store.driver 不支持 %q", c.TokenStore.Driver))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && c.Monitor.ListenAddr == "" {
		err = multierr.Append(err, errors.New("monitor.listen_addr 不能为空"))
	}
	if c.Scheduler.KeepAliveInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.keepalive_interval 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
