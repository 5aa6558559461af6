package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"schwab-gateway/internal/auth"
	"schwab-gateway/internal/clock"
	"schwab-gateway/internal/config"
	"schwab-gateway/internal/gateway"
	"schwab-gateway/internal/metrics"
	"schwab-gateway/internal/monitor"
	"schwab-gateway/internal/ratelimit"
	"schwab-gateway/internal/retry"
	"schwab-gateway/internal/schwab"
	"schwab-gateway/internal/store"
	"schwab-gateway/internal/token"
	"schwab-gateway/internal/transport"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	metrics    *metrics.Metrics
	monitor    *monitor.Service
	trading    *auth.Manager
	marketData *auth.ClientCredentials
	executor   *gateway.Executor
	client     *schwab.Client
	market     *schwab.MarketDataService

	bolt    *store.BoltDB
	closers []func() error
}

// Option 定制 App 的构建。
type Option func(*options)

type options struct {
	tokenStores map[string]token.Store
	clock       clock.Clock
}

// WithTokenStore 为指定 API 使用给定的令牌存储，覆盖 token_store.driver。
func WithTokenStore(api string, s token.Store) Option {
	return func(o *options) { o.tokenStores[api] = s }
}

// WithClock 注入时钟，测试使用。
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New 按配置装配令牌存储、授权、限流、执行器与监控。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if st == nil {
		return nil, errors.New("app: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := options{tokenStores: make(map[string]token.Store), clock: clock.System()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.New(),
	}

	var err error
	if a.monitor, err = monitor.NewService(st, logger); err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	tradingStore, err := a.tokenStore(o, token.APITrading)
	if err != nil {
		a.Close()
		return nil, err
	}

	tr := transport.NewHTTP(nil, cfg.API.MaxResponseBytes)
	authObs := authObservers{a.metrics, a.monitor}
	authOpts := []auth.Option{
		auth.WithClock(o.clock),
		auth.WithLogger(logger),
		auth.WithObserver(authObs),
		auth.WithHTTPClient(tr.Client()),
	}
	authCfg := auth.ConfigFrom(cfg.Auth)

	a.trading = auth.NewManager(authCfg,
		auth.NewOAuthConfig(cfg.Trading, cfg.API, cfg.Auth.Scopes),
		tradingStore, authOpts...)

	if cfg.MarketData.Enabled() {
		mdStore, err := a.tokenStore(o, token.APIMarketData)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.marketData = auth.NewClientCredentials(authCfg,
			auth.NewClientCredentialsConfig(cfg.MarketData, cfg.API, cfg.Auth.Scopes),
			mdStore, authOpts...)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxRequests:   cfg.RateLimit.MaxRequests,
		Window:        cfg.RateLimit.Window,
		MaxConcurrent: cfg.RateLimit.MaxConcurrent,
	}, ratelimit.WithClock(o.clock), ratelimit.WithLogger(logger), ratelimit.WithObserver(a.metrics))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("初始化限流器失败: %w", err)
	}

	execOpts := []gateway.Option{
		gateway.WithClock(o.clock),
		gateway.WithLogger(logger),
		gateway.WithObserver(gateway.Observers(a.metrics, a.monitor)),
	}
	if a.marketData != nil {
		execOpts = append(execOpts, gateway.WithMarketDataTokens(a.marketData))
	}

	a.executor, err = gateway.New(gateway.Config{
		BaseURL:        cfg.API.BaseURL,
		RequestTimeout: cfg.API.RequestTimeout,
		Policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.MinDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      clock.NewRandJitter(uint64(time.Now().UnixNano())),
		},
		MaxInFlight: cfg.RateLimit.MaxConcurrent,
	}, tr, limiter, a.trading, execOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("初始化执行器失败: %w", err)
	}

	a.client = schwab.NewClient(a.executor, logger)
	a.market = schwab.NewMarketDataService(a.client, logger)

	return a, nil
}

func (a *App) tokenStore(o options, api string) (token.Store, error) {
	if s, ok := o.tokenStores[api]; ok {
		return s, nil
	}

	switch strings.ToLower(a.cfg.TokenStore.Driver) {
	case "memory":
		return token.NewMemoryStore(nil), nil
	case "bolt":
		db, err := a.boltDB()
		if err != nil {
			return nil, err
		}
		return db.TokenStore(api), nil
	default:
		s, err := store.NewTokenStore(a.store, api)
		if err != nil {
			return nil, fmt.Errorf("初始化令牌存储失败: %w", err)
		}
		return s, nil
	}
}

// boltDB 在两个 API 之间共享同一个 bbolt 文件。
func (a *App) boltDB() (*store.BoltDB, error) {
	if a.bolt != nil {
		return a.bolt, nil
	}
	db, err := store.OpenBolt(a.cfg.TokenStore.Path)
	if err != nil {
		return nil, fmt.Errorf("初始化令牌存储失败: %w", err)
	}
	a.bolt = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// Restore 从持久化存储恢复会话。
func (a *App) Restore(ctx context.Context) error {
	if err := a.trading.Restore(ctx); err != nil {
		return err
	}
	if a.marketData != nil {
		if err := a.marketData.Restore(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Trading 返回交易 API 的授权管理器。
func (a *App) Trading() *auth.Manager { return a.trading }

// Client 返回类型化 API 客户端。
func (a *App) Client() *schwab.Client { return a.client }

// MarketData 返回行情快照服务。
func (a *App) MarketData() *schwab.MarketDataService { return a.market }

// Executor 返回调用方边界。
func (a *App) Executor() *gateway.Executor { return a.executor }

// Statuses 返回全部令牌来源的状态。
func (a *App) Statuses() []auth.Status {
	out := []auth.Status{a.trading.Status()}
	if a.marketData != nil {
		out = append(out, a.marketData.Status())
	}
	return out
}

// Close 释放 App 自行打开的资源，SQLite 由调用方关闭。
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// Run 定期保活令牌并在启用时提供监控接口，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("网关已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("base_url", a.cfg.API.BaseURL),
		zap.String("token_store", a.cfg.TokenStore.Driver),
		zap.Bool("market_data", a.marketData != nil),
	)

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, a.Handler(), a.cfg.Monitor.ListenAddr, a.logger); err != nil {
			return err
		}
	}

	keeper := newKeepAlive(a.trading, a.marketData, a.logger)

	interval := a.cfg.Scheduler.KeepAliveInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if err := keeper.Tick(ctx); err != nil {
		a.logger.Error("首次保活失败", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err := keeper.Tick(ctx); err != nil {
				a.logger.Error("令牌保活失败", zap.Error(err))
			}
		}
	}
}

// authObservers 把授权事件同时分发给指标与事件日志。
type authObservers []auth.Observer

func (o authObservers) OnTransition(api string, from, to auth.State, reason string) {
	for _, obs := range o {
		obs.OnTransition(api, from, to, reason)
	}
}

func (o authObservers) OnRefresh(api string, err error) {
	for _, obs := range o {
		obs.OnRefresh(api, err)
	}
}
