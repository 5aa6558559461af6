package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/auth"
)

// keepAlive 周期性调用 ValidToken，让访问令牌在空闲期间也保持在有效期内，
// 同时尽早暴露刷新令牌失效。
type keepAlive struct {
	trading    *auth.Manager
	marketData *auth.ClientCredentials
	logger     *zap.Logger
}

func newKeepAlive(trading *auth.Manager, marketData *auth.ClientCredentials, logger *zap.Logger) *keepAlive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &keepAlive{
		trading:    trading,
		marketData: marketData,
		logger:     logger,
	}
}

// Tick 执行一轮保活。未授权的交易会话被跳过，等待用户走授权流程。
func (k *keepAlive) Tick(ctx context.Context) error {
	var err error

	switch state := k.trading.State(); state {
	case auth.Authenticated:
		if _, tokErr := k.trading.ValidToken(ctx); tokErr != nil {
			if errors.Is(tokErr, apierr.ErrAuthRefreshExhausted) {
				k.logger.Error("交易会话已失效，需要重新授权", zap.Error(tokErr))
			}
			err = multierr.Append(err, fmt.Errorf("trading: %w", tokErr))
		}
	default:
		k.logger.Debug("交易会话未就绪，跳过保活", zap.Stringer("state", state))
	}

	if k.marketData != nil {
		if _, tokErr := k.marketData.ValidToken(ctx); tokErr != nil {
			err = multierr.Append(err, fmt.Errorf("market_data: %w", tokErr))
		}
	}

	return err
}
