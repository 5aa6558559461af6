package schwab

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MarketDataService 聚合报价与历史K线获取。
type MarketDataService struct {
	client *Client
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client *Client, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		client: client,
		logger: logger,
	}
}

// Snapshot 并发拉取一组标的的报价与历史K线。
func (s *MarketDataService) Snapshot(ctx context.Context, symbols []string, req PriceHistoryRequest) (MarketSnapshot, error) {
	if req.PeriodType == "" && req.FrequencyType == "" {
		req = DefaultPriceHistoryRequest()
	}

	var (
		quotes  map[string]Quote
		history map[string][]Candle
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := s.client.Quotes(groupCtx, symbols, []string{"quote"})
		if err != nil {
			return err
		}
		quotes = data
		return nil
	})

	group.Go(func() error {
		data, err := s.client.PriceHistories(groupCtx, symbols, req)
		if err != nil {
			return err
		}
		history = data
		return nil
	})

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}

	s.logger.Debug("行情快照已获取", zap.Strings("symbols", symbols), zap.Int("quotes", len(quotes)))

	return MarketSnapshot{
		Quotes:      quotes,
		History:     history,
		RetrievedAt: time.Now().UTC(),
	}, nil
}
