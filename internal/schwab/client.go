// Package schwab 在请求管道之上提供少量类型化的账户、订单与行情接口。
package schwab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/gateway"
)

const (
	traderPrefix     = "/trader/v1"
	marketDataPrefix = "/marketdata/v1"
)

// Caller 是调用方边界：阻塞执行与并发批量执行。
type Caller interface {
	Do(ctx context.Context, d gateway.Descriptor) (gateway.Result, error)
	DoAll(ctx context.Context, ds ...gateway.Descriptor) ([]gateway.Result, error)
}

// Client 封装常用的 Schwab 接口。
type Client struct {
	api    Caller
	logger *zap.Logger
}

// NewClient 创建 Client。
func NewClient(api Caller, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, logger: logger}
}

// AccountNumbers 返回账号与哈希值列表。
func (c *Client) AccountNumbers(ctx context.Context) ([]AccountNumber, error) {
	res, err := c.api.Do(ctx, gateway.Get(traderPrefix+"/accounts/accountNumbers", nil))
	if err != nil {
		return nil, fmt.Errorf("schwab: 获取账号失败: %w", err)
	}
	var out []AccountNumber
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Accounts 返回全部账户的原始数据，withPositions 为 true 时附带持仓。
func (c *Client) Accounts(ctx context.Context, withPositions bool) ([]json.RawMessage, error) {
	var query url.Values
	if withPositions {
		query = url.Values{"fields": {"positions"}}
	}
	res, err := c.api.Do(ctx, gateway.Get(traderPrefix+"/accounts", query))
	if err != nil {
		return nil, fmt.Errorf("schwab: 获取账户失败: %w", err)
	}
	var out []json.RawMessage
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Orders 按条件查询订单。
func (c *Client) Orders(ctx context.Context, accountHash string, q OrderQuery) ([]Order, error) {
	if q.To.IsZero() {
		q.To = time.Now()
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-24 * time.Hour)
	}
	query := url.Values{
		"fromEnteredTime": {q.From.UTC().Format(enteredTimeLayout)},
		"toEnteredTime":   {q.To.UTC().Format(enteredTimeLayout)},
	}
	if q.MaxResults > 0 {
		query.Set("maxResults", strconv.Itoa(q.MaxResults))
	}
	if q.Status != "" {
		query.Set("status", q.Status)
	}

	res, err := c.api.Do(ctx, gateway.Get(ordersPath(accountHash), query))
	if err != nil {
		return nil, fmt.Errorf("schwab: 查询订单失败: %w", err)
	}

	var raws []json.RawMessage
	if err := res.Decode(&raws); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(raws))
	for _, raw := range raws {
		order, err := decodeOrder(raw)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Order 查询单个订单。
func (c *Client) Order(ctx context.Context, accountHash string, orderID int64) (Order, error) {
	res, err := c.api.Do(ctx, gateway.Get(orderPath(accountHash, orderID), nil))
	if err != nil {
		return Order{}, fmt.Errorf("schwab: 查询订单 %d 失败: %w", orderID, err)
	}
	return decodeOrder(res.Body)
}

// PlaceOrder 提交订单并返回新订单号。
// 返回 AmbiguousOutcomeError 时订单可能已生效，需先用 FindRecentOrders 核对。
func (c *Client) PlaceOrder(ctx context.Context, accountHash string, order any) (int64, error) {
	d, err := gateway.Post(ordersPath(accountHash), order)
	if err != nil {
		return 0, err
	}
	res, err := c.api.Do(ctx, d)
	if err != nil {
		if apierr.IsAmbiguous(err) {
			c.logger.Warn("下单结果未知，提交前请核对订单", zap.String("account", accountHash))
		}
		return 0, fmt.Errorf("schwab: 下单失败: %w", err)
	}
	return orderIDFromLocation(res.Location())
}

// ReplaceOrder 替换订单。原订单被撤销并生成新订单，返回新订单号。
func (c *Client) ReplaceOrder(ctx context.Context, accountHash string, orderID int64, order any) (int64, error) {
	d, err := gateway.Put(orderPath(accountHash, orderID), order)
	if err != nil {
		return 0, err
	}
	res, err := c.api.Do(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("schwab: 改单失败: %w", err)
	}
	return orderIDFromLocation(res.Location())
}

// CancelOrder 撤销订单。
func (c *Client) CancelOrder(ctx context.Context, accountHash string, orderID int64) error {
	if _, err := c.api.Do(ctx, gateway.Delete(orderPath(accountHash, orderID))); err != nil {
		return fmt.Errorf("schwab: 撤单失败: %w", err)
	}
	return nil
}

// FindRecentOrders 返回 since 之后进入系统的订单，用于结果未知时的核对。
func (c *Client) FindRecentOrders(ctx context.Context, accountHash string, since time.Time) ([]Order, error) {
	return c.Orders(ctx, accountHash, OrderQuery{From: since, To: time.Now()})
}

// UserPreference 返回用户偏好的原始数据。
func (c *Client) UserPreference(ctx context.Context) (json.RawMessage, error) {
	res, err := c.api.Do(ctx, gateway.Get(traderPrefix+"/userPreference", nil))
	if err != nil {
		return nil, fmt.Errorf("schwab: 获取用户偏好失败: %w", err)
	}
	return json.RawMessage(res.Body), nil
}

// Quotes 查询报价，fields 为空时返回远端默认字段。
func (c *Client) Quotes(ctx context.Context, symbols []string, fields []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return nil, errors.New("schwab: symbols 不能为空")
	}
	query := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if len(fields) > 0 {
		query.Set("fields", strings.Join(fields, ","))
	}

	res, err := c.api.Do(ctx, gateway.Get(marketDataPrefix+"/quotes", query))
	if err != nil {
		return nil, fmt.Errorf("schwab: 获取报价失败: %w", err)
	}
	if !gjson.ValidBytes(res.Body) {
		return nil, errors.New("schwab: 报价响应不是有效 JSON")
	}

	quotes := make(map[string]Quote, len(symbols))
	gjson.ParseBytes(res.Body).ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		q := value.Get("quote")
		quotes[key.String()] = Quote{
			Symbol:    key.String(),
			LastPrice: q.Get("lastPrice").Float(),
			BidPrice:  q.Get("bidPrice").Float(),
			AskPrice:  q.Get("askPrice").Float(),
			Volume:    q.Get("totalVolume").Int(),
			QuoteTime: time.UnixMilli(q.Get("quoteTime").Int()).UTC(),
			Raw:       json.RawMessage(value.Raw),
		}
		return true
	})
	return quotes, nil
}

// PriceHistory 查询单个标的的历史K线。
func (c *Client) PriceHistory(ctx context.Context, symbol string, req PriceHistoryRequest) ([]Candle, error) {
	res, err := c.api.Do(ctx, priceHistoryDescriptor(symbol, req))
	if err != nil {
		return nil, fmt.Errorf("schwab: 获取 %s 历史K线失败: %w", symbol, err)
	}
	return decodeCandles(res.Body), nil
}

// PriceHistories 并发查询多个标的的历史K线。
func (c *Client) PriceHistories(ctx context.Context, symbols []string, req PriceHistoryRequest) (map[string][]Candle, error) {
	ds := make([]gateway.Descriptor, len(symbols))
	for i, symbol := range symbols {
		ds[i] = priceHistoryDescriptor(symbol, req)
	}
	results, err := c.api.DoAll(ctx, ds...)
	if err != nil {
		return nil, fmt.Errorf("schwab: 批量获取历史K线失败: %w", err)
	}

	out := make(map[string][]Candle, len(symbols))
	for i, symbol := range symbols {
		out[symbol] = decodeCandles(results[i].Body)
	}
	return out, nil
}

func priceHistoryDescriptor(symbol string, req PriceHistoryRequest) gateway.Descriptor {
	query := url.Values{"symbol": {symbol}}
	if req.PeriodType != "" {
		query.Set("periodType", req.PeriodType)
	}
	if req.Period > 0 {
		query.Set("period", strconv.Itoa(req.Period))
	}
	if req.FrequencyType != "" {
		query.Set("frequencyType", req.FrequencyType)
	}
	if req.Frequency > 0 {
		query.Set("frequency", strconv.Itoa(req.Frequency))
	}
	if !req.Start.IsZero() {
		query.Set("startDate", strconv.FormatInt(req.Start.UnixMilli(), 10))
	}
	if !req.End.IsZero() {
		query.Set("endDate", strconv.FormatInt(req.End.UnixMilli(), 10))
	}
	query.Set("needExtendedHoursData", strconv.FormatBool(req.ExtendedHours))
	return gateway.Get(marketDataPrefix+"/pricehistory", query)
}

func decodeCandles(body []byte) []Candle {
	items := gjson.GetBytes(body, "candles").Array()
	candles := make([]Candle, 0, len(items))
	for _, item := range items {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Get("datetime").Int()).UTC(),
			Open:      item.Get("open").Float(),
			High:      item.Get("high").Float(),
			Low:       item.Get("low").Float(),
			Close:     item.Get("close").Float(),
			Volume:    item.Get("volume").Float(),
		})
	}
	return candles
}

func decodeOrder(raw []byte) (Order, error) {
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return Order{}, fmt.Errorf("schwab: 解析订单失败: %w", err)
	}
	order.Raw = append(json.RawMessage(nil), raw...)
	return order, nil
}

func ordersPath(accountHash string) string {
	return traderPrefix + "/accounts/" + accountHash + "/orders"
}

func orderPath(accountHash string, orderID int64) string {
	return ordersPath(accountHash) + "/" + strconv.FormatInt(orderID, 10)
}

// orderIDFromLocation 从 Location 头的末段解析订单号。
func orderIDFromLocation(location string) (int64, error) {
	if location == "" {
		return 0, errors.New("schwab: 响应缺少 Location 头")
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}
	id, err := strconv.ParseInt(path.Base(location), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("schwab: 无法从 Location %q 解析订单号: %w", location, err)
	}
	return id, nil
}
