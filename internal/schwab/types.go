package schwab

import (
	"encoding/json"
	"time"
)

// Schwab 订单查询接口使用的时间格式。
const enteredTimeLayout = "2006-01-02T15:04:05.000Z"

// AccountNumber 是明文账号与其哈希值的对应关系。后续接口只接受哈希值。
type AccountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

// Order 只保留核对订单状态所需的字段，完整内容在 Raw 中。
type Order struct {
	OrderID     int64           `json:"orderId"`
	Status      string          `json:"status"`
	EnteredTime string          `json:"enteredTime"`
	Quantity    float64         `json:"quantity"`
	Tag         string          `json:"tag"`
	Raw         json.RawMessage `json:"-"`
}

// OrderQuery 描述订单列表的过滤条件。
type OrderQuery struct {
	From       time.Time
	To         time.Time
	MaxResults int
	Status     string
}

// Quote 是单个标的的报价摘要。
type Quote struct {
	Symbol    string
	LastPrice float64
	BidPrice  float64
	AskPrice  float64
	Volume    int64
	QuoteTime time.Time
	Raw       json.RawMessage
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// PriceHistoryRequest 控制历史K线查询。
type PriceHistoryRequest struct {
	PeriodType    string
	Period        int
	FrequencyType string
	Frequency     int
	Start         time.Time
	End           time.Time
	ExtendedHours bool
}

// DefaultPriceHistoryRequest 返回默认参数：最近 10 天的 5 分钟K线。
func DefaultPriceHistoryRequest() PriceHistoryRequest {
	return PriceHistoryRequest{
		PeriodType:    "day",
		Period:        10,
		FrequencyType: "minute",
		Frequency:     5,
		ExtendedHours: true,
	}
}

// MarketSnapshot 聚合一组标的的报价与历史K线。
type MarketSnapshot struct {
	Quotes      map[string]Quote
	History     map[string][]Candle
	RetrievedAt time.Time
}
