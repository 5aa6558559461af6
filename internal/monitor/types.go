package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventAuthTransition   EventType = "auth_transition"
	EventRefreshFailed    EventType = "refresh_failed"
	EventAmbiguousOutcome EventType = "ambiguous_outcome"
	EventRetryExhausted   EventType = "retry_exhausted"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// AuthTransitionPayload 记录一次授权状态迁移。
type AuthTransitionPayload struct {
	API    string `json:"api"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// RefreshFailedPayload 记录令牌刷新失败。
type RefreshFailedPayload struct {
	API   string `json:"api"`
	Error string `json:"error"`
}

// CallPayload 记录需要人工关注的调用结果。
type CallPayload struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error"`
}
