// Package monitor 把需要人工关注的运行事件写入 SQLite，供 /events 查询。
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/auth"
	"schwab-gateway/internal/gateway"
	"schwab-gateway/internal/retry"
	"schwab-gateway/internal/store"
)

// 观察者回调没有调用方上下文，写入单独设置超时。
const recordTimeout = 2 * time.Second

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(typ EventType, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.Record(ctx, Event{Type: typ, Timestamp: time.Now().UTC(), Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// OnTransition 实现 auth.Observer，记录每次授权状态迁移。
func (s *Service) OnTransition(api string, from, to auth.State, reason string) {
	s.record(EventAuthTransition, AuthTransitionPayload{
		API:    api,
		From:   from.String(),
		To:     to.String(),
		Reason: reason,
	})
}

// OnRefresh 实现 auth.Observer，只记录失败。
func (s *Service) OnRefresh(api string, err error) {
	if err == nil {
		return
	}
	s.record(EventRefreshFailed, RefreshFailedPayload{API: api, Error: err.Error()})
}

// OnAttempt 实现 gateway.Observer。
func (s *Service) OnAttempt(string, retry.Outcome) {}

// OnRetry 实现 gateway.Observer。
func (s *Service) OnRetry(string, time.Duration) {}

// OnCallDone 实现 gateway.Observer，记录结果未知与重试耗尽的调用。
func (s *Service) OnCallDone(d gateway.Descriptor, attempts int, err error) {
	var (
		ambiguous *apierr.AmbiguousOutcomeError
		exhausted *apierr.RetryExhaustedError
	)
	switch {
	case errors.As(err, &ambiguous):
		s.logger.Warn("非幂等调用结果未知", zap.String("method", d.Method), zap.String("path", d.Path))
		s.record(EventAmbiguousOutcome, CallPayload{
			Method:     d.Method,
			Path:       d.Path,
			Attempts:   attempts,
			StatusCode: ambiguous.StatusCode,
			Error:      err.Error(),
		})
	case errors.As(err, &exhausted):
		s.record(EventRetryExhausted, CallPayload{
			Method:     d.Method,
			Path:       d.Path,
			Attempts:   attempts,
			StatusCode: exhausted.StatusCode,
			Error:      err.Error(),
		})
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
