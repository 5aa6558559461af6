package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schwab-gateway/internal/token"
)

const tokensSchema = `
CREATE TABLE IF NOT EXISTS tokens (
	api_type TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_type TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	expires_at TEXT NOT NULL,
	refresh_expires_at TEXT NOT NULL DEFAULT '',
	obtained_at TEXT NOT NULL
);
`

// TokenStore 是基于 SQLite 的 token.Store，每个 api_type 一行。
type TokenStore struct {
	db      *sql.DB
	apiType string
}

var _ token.Store = (*TokenStore)(nil)

// NewTokenStore 创建指定 api_type 的令牌存储并确保表存在。
func NewTokenStore(s *Store, apiType string) (*TokenStore, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: 数据库未初始化")
	}
	if apiType == "" {
		return nil, errors.New("store: api_type 不能为空")
	}
	if _, err := s.db.Exec(tokensSchema); err != nil {
		return nil, fmt.Errorf("store: 初始化令牌表失败: %w", err)
	}
	return &TokenStore{db: s.db, apiType: apiType}, nil
}

// Load 实现 token.Store。
func (t *TokenStore) Load(ctx context.Context) (*token.Set, error) {
	row := t.db.QueryRowContext(ctx, `
SELECT access_token, refresh_token, token_type, scope, expires_at, refresh_expires_at, obtained_at
FROM tokens WHERE api_type = ?`, t.apiType)

	var (
		set                                 token.Set
		expiresAt, refreshExpiry, obtainedAt string
	)
	err := row.Scan(&set.AccessToken, &set.RefreshToken, &set.TokenType, &set.Scope,
		&expiresAt, &refreshExpiry, &obtainedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: 读取令牌失败: %w", err)
	}

	if set.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("%w: expires_at: %v", token.ErrCorrupt, err)
	}
	if set.RefreshExpiresAt, err = parseTime(refreshExpiry); err != nil {
		return nil, fmt.Errorf("%w: refresh_expires_at: %v", token.ErrCorrupt, err)
	}
	if set.ObtainedAt, err = parseTime(obtainedAt); err != nil {
		return nil, fmt.Errorf("%w: obtained_at: %v", token.ErrCorrupt, err)
	}
	if !set.Valid() {
		return nil, token.ErrCorrupt
	}

	return &set, nil
}

// Save 在单个事务内整体替换该 api_type 的令牌。
func (t *TokenStore) Save(ctx context.Context, set token.Set) error {
	if !set.Valid() {
		return fmt.Errorf("store: 拒绝保存不完整的令牌: %w", token.ErrCorrupt)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO tokens (api_type, access_token, refresh_token, token_type, scope, expires_at, refresh_expires_at, obtained_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(api_type) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	token_type = excluded.token_type,
	scope = excluded.scope,
	expires_at = excluded.expires_at,
	refresh_expires_at = excluded.refresh_expires_at,
	obtained_at = excluded.obtained_at`,
		t.apiType, set.AccessToken, set.RefreshToken, set.TokenType, set.Scope,
		formatTime(set.ExpiresAt), formatTime(set.RefreshExpiresAt), formatTime(set.ObtainedAt),
	)
	if err != nil {
		return fmt.Errorf("store: 写入令牌失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交令牌失败: %w", err)
	}
	return nil
}

// Clear 实现 token.Store。
func (t *TokenStore) Clear(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM tokens WHERE api_type = ?`, t.apiType); err != nil {
		return fmt.Errorf("store: 清除令牌失败: %w", err)
	}
	return nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
