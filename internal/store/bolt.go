package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"schwab-gateway/internal/token"
)

const (
	boltFilePerm    = fs.FileMode(0o600)
	boltOpenTimeout = 5 * time.Second
)

var tokensBucket = []byte("tokens")

// BoltDB 持有 bbolt 数据库，供多个 api_type 的令牌存储共享。
type BoltDB struct {
	db *bolt.DB
}

// OpenBolt 打开（必要时创建）bbolt 令牌库。
func OpenBolt(path string) (*BoltDB, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("store: 打开 bolt 数据库失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: 初始化 bolt 数据库失败: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Close 关闭数据库。
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// TokenStore 返回指定 api_type 的令牌存储。
func (b *BoltDB) TokenStore(apiType string) *BoltTokenStore {
	return &BoltTokenStore{db: b.db, key: []byte(apiType)}
}

// BoltTokenStore 以 JSON 形式把令牌写入 tokens 桶。
// bbolt 的写事务是写时复制的，崩溃时要么看到旧值要么看到新值。
type BoltTokenStore struct {
	db  *bolt.DB
	key []byte
}

var _ token.Store = (*BoltTokenStore)(nil)

// Load 实现 token.Store。
func (s *BoltTokenStore) Load(ctx context.Context) (*token.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(tokensBucket).Get(s.key); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: 读取令牌失败: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var set token.Set
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrCorrupt, err)
	}
	if !set.Valid() {
		return nil, token.ErrCorrupt
	}
	return &set, nil
}

// Save 实现 token.Store。
func (s *BoltTokenStore) Save(ctx context.Context, set token.Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !set.Valid() {
		return fmt.Errorf("store: 拒绝保存不完整的令牌: %w", token.ErrCorrupt)
	}

	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("store: 序列化令牌失败: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put(s.key, payload)
	})
}

// Clear 实现 token.Store。
func (s *BoltTokenStore) Clear(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete(s.key)
	})
	if err != nil {
		return fmt.Errorf("store: 清除令牌失败: %w", err)
	}
	return nil
}
