// Package redisstore 基于 Redis 的事件流归档
//
// Key 设计：
//
//	stream_snapshot:{streamID}  String  整条快照 JSON，SET NX 保证先写者胜
//	owner_runs:{ownerID}        ZSet    member=streamID，score=完成时间（毫秒）
//
// TTL 为 0 时不过期。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
)

// Key 前缀
const (
	KeySnapshot  = "stream_snapshot:"
	KeyOwnerRuns = "owner_runs:"
)

// Store Redis 归档
type Store struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ snapshot.Store = (*Store)(nil)

// NewFromURL 从 URL 创建并检查连通性
func NewFromURL(redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewFromClient(client, ttl), nil
}

// NewFromClient 复用已有连接
func NewFromClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// WithPrefix 为全部 Key 加命名空间前缀
func (s *Store) WithPrefix(prefix string) *Store {
	return &Store{client: s.client, ttl: s.ttl, prefix: prefix}
}

func (s *Store) snapshotKey(streamID string) string {
	return s.prefix + KeySnapshot + streamID
}

func (s *Store) ownerKey(ownerID string) string {
	return s.prefix + KeyOwnerRuns + ownerID
}

// Save 实现 snapshot.Store
func (s *Store) Save(ctx context.Context, snap *model.StreamSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.StreamID, err)
	}

	created, err := s.client.SetNX(ctx, s.snapshotKey(snap.StreamID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.StreamID, err)
	}
	if !created || snap.OwnerID == "" {
		return nil
	}

	key := s.ownerKey(snap.OwnerID)
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(snap.CompletedAt.UnixMilli()), Member: snap.StreamID})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index owner %s: %w", snap.OwnerID, err)
	}
	return nil
}

// Load 实现 snapshot.Store
func (s *Store) Load(ctx context.Context, streamID string) (*model.StreamSnapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(streamID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", streamID, err)
	}

	var snap model.StreamSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", streamID, err)
	}
	return &snap, nil
}

// LatestForOwner 实现 snapshot.Store
func (s *Store) LatestForOwner(ctx context.Context, ownerID string) (*model.OwnerRun, error) {
	latest, err := s.client.ZRevRangeWithScores(ctx, s.ownerKey(ownerID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for owner %s: %w", ownerID, err)
	}
	if len(latest) == 0 {
		return nil, snapshot.ErrNotFound
	}
	streamID, _ := latest[0].Member.(string)

	snap, err := s.Load(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return snap.OwnerRun(), nil
}

// Delete 删除快照（测试清理用）
func (s *Store) Delete(ctx context.Context, streamID, ownerID string) error {
	keys := []string{s.snapshotKey(streamID)}
	if ownerID != "" {
		keys = append(keys, s.ownerKey(ownerID))
	}
	return s.client.Del(ctx, keys...).Err()
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}
