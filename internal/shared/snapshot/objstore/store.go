package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
)

// 对象布局：
//
//	streams/{streamID}.json         整条快照，先写者胜（If-None-Match: *）
//	owners/{ownerID}/latest.json    Owner 最近完成的流，只在更新时覆盖
const (
	streamsPrefix = "streams/"
	ownersPrefix  = "owners/"
	contentJSON   = "application/json"
)

// Store MinIO 归档
//
// 流快照用条件写入保证先写者胜，多进程并发写同一流时只有一个成功；
// Owner 索引是读后覆盖，并发时可能短暂指向较旧的流。
type Store struct {
	client *Client
}

var _ snapshot.Store = (*Store)(nil)

// NewStore 创建 MinIO 归档并确保 bucket 存在
func NewStore(ctx context.Context, client *Client) (*Store, error) {
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

func streamKey(streamID string) string {
	return streamsPrefix + url.PathEscape(streamID) + ".json"
}

func ownerKey(ownerID string) string {
	return ownersPrefix + url.PathEscape(ownerID) + "/latest.json"
}

// Save 实现 snapshot.Store
func (s *Store) Save(ctx context.Context, snap *model.StreamSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.StreamID, err)
	}
	created, err := s.client.PutIfAbsent(ctx, streamKey(snap.StreamID), data)
	if err != nil || !created || snap.OwnerID == "" {
		return err
	}

	run := snap.OwnerRun()
	cur, err := s.LatestForOwner(ctx, snap.OwnerID)
	switch {
	case snapshot.IsNotFound(err):
	case err != nil:
		return err
	case run.CompletedAt.Before(cur.CompletedAt):
		return nil
	}
	if data, err = json.Marshal(run); err != nil {
		return fmt.Errorf("encode owner %s: %w", snap.OwnerID, err)
	}
	return s.client.Put(ctx, ownerKey(snap.OwnerID), data)
}

// Load 实现 snapshot.Store
func (s *Store) Load(ctx context.Context, streamID string) (*model.StreamSnapshot, error) {
	var snap model.StreamSnapshot
	if err := s.getJSON(ctx, streamKey(streamID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LatestForOwner 实现 snapshot.Store
func (s *Store) LatestForOwner(ctx context.Context, ownerID string) (*model.OwnerRun, error) {
	var run model.OwnerRun
	if err := s.getJSON(ctx, ownerKey(ownerID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Delete 删除快照与 Owner 索引（测试清理用）
func (s *Store) Delete(ctx context.Context, streamID, ownerID string) error {
	if err := s.client.Remove(ctx, streamKey(streamID)); err != nil {
		return err
	}
	if ownerID != "" {
		return s.client.Remove(ctx, ownerKey(ownerID))
	}
	return nil
}

// Close 实现 snapshot.Store，MinIO 客户端无需释放
func (s *Store) Close() error {
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key)
	if err != nil {
		if isNoSuchKey(err) {
			return snapshot.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
