// Package snapshot 持久化事件流归档
//
// 持久化流不可变，最终形态只需写一次。归档让持久化流在进程重启后仍可直接读取，
// 不必重新访问后端。
//
// 实现：
//   - MemoryStore：进程内（测试 / driver=memory）
//   - sqlstore：SQLite / PostgreSQL
//   - redisstore：Redis
//   - mongostore：MongoDB
//   - objstore：MinIO 对象存储
package snapshot

import (
	"context"
	"errors"

	"agents-console/internal/shared/model"
)

// ErrNotFound 归档不存在
var ErrNotFound = errors.New("snapshot not found")

// Store 归档存储接口
type Store interface {
	// Save 保存快照，同一 StreamID 先写者胜，重复保存是无操作
	Save(ctx context.Context, snap *model.StreamSnapshot) error

	// Load 读取快照，不存在时返回 ErrNotFound
	Load(ctx context.Context, streamID string) (*model.StreamSnapshot, error)

	// LatestForOwner 读取 Owner 最近完成的流，不存在时返回 ErrNotFound
	LatestForOwner(ctx context.Context, ownerID string) (*model.OwnerRun, error)

	// Close 释放资源
	Close() error
}

// IsNotFound 判断是否为归档不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
