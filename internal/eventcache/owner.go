package eventcache

import (
	"context"
	"fmt"
	"time"

	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
)

// indexOwner 记录 Owner 最近完成的流，调用方已持有 c.mu
func (c *Cache) indexOwner(ownerID, streamID string, completedAt time.Time, count int) {
	cur, ok := c.owners[ownerID]
	if ok && completedAt.Before(cur.CompletedAt) {
		return
	}
	c.owners[ownerID] = model.OwnerRun{
		OwnerID:     ownerID,
		StreamID:    streamID,
		CompletedAt: completedAt,
		EventCount:  count,
	}
}

// LatestForOwner 返回 Owner 最近完成的流
//
// 先查内存索引，再查归档；都没有时返回 ErrNoOwnerRun。
func (c *Cache) LatestForOwner(ctx context.Context, ownerID string) (*model.OwnerRun, error) {
	c.mu.Lock()
	run, ok := c.owners[ownerID]
	c.mu.Unlock()
	if ok {
		return &run, nil
	}

	if c.cfg.Archive == nil {
		return nil, ErrNoOwnerRun
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.ArchiveTimeout)
	defer cancel()
	found, err := c.cfg.Archive.LatestForOwner(actx, ownerID)
	if snapshot.IsNotFound(err) {
		return nil, ErrNoOwnerRun
	}
	if err != nil {
		c.metrics.RecordArchive("owner", "error")
		return nil, fmt.Errorf("lookup owner %s: %w", ownerID, err)
	}
	c.metrics.RecordArchive("owner", "hit")
	return found, nil
}

// GetEventsForOwner 读取 Owner 最近完成的流
func (c *Cache) GetEventsForOwner(ctx context.Context, ownerID string, opts FetchOptions) (*model.OwnerRun, []model.Event, error) {
	run, err := c.LatestForOwner(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	opts.OwnerID = ownerID
	events, err := c.GetEvents(ctx, run.StreamID, opts)
	if err != nil {
		return run, nil, err
	}
	return run, events, nil
}
