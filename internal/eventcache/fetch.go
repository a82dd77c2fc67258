package eventcache

import (
	"context"
	"time"

	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
)

// FetchOptions 单次读取选项
type FetchOptions struct {
	ForceRefresh bool                   // 跳过新鲜度与完成短路（持久化短路除外）
	MaxAge       time.Duration          // 新鲜度窗口，0 使用默认值
	OwnerID      string                 // 首次写入时记录的 Owner
	Detector     model.TerminalDetector // 终止判定，nil 使用默认值
}

// GetEvents 读取事件流
//
// 读取顺序：
//  1. 持久化条目直接返回（强制刷新也不例外）
//  2. 非强制且已完成有事件时直接返回
//  3. 非强制且在新鲜度窗口内时返回缓存
//  4. 无内存条目时查归档，命中则作为持久化条目载入
//  5. 从后端全量读取并合并
//
// 读取失败且有缓存事件时返回缓存、错误记录在 Status().LastError；
// 无缓存事件时返回错误。并发的非强制读取共享同一次后端请求，
// 共享请求不随单个调用方取消，只受 FetchTimeout 约束；调用方取消时立即返回 ctx.Err()。
//
// 返回的切片是副本，调用方可以修改；Payload / Raw 的底层字节仍与缓存共享，不得修改。
func (c *Cache) GetEvents(ctx context.Context, streamID string, opts FetchOptions) ([]model.Event, error) {
	if events, ok := c.cached(streamID, opts); ok {
		return model.CloneEvents(events), nil
	}
	if events, ok := c.fromArchive(ctx, streamID); ok {
		return model.CloneEvents(events), nil
	}

	key := streamID
	if opts.ForceRefresh {
		key = "force:" + streamID
	}
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.fetchAndMerge(fctx, streamID, opts)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return model.CloneEvents(res.Val.([]model.Event)), nil
	}
}

// cached 按读取顺序 1-3 判断能否直接返回缓存
func (c *Cache) cached(streamID string, opts FetchOptions) ([]model.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[streamID]
	if !ok {
		return nil, false
	}
	if e.persistent {
		c.touch(streamID)
		return e.events, true
	}
	if opts.ForceRefresh {
		return nil, false
	}
	if e.complete && len(e.events) > 0 {
		return e.events, true
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = c.cfg.MaxAge
	}
	if !e.lastFetch.IsZero() && c.clock.Now().Sub(e.lastFetch) < maxAge {
		return e.events, true
	}
	return nil, false
}

func (c *Cache) fetchAndMerge(ctx context.Context, streamID string, opts FetchOptions) ([]model.Event, error) {
	start := time.Now()
	events, err := c.source.FetchFull(ctx, streamID)
	c.metrics.RecordFetch("full", time.Since(start), err)
	if err != nil {
		return c.fetchFailed(streamID, err)
	}
	return c.Merge(streamID, events, opts.Detector, opts.OwnerID), nil
}

// fetchFailed 记录读取失败，有缓存事件时返回缓存
func (c *Cache) fetchFailed(streamID string, err error) ([]model.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[streamID]
	if !ok {
		c.logger.WithStreamID(streamID).WithError(err).Debug("fetch failed with nothing cached")
		return nil, err
	}
	e.lastErr = err
	e.lastFetch = c.clock.Now()
	if len(e.events) == 0 {
		return nil, err
	}
	c.logger.WithStreamID(streamID).WithError(err).Debug("fetch failed, serving cached events",
		"cached", len(e.events))
	return e.events, nil
}

// fromArchive 无内存条目时从归档载入持久化流
func (c *Cache) fromArchive(ctx context.Context, streamID string) ([]model.Event, bool) {
	if c.cfg.Archive == nil {
		return nil, false
	}
	c.mu.Lock()
	_, exists := c.entries[streamID]
	c.mu.Unlock()
	if exists {
		return nil, false
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.ArchiveTimeout)
	defer cancel()
	snap, err := c.cfg.Archive.Load(actx, streamID)
	switch {
	case err == nil:
		c.metrics.RecordArchive("load", "hit")
	case snapshot.IsNotFound(err):
		c.metrics.RecordArchive("load", "miss")
		return nil, false
	default:
		c.metrics.RecordArchive("load", "error")
		c.logger.WithStreamID(streamID).WithError(err).Warn("archive load failed")
		return nil, false
	}
	if len(snap.Events) == 0 {
		return nil, false
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	events, complete := c.seed(snap)
	c.registry.Notify(streamID, events, complete)
	return events, true
}

// seed 以归档快照建立持久化条目；已有条目时保持原状
func (c *Cache) seed(snap *model.StreamSnapshot) ([]model.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[snap.StreamID]; ok {
		return e.events, e.complete
	}
	e := &entry{
		events:      snap.Events,
		complete:    true,
		persistent:  true,
		lastFetch:   c.clock.Now(),
		completedAt: snap.CompletedAt,
		ownerID:     snap.OwnerID,
	}
	c.entries[snap.StreamID] = e
	if e.ownerID != "" {
		c.indexOwner(e.ownerID, snap.StreamID, e.completedAt, len(e.events))
	}
	if c.persistent != nil {
		c.persistent.Add(snap.StreamID, struct{}{})
	}
	c.updateSizeMetrics()
	c.logger.StreamLog("restored", snap.StreamID, "events", len(e.events))
	return e.events, e.complete
}
