// Package eventcache 事件流缓存
//
// 缓存按 streamID 保存事件流的最新可信视图，并对后端的不稳定读取做防护：
//
//	先写者胜：流一旦完成且有事件即转为持久化，之后任何读取都不能改写
//	不缩短：比缓存短且不含终止事件的读取被丢弃
//	不清空：空读取不能覆盖非空缓存
//
// 合并规则（按顺序，命中即止）：
//  1. 已持久化：只刷新 lastFetch
//  2. 无缓存：采纳读取结果
//  3. 读取为空且缓存非空：保留缓存
//  4. 读取比缓存短且不含终止事件：保留缓存
//  5. 其他：采纳读取结果
//
// 采纳时 complete = 读取含终止事件 || 原 complete；complete 且有事件则持久化（不可逆），
// 记录完成时间并更新 Owner 索引。无论是否采纳，合并后都通知观察者。
//
// 持久化条目进入 LRU，超过上限时从内存淘汰（归档仍在）；未持久化条目不淘汰。
package eventcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"agents-console/internal/metrics"
	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
	"agents-console/internal/subscription"
	"agents-console/pkg/logging"
)

const (
	// DefaultMaxAge 默认新鲜度窗口
	DefaultMaxAge = 5 * time.Second
	// DefaultMaxPersistentEntries 内存中持久化条目上限
	DefaultMaxPersistentEntries = 500
	// DefaultArchiveTimeout 单次归档读写超时
	DefaultArchiveTimeout = 5 * time.Second
	// DefaultFetchTimeout 共享后端读取的超时
	DefaultFetchTimeout = 30 * time.Second
)

// ErrNoOwnerRun Owner 没有已完成的流
var ErrNoOwnerRun = errors.New("no completed stream for owner")

// Config 缓存配置
type Config struct {
	MaxAge               time.Duration          // 默认新鲜度窗口
	MaxPersistentEntries int                    // 持久化条目上限，<0 表示不限
	ArchiveTimeout       time.Duration          // 归档读写超时
	FetchTimeout         time.Duration          // 共享后端读取超时
	Detector             model.TerminalDetector // 默认终止判定
	Archive              snapshot.Store         // 归档（可选）
	Clock                clock.Clock
	Logger               *logging.Logger
	Metrics              *metrics.Metrics
}

// Validate 检查配置并填充默认值
func (c *Config) Validate() error {
	if c.MaxAge < 0 {
		return fmt.Errorf("%w: negative max age", errdefs.ErrInvalidArgument)
	}
	if c.MaxAge == 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxPersistentEntries == 0 {
		c.MaxPersistentEntries = DefaultMaxPersistentEntries
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = DefaultArchiveTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Detector == nil {
		c.Detector = model.IsJobTerminal
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = logging.Default("eventcache")
	}
	return nil
}

// entry 单条事件流的缓存状态
type entry struct {
	events      []model.Event
	complete    bool
	persistent  bool
	lastFetch   time.Time
	completedAt time.Time
	ownerID     string
	lastErr     error
}

func (e *entry) status(streamID string) model.StreamStatus {
	st := model.StreamStatus{
		StreamID:    streamID,
		OwnerID:     e.ownerID,
		EventCount:  len(e.events),
		Complete:    e.complete,
		Persistent:  e.persistent,
		LastFetch:   e.lastFetch,
		CompletedAt: e.completedAt,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Cache 事件流缓存服务
//
// 由 main 创建一次并注入各组件。
type Cache struct {
	source   eventsource.Source
	registry *subscription.Registry
	cfg      Config
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	entries    map[string]*entry
	owners     map[string]model.OwnerRun
	persistent *lru.Cache[string, struct{}]

	// notifyMu 串行化"合并 + 通知"，保证观察者按合并顺序收到结果
	// 观察者回调中不得同步调用 Merge
	notifyMu sync.Mutex
	group    singleflight.Group
	archives sync.WaitGroup
}

// New 创建缓存
func New(source eventsource.Source, registry *subscription.Registry, cfg Config) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil event source", errdefs.ErrInvalidArgument)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: nil subscription registry", errdefs.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		source:   source,
		registry: registry,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		entries:  make(map[string]*entry),
		owners:   make(map[string]model.OwnerRun),
	}
	if cfg.MaxPersistentEntries > 0 {
		l, err := lru.NewWithEvict[string, struct{}](cfg.MaxPersistentEntries, c.onEvict)
		if err != nil {
			return nil, fmt.Errorf("create lru: %w", err)
		}
		c.persistent = l
	}
	return c, nil
}

// onEvict LRU 淘汰回调，调用方已持有 c.mu
func (c *Cache) onEvict(streamID string, _ struct{}) {
	if e, ok := c.entries[streamID]; ok && e.persistent {
		delete(c.entries, streamID)
		c.metrics.RecordEviction()
		c.logger.Debug("persistent stream evicted from memory", "stream_id", streamID)
	}
}

// Merge 按合并规则写入一次读取结果，通知观察者并返回生效的事件列表
//
// detect 为 nil 时使用默认终止判定；ownerID 为空表示未知。
// 返回值是副本；观察者收到的切片与缓存共享，只读。
func (c *Cache) Merge(streamID string, fetched []model.Event, detect model.TerminalDetector, ownerID string) []model.Event {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	events, complete, snap := c.merge(streamID, fetched, detect, ownerID)
	if snap != nil {
		c.archive(snap)
	}
	c.registry.Notify(streamID, events, complete)
	return model.CloneEvents(events)
}

func (c *Cache) merge(streamID string, fetched []model.Event, detect model.TerminalDetector, ownerID string) ([]model.Event, bool, *model.StreamSnapshot) {
	if detect == nil {
		detect = c.cfg.Detector
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	cur, exists := c.entries[streamID]

	if exists && cur.persistent {
		cur.lastFetch = now
		c.touch(streamID)
		c.metrics.RecordMerge(metrics.MergeFrozen)
		return cur.events, cur.complete, nil
	}

	hasTerminal := model.HasTerminal(fetched, detect)

	var commit bool
	var outcome string
	switch {
	case !exists:
		commit, outcome = true, metrics.MergeSeeded
	case len(fetched) == 0 && len(cur.events) > 0:
		outcome = metrics.MergePreservedEmpty
	case len(fetched) < len(cur.events) && !hasTerminal:
		outcome = metrics.MergePreservedShrink
	default:
		commit, outcome = true, metrics.MergeCommitted
	}

	if !exists {
		cur = &entry{}
		c.entries[streamID] = cur
	}
	if cur.ownerID == "" {
		cur.ownerID = ownerID
	}
	cur.lastFetch = now
	cur.lastErr = nil

	var snap *model.StreamSnapshot
	if commit {
		cur.events = model.CloneEvents(fetched)
		if cur.events == nil {
			cur.events = []model.Event{}
		}
		cur.complete = hasTerminal || cur.complete
		if cur.complete && len(cur.events) > 0 {
			snap = c.persist(streamID, cur, now)
		}
	} else {
		c.logger.Debug("fetch discarded by merge policy",
			"stream_id", streamID, "outcome", outcome,
			"cached", len(cur.events), "fetched", len(fetched))
	}

	c.metrics.RecordMerge(outcome)
	c.updateSizeMetrics()
	return cur.events, cur.complete, snap
}

// persist 将条目转为持久化，调用方已持有 c.mu
func (c *Cache) persist(streamID string, e *entry, now time.Time) *model.StreamSnapshot {
	e.persistent = true
	e.completedAt = now
	if e.ownerID != "" {
		c.indexOwner(e.ownerID, streamID, now, len(e.events))
	}
	if c.persistent != nil {
		c.persistent.Add(streamID, struct{}{})
	}
	c.logger.StreamLog("persisted", streamID, "events", len(e.events), "owner_id", e.ownerID)

	return &model.StreamSnapshot{
		StreamID:    streamID,
		OwnerID:     e.ownerID,
		Events:      model.CloneEvents(e.events),
		CompletedAt: now,
	}
}

// touch 更新持久化条目的 LRU 位置，调用方已持有 c.mu
func (c *Cache) touch(streamID string) {
	if c.persistent != nil {
		c.persistent.Get(streamID)
	}
}

func (c *Cache) updateSizeMetrics() {
	if c.metrics == nil {
		return
	}
	persistent := 0
	for _, e := range c.entries {
		if e.persistent {
			persistent++
		}
	}
	c.metrics.SetCacheSize(len(c.entries), persistent)
}

// Status 返回流的缓存状态
func (c *Cache) Status(streamID string) (model.StreamStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[streamID]
	if !ok {
		return model.StreamStatus{StreamID: streamID}, false
	}
	return e.status(streamID), true
}

// Snapshot 返回流当前缓存的事件副本与完成标志，不触发读取
func (c *Cache) Snapshot(streamID string) ([]model.Event, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[streamID]
	if !ok {
		return nil, false, false
	}
	return model.CloneEvents(e.events), e.complete, true
}

// Len 返回缓存条目数量
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close 等待未完成的归档写入
func (c *Cache) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.archives.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
