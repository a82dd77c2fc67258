// Package activitylog 会话活动日志追踪
//
// 与按任务寻址的事件流不同，活动日志是单个会话的线性序列，按位置逐条读取：
// 每次请求位置 knownCount 的条目；条目缺失但后端报告的总数更大时，
// 回退到全量读取补齐漏掉的条目。
//
// 后端不保证条目 ID 稳定，去重按 (Actor, Status, Message) 结构相等判断：
// 与上一条相等的条目不再存储，但其位置计入 knownCount。
// 负载无法解码的条目记录警告后照常存储，其位置同样被消费。
package activitylog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"agents-console/internal/metrics"
	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/model"
	"agents-console/pkg/logging"
)

const (
	DefaultInterval        = 2 * time.Second
	DefaultErrorBackoffMin = 5 * time.Second
	DefaultErrorBackoffMax = 30 * time.Second
)

// Config 追踪配置
type Config struct {
	Interval        time.Duration
	ErrorBackoffMin time.Duration
	ErrorBackoffMax time.Duration
	Clock           clock.Clock
	Logger          *logging.Logger
	Metrics         *metrics.Metrics
}

// Validate 检查配置并填充默认值
func (c *Config) Validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("%w: negative activity interval", errdefs.ErrInvalidArgument)
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.ErrorBackoffMin <= 0 {
		c.ErrorBackoffMin = DefaultErrorBackoffMin
	}
	if c.ErrorBackoffMax < c.ErrorBackoffMin {
		c.ErrorBackoffMax = max(DefaultErrorBackoffMax, c.ErrorBackoffMin)
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = logging.Default("activitylog")
	}
	return nil
}

// Observer 新条目回调
type Observer func(entry model.ActivityEntry)

// Tracker 单个会话的活动日志追踪器
//
// knownCount 是已消费的后端位置数，包含被去重跳过的条目，
// 因此可能大于 len(Entries())；下一次逐条读取总是请求位置 knownCount。
type Tracker struct {
	source    eventsource.Source
	sessionID string
	cfg       Config
	logger    *logging.Logger

	mu         sync.Mutex
	entries    []model.ActivityEntry
	knownCount int
	finished   bool
	observers  map[uint64]Observer
	nextID     uint64
	done       chan struct{}
}

// New 创建追踪器
func New(source eventsource.Source, sessionID string, cfg Config) (*Tracker, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil event source", errdefs.ErrInvalidArgument)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", errdefs.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		source:    source,
		sessionID: sessionID,
		cfg:       cfg,
		logger:    cfg.Logger.WithSessionID(sessionID),
		observers: make(map[uint64]Observer),
		done:      make(chan struct{}),
	}, nil
}

// Subscribe 注册新条目回调，返回取消函数
func (t *Tracker) Subscribe(fn Observer) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.observers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

// Entries 返回已存储的条目副本
func (t *Tracker) Entries() []model.ActivityEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.ActivityEntry(nil), t.entries...)
}

// KnownCount 返回已消费的后端位置数
//
// 去重跳过的条目也计入，与 len(Entries()) 不同；两者之差即被合并的重复条目数。
func (t *Tracker) KnownCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.knownCount
}

// Done 会话结束（出现 status=done 的条目）后关闭
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Finished 会话是否已结束
func (t *Tracker) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// PollOnce 读取位置 knownCount 的条目，返回新存储的条目数
func (t *Tracker) PollOnce(ctx context.Context) (int, error) {
	if t.Finished() {
		return 0, nil
	}
	known := t.KnownCount()

	start := time.Now()
	inc, err := t.source.FetchNext(ctx, t.sessionID, known)
	t.cfg.Metrics.RecordFetch("next", time.Since(start), err)
	if err != nil {
		return 0, err
	}

	if inc.Present() {
		return t.append(known, []model.ActivityEntry{t.entryFrom(*inc.Event)}, false), nil
	}
	if inc.Behind(known) {
		return t.reconcile(ctx, known, inc.TotalAvailable)
	}
	return 0, nil
}

// reconcile 全量读取并追加 known 之后的条目
func (t *Tracker) reconcile(ctx context.Context, known, total int) (int, error) {
	t.logger.Info("activity next read missed entries, reconciling",
		"known", known, "total_available", total)

	start := time.Now()
	events, err := t.source.FetchFull(ctx, t.sessionID)
	t.cfg.Metrics.RecordFetch("full", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("reconcile activity %s: %w", t.sessionID, err)
	}
	if len(events) <= known {
		return 0, nil
	}

	missing := make([]model.ActivityEntry, 0, len(events)-known)
	for _, e := range events[known:] {
		missing = append(missing, t.entryFrom(e))
	}
	return t.append(known, missing, true), nil
}

// entryFrom 解析条目，解码失败只记录警告
func (t *Tracker) entryFrom(e model.Event) model.ActivityEntry {
	entry, err := model.ActivityFromEvent(e)
	if err != nil {
		t.logger.WithError(err).Warn("activity payload not decodable, keeping raw record", "kind", e.Kind)
	}
	return entry
}

// append 从位置 known 起写入条目，位置已被其他调用推进时放弃
func (t *Tracker) append(known int, batch []model.ActivityEntry, reconciled bool) int {
	t.mu.Lock()
	if t.finished || t.knownCount != known {
		t.mu.Unlock()
		return 0
	}

	var added []model.ActivityEntry
	for _, entry := range batch {
		t.knownCount++
		if n := len(t.entries); n > 0 && t.entries[n-1].Equal(entry) {
			continue
		}
		t.entries = append(t.entries, entry)
		added = append(added, entry)
		if entry.IsDone() {
			t.finished = true
			close(t.done)
			break
		}
	}
	observers := make([]Observer, 0, len(t.observers))
	for _, fn := range t.observers {
		observers = append(observers, fn)
	}
	finished := t.finished
	t.mu.Unlock()

	t.cfg.Metrics.RecordActivity(len(added), reconciled)
	for _, entry := range added {
		for _, fn := range observers {
			t.deliver(fn, entry)
		}
	}
	if finished && len(added) > 0 {
		t.logger.Info("session activity finished", "entries", len(t.Entries()))
	}
	return len(added)
}

func (t *Tracker) deliver(fn Observer, entry model.ActivityEntry) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ObserverFault(t.sessionID, r)
			t.cfg.Metrics.RecordObserverFault()
		}
	}()
	fn(entry)
}

// Run 按 Interval 轮询直至会话结束或 ctx 取消
func (t *Tracker) Run(ctx context.Context) error {
	backoff := retry.ExpBackoff(t.cfg.ErrorBackoffMin, t.cfg.ErrorBackoffMax, 2, false)
	attempts := 0

	var timer clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		start := time.Now()
		_, err := t.PollOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.Finished() {
			return nil
		}

		next := t.cfg.Interval
		if err != nil {
			attempts++
			next = backoff(0, attempts)
			t.logger.PollLog(t.sessionID, "backoff", time.Since(start), err, eventsource.IsBenign(err))
		} else {
			attempts = 0
		}
		if timer == nil {
			timer = t.cfg.Clock.NewTimer(next)
		} else {
			timer.Reset(next)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case <-timer.Chan():
		}
	}
}
