// Package subscription 事件流观察者注册表
//
// 按 streamID 管理观察者集合：
//   - Subscribe 返回幂等的取消函数
//   - 集合为空时从注册表中删除（不影响缓存条目）
//   - Notify 把同一个 (events, complete) 交给调用时刻的全部观察者
//   - 单个观察者 panic 只记录日志，不影响其余观察者
package subscription

import (
	"sync"

	"agents-console/internal/metrics"
	"agents-console/internal/shared/model"
	"agents-console/pkg/logging"
)

// Observer 观察者回调
//
// events 为只读切片，回调中不得修改；回调应尽快返回，不得阻塞。
type Observer func(events []model.Event, complete bool)

// Registry 观察者注册表
type Registry struct {
	mu      sync.RWMutex
	streams map[string]map[uint64]Observer
	nextID  uint64
	total   int

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRegistry 创建注册表
func NewRegistry(logger *logging.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = logging.Default("subscription")
	}
	return &Registry{
		streams: make(map[string]map[uint64]Observer),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe 注册观察者，返回取消函数
func (r *Registry) Subscribe(streamID string, fn Observer) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.streams[streamID] == nil {
		r.streams[streamID] = make(map[uint64]Observer)
	}
	r.streams[streamID][id] = fn
	r.total++
	r.metrics.SetSubscribers(r.total)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(streamID, id) })
	}
}

func (r *Registry) remove(streamID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	observers, ok := r.streams[streamID]
	if !ok {
		return
	}
	if _, ok := observers[id]; !ok {
		return
	}
	delete(observers, id)
	r.total--
	if len(observers) == 0 {
		delete(r.streams, streamID)
	}
	r.metrics.SetSubscribers(r.total)
}

// Notify 通知 streamID 的全部观察者
func (r *Registry) Notify(streamID string, events []model.Event, complete bool) {
	r.mu.RLock()
	observers := make([]Observer, 0, len(r.streams[streamID]))
	for _, fn := range r.streams[streamID] {
		observers = append(observers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range observers {
		r.deliver(streamID, fn, events, complete)
	}
}

func (r *Registry) deliver(streamID string, fn Observer, events []model.Event, complete bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ObserverFault(streamID, rec)
			r.metrics.RecordObserverFault()
		}
	}()
	fn(events, complete)
}

// Count 返回 streamID 的观察者数量
func (r *Registry) Count(streamID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams[streamID])
}

// Streams 返回有观察者的流数量
func (r *Registry) Streams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
