package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/containerd/errdefs"

	"agents-console/internal/subscription"
	"agents-console/pkg/logging"
)

// Watch 进行中的轮询
type Watch struct {
	StreamID string `json:"stream_id"`
	OwnerID  string `json:"owner_id,omitempty"`
	State    string `json:"state"`
}

// Manager 进行中任务的轮询器注册表
//
// 同一个流同时最多一个 Polling 实例；实例停止后由 Manager 回收。
type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cache    StreamCache
	registry *subscription.Registry
	cfg      Config
	logger   *logging.Logger

	mu      sync.Mutex
	running map[string]*Poller
	wg      sync.WaitGroup
}

// NewManager 创建管理器，ctx 取消时全部轮询器停止
func NewManager(ctx context.Context, cache StreamCache, registry *subscription.Registry, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:      ctx,
		cancel:   cancel,
		cache:    cache,
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger,
		running:  make(map[string]*Poller),
	}, nil
}

// WorkStarted 任务开始：没有 Polling 实例时启动新实例
//
// 返回 true 表示启动了新实例。
func (m *Manager) WorkStarted(streamID, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false, fmt.Errorf("%w: poller manager stopped", errdefs.ErrUnavailable)
	}
	if p, ok := m.running[streamID]; ok && p.State() != StateStopped {
		return false, nil
	}

	p, err := New(streamID, ownerID, m.cache, m.registry, m.cfg)
	if err != nil {
		return false, err
	}
	if err := p.Start(m.ctx); err != nil {
		return false, err
	}
	m.running[streamID] = p

	m.wg.Add(1)
	go m.reap(p)
	return true, nil
}

// reap 实例停止后从注册表移除
func (m *Manager) reap(p *Poller) {
	defer m.wg.Done()
	<-p.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.running[p.streamID]; ok && cur == p {
		delete(m.running, p.streamID)
	}
}

// WorkRemoved 任务移出进行中列表：停止对应实例
//
// 返回 false 表示没有进行中的实例。
func (m *Manager) WorkRemoved(streamID string) bool {
	m.mu.Lock()
	p, ok := m.running[streamID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.Stop()
	m.logger.StreamLog("poll_removed", streamID)
	return true
}

// Get 返回流的轮询器
func (m *Manager) Get(streamID string) (*Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.running[streamID]
	return p, ok
}

// Active 返回进行中的轮询，按 StreamID 排序
func (m *Manager) Active() []Watch {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Watch, 0, len(m.running))
	for id, p := range m.running {
		st := p.State()
		if st == StateStopped {
			continue
		}
		out = append(out, Watch{StreamID: id, OwnerID: p.ownerID, State: st.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// StopAll 停止全部轮询器并等待回收完成
func (m *Manager) StopAll() {
	m.cancel()

	m.mu.Lock()
	pollers := make([]*Poller, 0, len(m.running))
	for _, p := range m.running {
		pollers = append(pollers, p)
	}
	m.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
	m.wg.Wait()
}
