// Package poller 事件流轮询器
//
// 每个进行中的流对应一个轮询器实例：
//
//	Idle --Start--> Polling --完成/取消--> Stopped
//
// Polling 状态下按 InitialDelay 首次读取，之后每隔 Interval 调用一次 GetEvents，
// 读取后检查缓存状态，流已完成或已持久化即停止；读取失败时按指数退避重试，
// 只要调用方仍认为任务在运行就不会放弃。Stopped 是终态，再次开始需要新实例。
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"agents-console/internal/eventcache"
	"agents-console/internal/metrics"
	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/model"
	"agents-console/internal/subscription"
	"agents-console/pkg/logging"
)

const (
	DefaultInitialDelay    = time.Second
	DefaultInterval        = 3 * time.Second
	DefaultMaxAge          = 2 * time.Second
	DefaultErrorBackoffMin = 5 * time.Second
	DefaultErrorBackoffMax = time.Minute
)

// State 轮询器状态
type State int

const (
	StateIdle State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamCache 轮询器依赖的缓存操作
type StreamCache interface {
	GetEvents(ctx context.Context, streamID string, opts eventcache.FetchOptions) ([]model.Event, error)
	Status(streamID string) (model.StreamStatus, bool)
}

// Config 轮询配置
type Config struct {
	InitialDelay    time.Duration
	Interval        time.Duration
	MaxAge          time.Duration // 每次读取使用的新鲜度窗口
	ErrorBackoffMin time.Duration
	ErrorBackoffMax time.Duration
	Clock           clock.Clock
	Logger          *logging.Logger
	Metrics         *metrics.Metrics
}

// Validate 检查配置并填充默认值
func (c *Config) Validate() error {
	if c.InitialDelay < 0 || c.Interval < 0 || c.MaxAge < 0 {
		return fmt.Errorf("%w: negative poll timing", errdefs.ErrInvalidArgument)
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAge == 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.ErrorBackoffMin <= 0 {
		c.ErrorBackoffMin = DefaultErrorBackoffMin
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = DefaultErrorBackoffMax
	}
	if c.ErrorBackoffMax < c.ErrorBackoffMin {
		return fmt.Errorf("%w: error backoff max %s below min %s",
			errdefs.ErrInvalidArgument, c.ErrorBackoffMax, c.ErrorBackoffMin)
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = logging.Default("poller")
	}
	return nil
}

// Poller 单个流的轮询器
type Poller struct {
	streamID string
	ownerID  string
	cache    StreamCache
	registry *subscription.Registry
	cfg      Config
	backoff  func(time.Duration, int) time.Duration
	logger   *logging.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	settled  chan struct{}
	done     chan struct{}
	disposer subscription.Disposer
}

// New 创建轮询器（Idle 状态）
func New(streamID, ownerID string, cache StreamCache, registry *subscription.Registry, cfg Config) (*Poller, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: empty stream id", errdefs.ErrInvalidArgument)
	}
	if cache == nil || registry == nil {
		return nil, fmt.Errorf("%w: poller needs a cache and a registry", errdefs.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Poller{
		streamID: streamID,
		ownerID:  ownerID,
		cache:    cache,
		registry: registry,
		cfg:      cfg,
		backoff:  retry.ExpBackoff(cfg.ErrorBackoffMin, cfg.ErrorBackoffMax, 2, false),
		logger:   cfg.Logger.WithStreamID(streamID).WithOwnerID(ownerID),
		settled:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// StreamID 返回流 ID
func (p *Poller) StreamID() string { return p.streamID }

// OwnerID 返回 Owner ID
func (p *Poller) OwnerID() string { return p.ownerID }

// State 返回当前状态
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done 轮询器进入 Stopped 后关闭
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Start 开始轮询，仅 Idle 状态可调用
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return fmt.Errorf("%w: poller for %s is %s", errdefs.ErrFailedPrecondition, p.streamID, p.state)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = StatePolling

	unsubscribe := p.registry.Subscribe(p.streamID, func(_ []model.Event, complete bool) {
		if complete {
			select {
			case p.settled <- struct{}{}:
			default:
			}
		}
	})
	p.disposer.Add(cancel)
	p.disposer.Add(unsubscribe)

	p.cfg.Metrics.RecordPollerStart()
	p.logger.StreamLog("poll_started", p.streamID, "owner_id", p.ownerID)
	go p.loop(ctx)
	return nil
}

// Stop 停止轮询并等待循环退出
func (p *Poller) Stop() {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.state = StateStopped
		close(p.done)
		p.mu.Unlock()
		return
	case StatePolling:
		p.cancel()
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Poller) loop(ctx context.Context) {
	defer p.finish()

	timer := p.cfg.Clock.NewTimer(p.cfg.InitialDelay)
	p.disposer.Add(func() { timer.Stop() })

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("poller cancelled")
			return
		case <-p.settled:
			p.logger.StreamLog("poll_settled", p.streamID, "via", "notification")
			return
		case <-timer.Chan():
		}

		next, stop := p.poll(ctx, &attempts)
		if stop {
			return
		}
		timer.Reset(next)
	}
}

// poll 执行一次读取，返回下次间隔以及是否停止
func (p *Poller) poll(ctx context.Context, attempts *int) (time.Duration, bool) {
	start := time.Now()
	_, err := p.cache.GetEvents(ctx, p.streamID, eventcache.FetchOptions{
		MaxAge:  p.cfg.MaxAge,
		OwnerID: p.ownerID,
	})
	latency := time.Since(start)

	// 取消后完成的读取直接丢弃
	if ctx.Err() != nil {
		p.cfg.Metrics.RecordPoll("discarded")
		return 0, true
	}

	st, _ := p.cache.Status(p.streamID)
	if st.Settled() {
		p.cfg.Metrics.RecordPoll("settled")
		p.logger.StreamLog("poll_settled", p.streamID, "events", st.EventCount, "persistent", st.Persistent)
		return 0, true
	}

	benign := true
	if err != nil {
		benign = eventsource.IsBenign(err)
	} else if st.LastError != "" {
		err = errors.New(st.LastError)
	}
	if err != nil {
		*attempts++
		delay := p.backoff(0, *attempts)
		p.cfg.Metrics.RecordPoll("error")
		p.logger.PollLog(p.streamID, "backoff", latency, err, benign)
		return delay, false
	}

	*attempts = 0
	p.cfg.Metrics.RecordPoll("ok")
	p.logger.PollLog(p.streamID, "pending", latency, nil, true)
	return p.cfg.Interval, false
}

func (p *Poller) finish() {
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	p.disposer.Dispose()
	p.cfg.Metrics.RecordPollerStop()
	close(p.done)
}
