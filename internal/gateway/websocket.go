package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agents-console/internal/activitylog"
	"agents-console/internal/eventcache"
	"agents-console/internal/shared/model"
	"agents-console/pkg/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// upgrader WebSocket 升级器配置
//
// 网关只监听本地，允许所有来源。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage 推送消息
//
//	快照：{"type": "snapshot", "data": {"events": [...], "complete": false}}
//	状态：{"type": "status", "data": {"status": "complete"}}
//	活动：{"type": "activity", "data": {...}}
//	错误：{"type": "error", "data": {"error": "..."}}
//	心跳：{"type": "pong"}
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type snapshotData struct {
	Events   []model.Event `json:"events"`
	Complete bool          `json:"complete"`
}

// wsConn 单个连接的写端
//
// gorilla/websocket 不允许并发写，所有写操作都在 writer goroutine 中完成；
// 读端收到 ping 时通过 pongs 通道交给写端。
type wsConn struct {
	conn   *websocket.Conn
	pongs  chan struct{}
	server *Server
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*wsConn, context.Context, context.CancelFunc, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed", "path", r.URL.Path)
		return nil, nil, nil, false
	}
	s.deps.Metrics.WSConnectionOpened()

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{conn: conn, pongs: make(chan struct{}, 1), server: s}
	go c.readPump(cancel)
	return c, ctx, cancel, true
}

func (c *wsConn) close() {
	c.conn.Close()
	c.server.deps.Metrics.WSConnectionClosed()
}

// readPump 读取客户端消息，连接关闭时取消上下文
func (c *wsConn) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req wsMessage
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			c.server.deps.Metrics.RecordWSMessage("in", "ping")
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (c *wsConn) send(msg wsMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	c.server.deps.Metrics.RecordWSMessage("out", msg.Type)
	return nil
}

func (c *wsConn) ping() error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// closeNormal 发送关闭帧
func (c *wsConn) closeNormal(reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

// mailbox 只保留最新快照的投递箱，观察者回调中非阻塞写入
type mailbox struct {
	mu     sync.Mutex
	latest *snapshotData
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(events []model.Event, complete bool) {
	m.mu.Lock()
	m.latest = &snapshotData{Events: events, Complete: complete}
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() *snapshotData {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.latest
	m.latest = nil
	return snap
}

// streamSocket 订阅事件流
//
// 路由: GET /ws/streams/{id}
//
// 查询参数：
//   - owner: 首次写入时记录的 Owner（可选）
//
// 连接后先推送当前快照，之后每次合并推送一次快照；流完成时追加一条 status 消息。
// 推送只保留最新快照，慢客户端会跳过中间版本。
func (s *Server) streamSocket(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	ownerID := r.URL.Query().Get("owner")

	c, ctx, cancel, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer c.close()
	defer cancel()

	logger := s.logger.WithStreamID(streamID)
	logger.StreamLog("ws_subscribed", streamID)

	box := newMailbox()
	unsubscribe := s.deps.Registry.Subscribe(streamID, box.put)
	defer unsubscribe()

	events, err := s.deps.Cache.GetEvents(ctx, streamID, eventcache.FetchOptions{OwnerID: ownerID})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.send(wsMessage{Type: "error", Data: map[string]string{"error": err.Error()}})
	} else {
		st, _ := s.deps.Cache.Status(streamID)
		box.put(events, st.Complete)
	}

	s.writeStream(ctx, c, box, logger)
}

func (s *Server) writeStream(ctx context.Context, c *wsConn, box *mailbox, logger *logging.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	completeSent := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pongs:
			if err := c.send(wsMessage{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-box.signal:
			snap := box.take()
			if snap == nil {
				continue
			}
			if snap.Events == nil {
				snap.Events = []model.Event{}
			}
			if err := c.send(wsMessage{Type: "snapshot", Data: snap}); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
			if snap.Complete && !completeSent {
				completeSent = true
				if err := c.send(wsMessage{Type: "status", Data: map[string]string{"status": "complete"}}); err != nil {
					return
				}
			}
		}
	}
}

// activityQueue 按顺序缓存待推送的活动条目
type activityQueue struct {
	mu      sync.Mutex
	pending []model.ActivityEntry
	signal  chan struct{}
}

func (q *activityQueue) push(entry model.ActivityEntry) {
	q.mu.Lock()
	q.pending = append(q.pending, entry)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *activityQueue) drain() []model.ActivityEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}

// activitySocket 订阅会话活动日志
//
// 路由: GET /ws/sessions/{id}/activity
//
// 每个连接运行一个独立的追踪器，按顺序推送全部新条目；
// 会话结束时推送 {"type":"status","data":{"status":"done"}} 并关闭连接。
func (s *Server) activitySocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if s.deps.Activity == nil {
		writeError(w, http.StatusServiceUnavailable, "activity source not configured")
		return
	}
	cfg := s.cfg.Activity
	cfg.Logger = s.logger.WithSessionID(sessionID)
	tracker, err := activitylog.New(s.deps.Activity, sessionID, cfg)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	c, ctx, cancel, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer c.close()
	defer cancel()

	queue := &activityQueue{signal: make(chan struct{}, 1)}
	unsubscribe := tracker.Subscribe(queue.push)
	defer unsubscribe()

	runDone := make(chan error, 1)
	go func() { runDone <- tracker.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	flush := func() bool {
		for _, entry := range queue.drain() {
			if err := c.send(wsMessage{Type: "activity", Data: entry}); err != nil {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pongs:
			if err := c.send(wsMessage{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-queue.signal:
			if !flush() {
				return
			}
		case err := <-runDone:
			runDone <- err
			if !flush() {
				return
			}
			if tracker.Finished() {
				c.send(wsMessage{Type: "status", Data: map[string]string{"status": "done"}})
				c.closeNormal("session done")
			}
			return
		}
	}
}
