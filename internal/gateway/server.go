// Package gateway 本地 HTTP / WebSocket 出口
//
// UI 渲染层通过网关读取缓存中的事件流、登记进行中的任务、订阅流更新和会话活动日志。
//
// 路由：
//
//	GET    /health
//	GET    /metrics
//	GET    /api/v1/streams/{id}/events   ?force=&max_age=&owner=
//	GET    /api/v1/streams/{id}/status
//	POST   /api/v1/streams/{id}/watch    {"owner_id": "..."}
//	DELETE /api/v1/streams/{id}/watch
//	GET    /api/v1/watches
//	GET    /api/v1/owners/{id}/latest
//	GET    /api/v1/owners/{id}/events
//	GET    /ws/streams/{id}
//	GET    /ws/sessions/{id}/activity
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"agents-console/internal/activitylog"
	"agents-console/internal/eventcache"
	"agents-console/internal/metrics"
	"agents-console/internal/poller"
	"agents-console/internal/shared/eventsource"
	"agents-console/internal/subscription"
	"agents-console/pkg/logging"
)

// Deps 网关依赖
type Deps struct {
	Cache    *eventcache.Cache
	Registry *subscription.Registry
	Pollers  *poller.Manager
	Activity eventsource.Source // 会话活动日志来源
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Config 网关配置
type Config struct {
	Addr     string             // 监听地址，如 ":8090"
	Auth     AuthConfig         // JWTSecret 为空时不鉴权
	Activity activitylog.Config // 每个活动日志连接的追踪配置
}

// Server 网关服务
type Server struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
	http   *http.Server
}

// New 创建网关
func New(deps Deps, cfg Config) (*Server, error) {
	if deps.Cache == nil || deps.Registry == nil || deps.Pollers == nil {
		return nil, fmt.Errorf("%w: gateway needs a cache, a registry and a poller manager", errdefs.ErrInvalidArgument)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default("gateway")
	}
	if cfg.Activity.Metrics == nil {
		cfg.Activity.Metrics = deps.Metrics
	}
	s := &Server{deps: deps, cfg: cfg, logger: deps.Logger}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler 返回完整路由（含中间件）
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	mux.HandleFunc("GET /api/v1/streams/{id}/events", s.getStreamEvents)
	mux.HandleFunc("GET /api/v1/streams/{id}/status", s.getStreamStatus)
	mux.HandleFunc("POST /api/v1/streams/{id}/watch", s.startWatch)
	mux.HandleFunc("DELETE /api/v1/streams/{id}/watch", s.stopWatch)
	mux.HandleFunc("GET /api/v1/watches", s.listWatches)
	mux.HandleFunc("GET /api/v1/owners/{id}/latest", s.getOwnerLatest)
	mux.HandleFunc("GET /api/v1/owners/{id}/events", s.getOwnerEvents)

	mux.HandleFunc("GET /ws/streams/{id}", s.streamSocket)
	mux.HandleFunc("GET /ws/sessions/{id}/activity", s.activitySocket)

	var h http.Handler = mux
	h = AuthMiddleware(s.cfg.Auth, s.logger)(h)
	h = s.deps.Metrics.Middleware(h)
	return s.logRequests(h)
}

// ListenAndServe 启动监听，Shutdown 后返回 nil
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr, "auth", s.cfg.Auth.Enabled())
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve 在已有 Listener 上服务（测试用）
func (s *Server) Serve(l net.Listener) error {
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// logRequests 记录请求日志
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.HTTPRequestLog(r.Method, r.URL.Path, sw.status, time.Since(start), clientIP(r))
	})
}

// statusWriter 捕获状态码，保留 Hijack 以支持 WebSocket 升级
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
