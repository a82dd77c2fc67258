package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/errdefs"

	"agents-console/internal/eventcache"
	"agents-console/internal/shared/model"
)

// eventsResponse 事件流读取结果
type eventsResponse struct {
	StreamID   string          `json:"stream_id"`
	Events     []model.Event   `json:"events"`
	Count      int             `json:"count"`
	Complete   bool            `json:"complete"`
	Persistent bool            `json:"persistent"`
	LastError  string          `json:"last_error,omitempty"`
	Owner      *model.OwnerRun `json:"owner,omitempty"`
}

type watchRequest struct {
	OwnerID string `json:"owner_id"`
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor 按错误类别映射 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, eventcache.ErrNoOwnerRun), errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// fetchOptions 解析 ?force=&max_age=&owner=
func fetchOptions(r *http.Request) (eventcache.FetchOptions, error) {
	q := r.URL.Query()
	opts := eventcache.FetchOptions{OwnerID: q.Get("owner")}
	if v := q.Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("%w: invalid force %q", errdefs.ErrInvalidArgument, v)
		}
		opts.ForceRefresh = force
	}
	if v := q.Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return opts, fmt.Errorf("%w: invalid max_age %q", errdefs.ErrInvalidArgument, v)
		}
		opts.MaxAge = d
	}
	return opts, nil
}

func (s *Server) respondEvents(w http.ResponseWriter, streamID string, events []model.Event, owner *model.OwnerRun) {
	resp := eventsResponse{StreamID: streamID, Events: events, Count: len(events), Owner: owner}
	if resp.Events == nil {
		resp.Events = []model.Event{}
	}
	if st, ok := s.deps.Cache.Status(streamID); ok {
		resp.Complete = st.Complete
		resp.Persistent = st.Persistent
		resp.LastError = st.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

// health 健康检查接口
//
// 路由: GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": s.deps.Cache.Len(),
		"watches": len(s.deps.Pollers.Active()),
	})
}

// getStreamEvents 读取事件流
//
// 路由: GET /api/v1/streams/{id}/events
func (s *Server) getStreamEvents(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	opts, err := fetchOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.deps.Cache.GetEvents(r.Context(), streamID, opts)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.respondEvents(w, streamID, events, nil)
}

// getStreamStatus 读取缓存状态，不访问后端
//
// 路由: GET /api/v1/streams/{id}/status
func (s *Server) getStreamStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Cache.Status(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not cached")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// startWatch 任务开始，启动后台轮询
//
// 路由: POST /api/v1/streams/{id}/watch
func (s *Server) startWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	started, err := s.deps.Pollers.WorkStarted(r.PathValue("id"), req.OwnerID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"stream_id": r.PathValue("id"), "started": started})
}

// stopWatch 任务移除，停止后台轮询
//
// 路由: DELETE /api/v1/streams/{id}/watch
func (s *Server) stopWatch(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pollers.WorkRemoved(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "no active watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listWatches 列出进行中的轮询
//
// 路由: GET /api/v1/watches
func (s *Server) listWatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"watches": s.deps.Pollers.Active()})
}

// getOwnerLatest 读取 Owner 最近完成的流
//
// 路由: GET /api/v1/owners/{id}/latest
func (s *Server) getOwnerLatest(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Cache.LatestForOwner(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// getOwnerEvents 读取 Owner 最近完成的流的事件
//
// 路由: GET /api/v1/owners/{id}/events
func (s *Server) getOwnerEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := fetchOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, events, err := s.deps.Cache.GetEventsForOwner(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.respondEvents(w, run.StreamID, events, run)
}
