package main

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"

	"agents-console/pkg/logging"
)

// record 事件记录的线上形态
type record struct {
	Seq       int64                  `json:"seq"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// hiccups 模拟后端抖动的概率配置
type hiccups struct {
	Empty     float64 // 返回空列表
	Truncate  float64 // 只返回前一半
	NDJSON    float64 // 以 NDJSON 文本返回
	NextError float64 // 增量接口返回 503
}

// backend 按首次访问时间逐步公开脚本中的记录
type backend struct {
	mu       sync.Mutex
	clock    clock.Clock
	started  map[string]time.Time
	hiccups  hiccups
	rng      *rand.Rand
	speed    float64
	logger   *logging.Logger
	run      []step
	activity []step
}

func newBackend(clk clock.Clock, h hiccups, speed float64, seed int64, logger *logging.Logger) *backend {
	if speed <= 0 {
		speed = 1
	}
	return &backend{
		clock:    clk,
		started:  make(map[string]time.Time),
		hiccups:  h,
		rng:      rand.New(rand.NewSource(seed)),
		speed:    speed,
		logger:   logger,
		run:      runScript,
		activity: activityScript,
	}
}

// routes 注册后端接口
func (b *backend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/{id}/events", b.runEvents)
	mux.HandleFunc("GET /api/v1/sessions/{id}/activity/next", b.activityNext)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// visible 返回 key 对应的流当前可见的记录，首次访问时开始计时
func (b *backend) visible(key string, script []step) []record {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	start, ok := b.started[key]
	if !ok {
		start = now
		b.started[key] = start
	}
	elapsed := time.Duration(float64(now.Sub(start)) * b.speed)

	out := make([]record, 0, len(script))
	for i, s := range script {
		if s.at > elapsed {
			break
		}
		at := start.Add(time.Duration(float64(s.at) / b.speed))
		out = append(out, record{
			Seq:       int64(i + 1),
			Type:      s.kind,
			Timestamp: at.UTC().Format(time.RFC3339Nano),
			Data:      s.data,
		})
	}
	return out
}

func (b *backend) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64() < p
}

// runEvents 整条事件流
//
// 路由: GET /api/v1/runs/{id}/events?from_seq=N&limit=L
func (b *backend) runEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	fromSeq, _ := strconv.ParseInt(q.Get("from_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	all := b.visible("run/"+id, b.run)
	page := make([]record, 0, len(all))
	for _, rec := range all {
		if rec.Seq > fromSeq {
			page = append(page, rec)
		}
	}
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}

	switch {
	case b.roll(b.hiccups.Empty):
		b.logger.StreamLog("hiccup_empty", id)
		page = page[:0]
	case len(page) > 1 && b.roll(b.hiccups.Truncate):
		b.logger.StreamLog("hiccup_truncate", id, "returned", len(page)/2, "visible", len(page))
		page = page[:len(page)/2]
	}

	if q.Get("format") == "ndjson" || b.roll(b.hiccups.NDJSON) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, rec := range page {
			enc.Encode(rec)
		}
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// activityNext 会话活动日志的下一条
//
// 路由: GET /api/v1/sessions/{id}/activity/next?after=I
//
// 记录尚未产生时返回 404。
func (b *backend) activityNext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := strconv.Atoi(r.URL.Query().Get("after"))
	if err != nil || after < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid after"})
		return
	}
	if b.roll(b.hiccups.NextError) {
		b.logger.StreamLog("hiccup_unavailable", id)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "backend busy"})
		return
	}

	entries := b.visible("session/"+id, b.activity)
	if after >= len(entries) {
		writeJSON(w, http.StatusNotFound, map[string]any{"entry": nil, "total_available": len(entries)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entries[after], "total_available": len(entries)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
