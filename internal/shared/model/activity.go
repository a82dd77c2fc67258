package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityStatusDone 会话结束状态
const ActivityStatusDone = "done"

// ActivityEntry 会话活动日志条目
type ActivityEntry struct {
	Actor     string          `json:"actor"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Equal 按 (Actor, Status, Message) 比较，忽略时间和原始数据
func (a ActivityEntry) Equal(b ActivityEntry) bool {
	return a.Actor == b.Actor && a.Status == b.Status && a.Message == b.Message
}

// IsDone 会话是否已结束
func (a ActivityEntry) IsDone() bool {
	return a.Status == ActivityStatusDone
}

// activityPayload 兼容多种字段命名
type activityPayload struct {
	Actor     string `json:"actor"`
	AgentName string `json:"agent_name"`
	Agent     string `json:"agent"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Summary   string `json:"summary"`
	NextGoal  string `json:"next_goal"`
}

// ActivityFromEvent 从事件解析活动条目
//
// 优先读取 Payload，Payload 为空时退回原始记录本身；JSON 字符串负载作为 Message。
// 负载无法解码时仍返回保留 Raw、时间和终止状态的条目，并附带解码错误。
func ActivityFromEvent(e Event) (ActivityEntry, error) {
	src := e.Payload
	if len(src) == 0 || string(src) == "null" {
		src = e.Raw
	}

	entry := ActivityEntry{Timestamp: e.Timestamp, Raw: e.Raw}
	var err error
	if len(src) > 0 {
		var p activityPayload
		if err = json.Unmarshal(src, &p); err == nil {
			entry.Actor = firstNonEmpty(p.Actor, p.AgentName, p.Agent)
			entry.Status = p.Status
			entry.Message = firstNonEmpty(p.Message, p.Summary, p.NextGoal)
		} else if json.Unmarshal(src, &entry.Message) == nil {
			err = nil
		} else {
			err = fmt.Errorf("decode activity seq %d: %w", e.Seq, err)
		}
	}
	if entry.Status == "" && IsTerminalKind(e.Kind) {
		entry.Status = ActivityStatusDone
	}
	return entry, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
