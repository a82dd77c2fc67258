// Package model 定义事件同步层的核心数据模型
//
// event.go 包含事件相关定义：
//   - Event：后端事件记录（对缓存层不透明）
//   - EventType：常见事件类型
//   - TerminalDetector：终止事件判定
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 定义事件的类型
//
// 同步层只关心"是否终止"，其余类型原样透传给渲染方：
//  1. 生命周期事件：run_started, run_completed, run_failed
//  2. 输出事件：message, thinking, progress
//  3. 工具事件：tool_use_start, tool_result
//  4. 错误事件：error, warning
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeRunCompleted EventType = "run_completed"
	EventTypeRunFailed    EventType = "run_failed"

	EventTypeMessage  EventType = "message"
	EventTypeThinking EventType = "thinking"
	EventTypeProgress EventType = "progress"

	EventTypeToolUseStart EventType = "tool_use_start"
	EventTypeToolResult   EventType = "tool_result"

	// EventTypeError 错误事件，视为终止
	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"

	// EventTypeEndOfStream 流结束标记
	EventTypeEndOfStream EventType = "end_of_stream"
)

// terminalKinds 终止事件的全部拼写（大小写敏感）
//
// 后端历史上对"结束 / 完成 / 错误 / 失败"使用过多种写法，全部等价。
var terminalKinds = map[string]struct{}{
	"end":           {},
	"end_of_stream": {},
	"stream_end":    {},
	"completed":     {},
	"complete":      {},
	"run_completed": {},
	"done":          {},
	"error":         {},
	"run_error":     {},
	"failed":        {},
	"run_failed":    {},
}

// ============================================================================
// Event - 后端事件
// ============================================================================

// Event 表示事件流中的一条记录
//
// 字段说明：
//   - Seq：序号（后端提供时才有）
//   - Kind：事件类型，对应 JSON 的 type 字段
//   - Timestamp：事件时间（可选）
//   - Payload：事件数据
//   - Raw：原始记录，原样保存，缓存层不解释业务内容
type Event struct {
	Seq       int64           `json:"seq,omitempty"`
	Kind      string          `json:"type"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// TerminalDetector 判断事件是否为终止事件
type TerminalDetector func(Event) bool

// IsJobTerminal 默认终止判定：结束、完成、错误、失败的所有同义写法
//
// 未识别的类型一律视为非终止。
func IsJobTerminal(e Event) bool {
	_, ok := terminalKinds[e.Kind]
	return ok
}

// IsTerminalKind 判断类型字符串是否为终止类型
func IsTerminalKind(kind string) bool {
	_, ok := terminalKinds[kind]
	return ok
}

// KindDetector 只把给定类型视为终止的判定器
func KindDetector(kinds ...string) TerminalDetector {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Kind]
		return ok
	}
}

// HasTerminal 判断事件列表中是否包含终止事件
func HasTerminal(events []Event, detect TerminalDetector) bool {
	if detect == nil {
		detect = IsJobTerminal
	}
	for _, e := range events {
		if detect(e) {
			return true
		}
	}
	return false
}

// CloneEvents 复制事件切片（不深拷贝 Payload）
func CloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
