package eventsource

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"agents-console/internal/shared/model"
)

// maxLineSize NDJSON 单行上限
const maxLineSize = 4 * 1024 * 1024

// NormalizeResult 归一化结果
type NormalizeResult struct {
	Events  []model.Event
	Dropped int // 无法解析而丢弃的行数
}

// NormalizeFull 将 FetchFull 的响应体归一化为事件列表
//
// 支持的形态：
//   - JSON 数组：[{...}, {...}]
//   - 包装对象：{"events": [...]} / {"data": [...]} / {"items": [...]}
//   - 包装对象中的 NDJSON 字符串：{"events": "{...}\n{...}"}
//   - JSON 字符串：" {...}\n{...} "
//   - 原始 NDJSON 文本
//
// NDJSON 逐行解析，坏行丢弃并计数，不影响其余行。
// 空响应体或 null 返回空列表。
func NormalizeFull(body []byte) (NormalizeResult, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return NormalizeResult{Events: []model.Event{}}, nil
	}

	switch body[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err != nil {
			return NormalizeResult{}, fmt.Errorf("decode event array: %w", err)
		}
		return decodeRecords(records), nil

	case '"':
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return NormalizeResult{}, fmt.Errorf("decode ndjson string: %w", err)
		}
		return ParseNDJSON([]byte(text)), nil

	case '{':
		if inner, ok := unwrapEnvelope(body); ok {
			return NormalizeFull(inner)
		}
	}

	return ParseNDJSON(body), nil
}

// envelopeKeys 包装对象中承载事件列表的字段
var envelopeKeys = []string{"events", "data", "items"}

// unwrapEnvelope 识别 {"events": ...} 形态的包装对象
//
// 只有包装字段是数组或字符串时才认为是包装对象，
// 否则整个对象按单条事件（单行 NDJSON）处理。
// 带类型字段（type / kind / event）的对象总是单条事件。
func unwrapEnvelope(body []byte) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	if hasAnyKey(obj, "type", "kind", "event") {
		return nil, false
	}
	for _, key := range envelopeKeys {
		inner, ok := obj[key]
		if !ok {
			continue
		}
		inner = bytes.TrimSpace(inner)
		if len(inner) > 0 && (inner[0] == '[' || inner[0] == '"') {
			return inner, true
		}
		if bytes.Equal(inner, []byte("null")) {
			return inner, true
		}
	}
	return nil, false
}

// ParseNDJSON 逐行解析 NDJSON，坏行丢弃
func ParseNDJSON(data []byte) NormalizeResult {
	result := NormalizeResult{Events: []model.Event{}}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := DecodeEvent(line)
		if err != nil {
			result.Dropped++
			continue
		}
		result.Events = append(result.Events, e)
	}
	return result
}

func decodeRecords(records []json.RawMessage) NormalizeResult {
	result := NormalizeResult{Events: make([]model.Event, 0, len(records))}
	for _, rec := range records {
		e, err := DecodeEvent(rec)
		if err != nil {
			result.Dropped++
			continue
		}
		result.Events = append(result.Events, e)
	}
	return result
}

// wireEvent 后端事件记录的宽松形态
type wireEvent struct {
	Seq       *int64          `json:"seq"`
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	EventName string          `json:"event"`
	Timestamp json.RawMessage `json:"timestamp"`
	TS        json.RawMessage `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	Data      json.RawMessage `json:"data"`
}

// DecodeEvent 解析单条事件记录，原始字节保存在 Raw 中
func DecodeEvent(raw []byte) (model.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return model.Event{}, fmt.Errorf("event record is not an object")
	}
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}

	e := model.Event{
		Kind:    firstNonEmpty(w.Type, w.Kind, w.EventName),
		Payload: firstRaw(w.Payload, w.Data),
		Raw:     append(json.RawMessage(nil), raw...),
	}
	if w.Seq != nil {
		e.Seq = *w.Seq
	}
	if ts, ok := parseTimestamp(firstRaw(w.Timestamp, w.TS)); ok {
		e.Timestamp = &ts
	}
	return e, nil
}

// NormalizeIncrement 将 FetchNext 的响应体归一化
//
// 支持的形态：
//   - {"entry"|"event"|"log"|"item": {...}, "total_available"|"total"|"total_count"|"count": n}
//   - 裸事件对象 {...}
//   - 空响应体 / null / {"entry": null}：记录尚未产生
func NormalizeIncrement(body []byte) (Increment, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return Increment{}, nil
	}
	if body[0] != '{' {
		return Increment{}, fmt.Errorf("unexpected increment body")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return Increment{}, fmt.Errorf("decode increment: %w", err)
	}

	var inc Increment
	for _, key := range []string{"total_available", "total", "total_count", "count"} {
		if v, ok := obj[key]; ok {
			var n int
			if err := json.Unmarshal(v, &n); err == nil {
				inc.TotalAvailable = n
				inc.HasTotal = true
				break
			}
		}
	}

	for _, key := range []string{"entry", "event", "log", "item"} {
		v, ok := obj[key]
		if !ok || (key == "event" && isJSONString(v)) {
			continue
		}
		v = bytes.TrimSpace(v)
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			return inc, nil
		}
		e, err := DecodeEvent(v)
		if err != nil {
			return inc, err
		}
		inc.Event = &e
		return inc, nil
	}

	// 没有类型字段的对象（如只有计数）视为"记录尚未产生"
	if !hasAnyKey(obj, "type", "kind", "event") {
		return inc, nil
	}

	e, err := DecodeEvent(body)
	if err != nil {
		return inc, err
	}
	inc.Event = &e
	return inc, nil
}

func isJSONString(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '"'
}

func hasAnyKey(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return nil
}
