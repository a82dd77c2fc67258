package model

import "time"

// StreamStatus 事件流缓存状态（只读快照）
type StreamStatus struct {
	StreamID    string    `json:"stream_id"`
	OwnerID     string    `json:"owner_id,omitempty"`
	EventCount  int       `json:"event_count"`
	Complete    bool      `json:"complete"`
	Persistent  bool      `json:"persistent"`
	LastFetch   time.Time `json:"last_fetch"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Settled 流已完成或已持久化，不再需要轮询
func (s StreamStatus) Settled() bool {
	return s.Complete || s.Persistent
}

// OwnerRun Owner → 最近一次完成的事件流
type OwnerRun struct {
	OwnerID     string    `json:"owner_id"`
	StreamID    string    `json:"stream_id"`
	CompletedAt time.Time `json:"completed_at"`
	EventCount  int       `json:"event_count"`
}

// StreamSnapshot 持久化事件流的归档形式
//
// 持久化流不可变，归档只写一次。
type StreamSnapshot struct {
	StreamID    string    `json:"stream_id" bson:"stream_id"`
	OwnerID     string    `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
	Events      []Event   `json:"events" bson:"-"`
	CompletedAt time.Time `json:"completed_at" bson:"completed_at"`
}

// OwnerRun 从归档生成 Owner 索引项
func (s *StreamSnapshot) OwnerRun() *OwnerRun {
	return &OwnerRun{
		OwnerID:     s.OwnerID,
		StreamID:    s.StreamID,
		CompletedAt: s.CompletedAt,
		EventCount:  len(s.Events),
	}
}
