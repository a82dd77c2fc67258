// Package redissource 从 Redis Streams 读取事件流
//
// 每条事件流对应一个 Stream：run_events:{streamID}
// 消息字段：type / timestamp / payload，或 event（整条 JSON 记录）
package redissource

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/model"
)

const (
	// KeyRunEvents 事件流 Key 前缀
	KeyRunEvents = "run_events:"
	// MaxStreamLength 单条 Stream 最大长度（近似裁剪）
	MaxStreamLength = 10000
)

// Source Redis Streams 事件源
type Source struct {
	client *redis.Client
	prefix string
}

var _ eventsource.Source = (*Source)(nil)

// NewFromURL 从 URL 创建并检查连通性
func NewFromURL(redisURL string) (*Source, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewFromClient(client), nil
}

// NewFromClient 复用已有连接
func NewFromClient(client *redis.Client) *Source {
	return &Source{client: client, prefix: KeyRunEvents}
}

// WithPrefix 使用自定义 Key 前缀
func (s *Source) WithPrefix(prefix string) *Source {
	return &Source{client: s.client, prefix: prefix}
}

func (s *Source) key(streamID string) string {
	return s.prefix + streamID
}

// FetchFull 读取整条 Stream
func (s *Source) FetchFull(ctx context.Context, streamID string) ([]model.Event, error) {
	msgs, err := s.client.XRange(ctx, s.key(streamID), "-", "+").Result()
	if err != nil {
		return nil, eventsource.ClassifyTransport(err)
	}
	events := make([]model.Event, 0, len(msgs))
	for i, msg := range msgs {
		e, err := decodeMessage(msg)
		if err != nil {
			continue
		}
		if e.Seq == 0 {
			e.Seq = int64(i + 1)
		}
		events = append(events, e)
	}
	return events, nil
}

// FetchNext 读取第 afterIndex 条消息（从 0 计）
func (s *Source) FetchNext(ctx context.Context, streamID string, afterIndex int) (eventsource.Increment, error) {
	key := s.key(streamID)

	total, err := s.client.XLen(ctx, key).Result()
	if err != nil {
		return eventsource.Increment{}, eventsource.ClassifyTransport(err)
	}
	inc := eventsource.Increment{TotalAvailable: int(total), HasTotal: true}
	if int64(afterIndex) >= total {
		return inc, nil
	}

	msgs, err := s.client.XRangeN(ctx, key, "-", "+", int64(afterIndex+1)).Result()
	if err != nil {
		return eventsource.Increment{}, eventsource.ClassifyTransport(err)
	}
	if len(msgs) <= afterIndex {
		return inc, nil
	}
	e, err := decodeMessage(msgs[afterIndex])
	if err != nil {
		return inc, fmt.Errorf("%w: %v", eventsource.ErrMalformed, err)
	}
	if e.Seq == 0 {
		e.Seq = int64(afterIndex + 1)
	}
	inc.Event = &e
	return inc, nil
}

// Publish 追加一条事件（mock 后端与测试使用）
func (s *Source) Publish(ctx context.Context, streamID string, kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(streamID),
		MaxLen: MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      kind,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"payload":   string(data),
		},
	}).Result()
}

// Delete 删除整条 Stream
func (s *Source) Delete(ctx context.Context, streamID string) error {
	return s.client.Del(ctx, s.key(streamID)).Err()
}

// Close 关闭连接
func (s *Source) Close() error {
	return s.client.Close()
}

// decodeMessage 将 Stream 消息还原为事件记录
func decodeMessage(msg redis.XMessage) (model.Event, error) {
	if raw, ok := msg.Values["event"].(string); ok && strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return eventsource.DecodeEvent([]byte(raw))
	}

	record := map[string]json.RawMessage{}
	for k, v := range msg.Values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "payload", "data":
			if json.Valid([]byte(str)) {
				record[k] = json.RawMessage(str)
				continue
			}
		case "seq":
			if _, err := strconv.ParseInt(str, 10, 64); err == nil {
				record[k] = json.RawMessage(str)
			}
			continue
		}
		quoted, _ := json.Marshal(str)
		record[k] = quoted
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return model.Event{}, err
	}
	return eventsource.DecodeEvent(raw)
}
