// Package etcdsource 从 etcd 读取事件流
//
// Key 布局：{prefix}/events/{streamType}/{streamID}/{seq:06d}，seq 从 1 开始。
// 每个 Value 是一条 JSON 事件记录。
package etcdsource

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/model"
)

const (
	DefaultPrefix     = "/agents"
	DefaultStreamType = "run"
	// eventTTL 事件 Key 的租约时长（秒）
	eventTTL = 24 * 60 * 60
)

// Config etcd 事件源配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	StreamType  string
}

// Source etcd 事件源
type Source struct {
	client     *clientv3.Client
	prefix     string
	streamType string
	owned      bool
}

var _ eventsource.Source = (*Source)(nil)

// New 连接 etcd 并检查健康状态
func New(cfg Config) (*Source, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcdsource: no endpoints")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	s := NewFromClient(client, cfg.Prefix, cfg.StreamType)
	s.owned = true
	return s, nil
}

// NewFromClient 复用已有连接
func NewFromClient(client *clientv3.Client, prefix, streamType string) *Source {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if streamType == "" {
		streamType = DefaultStreamType
	}
	return &Source{client: client, prefix: prefix, streamType: streamType}
}

func (s *Source) eventPrefix(streamID string) string {
	return fmt.Sprintf("%s/events/%s/%s/", s.prefix, s.streamType, streamID)
}

func (s *Source) eventKey(streamID string, seq int64) string {
	return fmt.Sprintf("%s/events/%s/%s/%06d", s.prefix, s.streamType, streamID, seq)
}

// FetchFull 按 Key 顺序读取整条流
func (s *Source) FetchFull(ctx context.Context, streamID string) ([]model.Event, error) {
	resp, err := s.client.Get(ctx, s.eventPrefix(streamID),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, eventsource.ClassifyTransport(err)
	}

	events := make([]model.Event, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		e, err := eventsource.DecodeEvent(kv.Value)
		if err != nil {
			continue
		}
		if e.Seq == 0 {
			e.Seq = seqFromKey(string(kv.Key))
		}
		events = append(events, e)
	}
	return events, nil
}

// FetchNext 读取序号为 afterIndex+1 的事件，并返回前缀下的事件总数
func (s *Source) FetchNext(ctx context.Context, streamID string, afterIndex int) (eventsource.Increment, error) {
	countResp, err := s.client.Get(ctx, s.eventPrefix(streamID), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return eventsource.Increment{}, eventsource.ClassifyTransport(err)
	}
	inc := eventsource.Increment{TotalAvailable: int(countResp.Count), HasTotal: true}

	resp, err := s.client.Get(ctx, s.eventKey(streamID, int64(afterIndex+1)))
	if err != nil {
		return eventsource.Increment{}, eventsource.ClassifyTransport(err)
	}
	if len(resp.Kvs) == 0 {
		return inc, nil
	}
	e, err := eventsource.DecodeEvent(resp.Kvs[0].Value)
	if err != nil {
		return inc, fmt.Errorf("%w: %v", eventsource.ErrMalformed, err)
	}
	if e.Seq == 0 {
		e.Seq = int64(afterIndex + 1)
	}
	inc.Event = &e
	return inc, nil
}

// Publish 以下一个序号写入事件（带 24h 租约）
func (s *Source) Publish(ctx context.Context, streamID string, event model.Event) (int64, error) {
	seq, err := s.nextSeq(ctx, streamID)
	if err != nil {
		return 0, fmt.Errorf("failed to get next seq: %w", err)
	}
	event.Seq = seq
	if event.Timestamp == nil {
		now := time.Now().UTC()
		event.Timestamp = &now
	}
	event.Raw = nil
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	lease, err := s.client.Grant(ctx, eventTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to create lease: %w", err)
	}
	if _, err := s.client.Put(ctx, s.eventKey(streamID, seq), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("failed to put event: %w", err)
	}
	return seq, nil
}

// Delete 删除整条流
func (s *Source) Delete(ctx context.Context, streamID string) error {
	_, err := s.client.Delete(ctx, s.eventPrefix(streamID), clientv3.WithPrefix())
	return err
}

// Close 关闭由 New 创建的连接
func (s *Source) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Source) nextSeq(ctx context.Context, streamID string) (int64, error) {
	resp, err := s.client.Get(ctx, s.eventPrefix(streamID),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
		clientv3.WithLimit(1))
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 1, nil
	}
	return seqFromKey(string(resp.Kvs[0].Key)) + 1, nil
}

func seqFromKey(key string) int64 {
	idx := strings.LastIndex(key, "/")
	seq, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
