// Package eventsource 定义事件源接口及其响应归一化
//
// 事件源是后端事件流的只读视图：
//   - FetchFull：读取整条流（可能是部分快照，可能为空，可能比上次短）
//   - FetchNext：读取指定位置之后的一条记录，并附带后端已知总数
//
// 后端的响应形态不统一（数组 / NDJSON 字符串 / 包装对象），
// 每种外部调用只经过一个归一化函数（见 normalize.go），调用方只接触 []model.Event。
//
// 实现：
//   - httpsource：后端 REST API
//   - redissource：Redis Streams
//   - etcdsource：etcd 前缀键
package eventsource

import (
	"context"

	"agents-console/internal/shared/model"
)

// Source 事件源接口
type Source interface {
	// FetchFull 读取事件流全部可见事件
	// 结果可能为空或比上次读取更短（后端抖动），由缓存层决定是否采纳
	FetchFull(ctx context.Context, streamID string) ([]model.Event, error)

	// FetchNext 读取 afterIndex 位置的下一条记录
	// 记录尚未产生时 Event 为 nil，err 为 nil
	FetchNext(ctx context.Context, streamID string, afterIndex int) (Increment, error)
}

// Increment FetchNext 的结果
type Increment struct {
	Event          *model.Event // 尚未产生时为 nil
	TotalAvailable int          // 后端已知的记录总数（HasTotal 为 false 时无意义）
	HasTotal       bool
}

// Present 记录是否存在
func (i Increment) Present() bool {
	return i.Event != nil
}

// Behind 本地已知数量落后于后端
func (i Increment) Behind(knownCount int) bool {
	return i.HasTotal && i.TotalAvailable > knownCount
}

// Func 适配函数为 Source（测试与组合用）
type Func struct {
	Full func(ctx context.Context, streamID string) ([]model.Event, error)
	Next func(ctx context.Context, streamID string, afterIndex int) (Increment, error)
}

var _ Source = Func{}

// FetchFull 实现 Source
func (f Func) FetchFull(ctx context.Context, streamID string) ([]model.Event, error) {
	if f.Full == nil {
		return nil, nil
	}
	return f.Full(ctx, streamID)
}

// FetchNext 实现 Source
func (f Func) FetchNext(ctx context.Context, streamID string, afterIndex int) (Increment, error) {
	if f.Next == nil {
		return Increment{}, nil
	}
	return f.Next(ctx, streamID, afterIndex)
}
