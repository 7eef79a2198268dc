// Package eventbus 事件总线抽象接口
//
// 执行引擎在 Run 生命周期与 Step 追加时发布事件，GUI/监控端
// 订阅消费。当前由 Redis Streams 实现。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// RunEventBus Run 事件总线接口
type RunEventBus interface {
	// PublishRunEvent 发布一条 Run 事件
	PublishRunEvent(ctx context.Context, projectID, runID string, event *RunEvent) error

	// GetRunEvents 获取 Run 事件列表（fromID 为空时从头读取）
	GetRunEvents(ctx context.Context, projectID, runID string, fromID string, count int64) ([]*RunEvent, error)

	// GetRunEventCount 获取事件数量
	GetRunEventCount(ctx context.Context, projectID, runID string) (int64, error)

	// SubscribeRunEvents 订阅新事件；返回的 channel 随 ctx 取消关闭
	SubscribeRunEvents(ctx context.Context, projectID, runID string) (<-chan *RunEvent, error)

	// DeleteRunEvents 删除整个事件流
	DeleteRunEvents(ctx context.Context, projectID, runID string) error
}

// EventBus 事件总线组合接口
type EventBus interface {
	RunEventBus
	Close() error
}
