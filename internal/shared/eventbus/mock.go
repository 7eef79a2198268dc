// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
	"sync"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现（用于测试）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (e *NoOpEventBus) Close() error {
	return nil
}

func (e *NoOpEventBus) PublishRunEvent(ctx context.Context, projectID, runID string, event *RunEvent) error {
	return nil
}
func (e *NoOpEventBus) GetRunEvents(ctx context.Context, projectID, runID string, fromID string, count int64) ([]*RunEvent, error) {
	return []*RunEvent{}, nil
}
func (e *NoOpEventBus) GetRunEventCount(ctx context.Context, projectID, runID string) (int64, error) {
	return 0, nil
}
func (e *NoOpEventBus) SubscribeRunEvents(ctx context.Context, projectID, runID string) (<-chan *RunEvent, error) {
	ch := make(chan *RunEvent)
	close(ch)
	return ch, nil
}
func (e *NoOpEventBus) DeleteRunEvents(ctx context.Context, projectID, runID string) error {
	return nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)

// ============================================================================
// MemoryEventBus - 内存实现（测试断言事件内容用）
// ============================================================================

// MemoryEventBus 把事件按流保存在内存里
type MemoryEventBus struct {
	mu      sync.Mutex
	streams map[string][]*RunEvent
}

// NewMemoryEventBus 创建 MemoryEventBus 实例
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{streams: make(map[string][]*RunEvent)}
}

func (e *MemoryEventBus) key(projectID, runID string) string {
	return projectID + ":" + runID
}

func (e *MemoryEventBus) Close() error { return nil }

func (e *MemoryEventBus) PublishRunEvent(ctx context.Context, projectID, runID string, event *RunEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := e.key(projectID, runID)
	e.streams[k] = append(e.streams[k], event)
	return nil
}

func (e *MemoryEventBus) GetRunEvents(ctx context.Context, projectID, runID string, fromID string, count int64) ([]*RunEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.streams[e.key(projectID, runID)]
	out := make([]*RunEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (e *MemoryEventBus) GetRunEventCount(ctx context.Context, projectID, runID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.streams[e.key(projectID, runID)])), nil
}

func (e *MemoryEventBus) SubscribeRunEvents(ctx context.Context, projectID, runID string) (<-chan *RunEvent, error) {
	ch := make(chan *RunEvent)
	close(ch)
	return ch, nil
}

func (e *MemoryEventBus) DeleteRunEvents(ctx context.Context, projectID, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streams, e.key(projectID, runID))
	return nil
}

var _ EventBus = (*MemoryEventBus)(nil)
