// Package redis RunEvents 事件总线的 Redis Streams 实现
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Big-footer/nexous/internal/shared/eventbus"
	"github.com/Big-footer/nexous/pkg/logging"
)

// Bus Redis Streams 事件总线
type Bus struct {
	client *redis.Client
	log    *logging.Logger
}

// Config Redis 连接配置
type Config struct {
	Addr     string
	Password string
	DB       int
	Logger   *logging.Logger
}

// New 创建 Redis 事件总线并验证连通性
func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default("eventbus")
	}
	return &Bus{client: client, log: log}, nil
}

// Close 关闭连接
func (b *Bus) Close() error {
	return b.client.Close()
}

func streamKey(projectID, runID string) string {
	return fmt.Sprintf("%s%s:%s", eventbus.KeyRunEvents, projectID, runID)
}

// PublishRunEvent 发布 Run 事件
func (b *Bus) PublishRunEvent(ctx context.Context, projectID, runID string, event *eventbus.RunEvent) error {
	key := streamKey(projectID, runID)

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      event.Type,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payloadJSON),
		},
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}

	b.log.Debug("Published run event", "run_id", runID, "stream_id", id, "type", event.Type)
	return nil
}

// GetRunEvents 获取 Run 事件列表
func (b *Bus) GetRunEvents(ctx context.Context, projectID, runID string, fromID string, count int64) ([]*eventbus.RunEvent, error) {
	key := streamKey(projectID, runID)

	if fromID == "" {
		fromID = "0"
	}

	msgs, err := b.client.XRange(ctx, key, fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}

	var events []*eventbus.RunEvent
	for _, msg := range msgs {
		events = append(events, decodeMessage(projectID, runID, msg))
		if count > 0 && int64(len(events)) >= count {
			break
		}
	}
	return events, nil
}

// GetRunEventCount 获取事件数量
func (b *Bus) GetRunEventCount(ctx context.Context, projectID, runID string) (int64, error) {
	return b.client.XLen(ctx, streamKey(projectID, runID)).Result()
}

// SubscribeRunEvents 订阅 Run 事件
func (b *Bus) SubscribeRunEvents(ctx context.Context, projectID, runID string) (<-chan *eventbus.RunEvent, error) {
	key := streamKey(projectID, runID)
	ch := make(chan *eventbus.RunEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				b.log.Warn("Run event subscription error", "run_id", runID, "error", err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeMessage(projectID, runID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteRunEvents 删除事件流
func (b *Bus) DeleteRunEvents(ctx context.Context, projectID, runID string) error {
	return b.client.Del(ctx, streamKey(projectID, runID)).Err()
}

func decodeMessage(projectID, runID string, msg redis.XMessage) *eventbus.RunEvent {
	event := &eventbus.RunEvent{
		ID:        msg.ID,
		ProjectID: projectID,
		RunID:     runID,
	}

	if t, ok := msg.Values["type"].(string); ok {
		event.Type = t
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if payloadStr, ok := msg.Values["payload"].(string); ok {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadStr), &payload); err == nil {
			event.Payload = payload
		}
	}
	return event
}

// 确保 Bus 实现了 EventBus 接口
var _ eventbus.EventBus = (*Bus)(nil)
