// Package events 在编排流程与后台 worker 之间传递动态发布事件，
// 支持内存 channel、Redis list 与 RabbitMQ 三种总线。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agnt-platform/internal/config"
	xerrors "agnt-platform/internal/errors"
)

// TypeFeedPublished 表示一条新的公开动态。
const TypeFeedPublished = "feed.published"

// Event 是总线上传递的消息。
type Event struct {
	Type      string    `json:"type"`
	FeedID    int64     `json:"feed_id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Preview   string    `json:"preview"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Encode 把事件序列化为 JSON。
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode 解析 JSON 事件。
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return evt, nil
}

// Handler 处理一条事件，返回错误时由总线决定是否重投。
type Handler func(ctx context.Context, evt Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Consumer 负责消费事件，阻塞直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}

// New 根据配置创建事件总线。
func New(ctx context.Context, cfg config.EventsConfig) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryBus(cfg.Buffer), nil
	case "redis":
		bus, err := NewRedisBus(ctx, RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 Redis 事件总线失败")
		}
		return bus, nil
	case "rabbitmq":
		bus, err := NewRabbitMQBus(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 RabbitMQ 事件总线失败")
		}
		return bus, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的事件总线驱动: %s", cfg.Driver))
	}
}
