package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 总线的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQBus 使用 RabbitMQ 队列传递事件。
type RabbitMQBus struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQBus 建立连接、设置 QoS 并声明队列。
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agnt.feed"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQBus{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 以 JSON 消息投递事件。
func (b *RabbitMQBus) Publish(ctx context.Context, evt Event) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 总线未初始化")
	}
	payload, err := Encode(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	if err := b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         evt.Type,
		Body:         payload,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Consume 使用手动确认模式消费队列。处理失败的消息重新入队一次，再次失败则丢弃。
func (b *RabbitMQBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 总线未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := b.ch.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	log := logger.Named("events").With("driver", "rabbitmq", "queue", b.queue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					evt, err := Decode(msg.Body)
					if err != nil {
						log.Warn("丢弃无法解析的事件", "error", err)
						_ = msg.Nack(false, false)
						continue
					}
					if err := handler(ctx, evt); err != nil {
						_ = msg.Nack(false, !msg.Redelivered)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 channel 与连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
