package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/pkg/logger"
)

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisBus 使用 Redis list 跨实例传递事件。
type RedisBus struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
}

// NewRedisBus 建立连接并返回总线。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisBusWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisBusWithClient 复用已有客户端。
func NewRedisBusWithClient(client redis.UniversalClient, queue string, wait time.Duration) *RedisBus {
	if queue == "" {
		queue = "agnt:feed-events"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, queue: queue, wait: wait}
}

// Publish 把事件 LPUSH 到队列。
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	payload, err := Encode(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 消费事件，处理失败时重新投递到队尾。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("events").With("driver", "redis", "queue", b.queue)
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := b.client.BRPop(ctx, b.wait, b.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				evt, err := Decode([]byte(values[1]))
				if err != nil {
					log.Warn("丢弃无法解析的事件", "error", err)
					continue
				}
				if handlerErr := handler(ctx, evt); handlerErr != nil {
					_ = b.client.RPush(ctx, b.queue, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
