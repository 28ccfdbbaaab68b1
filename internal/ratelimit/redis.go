package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"agnt-platform/pkg/logger"
)

// admitScript 原子地计数，键没有过期时间时设置窗口。
var admitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisConfig 描述 Redis 限流后端的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Window   time.Duration
}

// RedisLimiter 在多个实例之间共享固定窗口计数。Redis 不可用时放行请求。
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedisLimiter 建立 Redis 连接并返回限流器。
func NewRedisLimiter(ctx context.Context, cfg RedisConfig) (*RedisLimiter, error) {
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
	return NewRedisLimiterWithClient(client, cfg.Prefix, cfg.Window), nil
}

// NewRedisLimiterWithClient 复用已有的 Redis 客户端。
func NewRedisLimiterWithClient(client redis.UniversalClient, prefix string, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "agnt:rl:"
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{client: client, prefix: prefix, window: window}
}

// Admit 在一个脚本内完成 INCR 与 PEXPIRE，窗口从首次计数开始。
func (l *RedisLimiter) Admit(ctx context.Context, key string, maxPerWindow int) bool {
	count, err := admitScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64()
	if err != nil {
		logger.Named("ratelimit").Warn("Redis 限流计数失败，放行请求", slog.String("key", key), slog.Any("error", err))
		return true
	}
	return count <= int64(maxPerWindow)
}

// Close 关闭 Redis 连接。
func (l *RedisLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
