package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	limiter := NewRedisLimiterWithClient(client, "", 0)
	defer limiter.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Admit(ctx, "ip:1.2.3.4", 1), "unreachable redis must not block callers")
	}
	assert.Equal(t, "agnt:rl:", limiter.prefix)
	assert.Equal(t, DefaultWindow, limiter.window)
}

func TestNewRedisLimiterRequiresAddress(t *testing.T) {
	_, err := NewRedisLimiter(context.Background(), RedisConfig{})
	require.Error(t, err)
}

// scriptedRedis 在 hook 中模拟限流脚本，记录每次调用的命令与过期时间。
type scriptedRedis struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]int64
	cmds   []string
}

func newScriptedRedis() *scriptedRedis {
	return &scriptedRedis{counts: map[string]int64{}, ttls: map[string]int64{}}
}

func (f *scriptedRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f *scriptedRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (f *scriptedRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cmds = append(f.cmds, cmd.Name())
		args := cmd.Args()
		if (cmd.Name() != "evalsha" && cmd.Name() != "eval") || len(args) < 5 {
			cmd.SetErr(fmt.Errorf("unexpected command %v", args))
			return cmd.Err()
		}
		key := fmt.Sprint(args[3])
		f.counts[key]++
		if _, ok := f.ttls[key]; !ok {
			ms, _ := strconv.ParseInt(fmt.Sprint(args[4]), 10, 64)
			f.ttls[key] = ms
		}
		cmd.(*redis.Cmd).SetVal(f.counts[key])
		return nil
	}
}

func TestRedisLimiterSetsWindowAtomically(t *testing.T) {
	fake := newScriptedRedis()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(fake)
	limiter := NewRedisLimiterWithClient(client, "t:", 2*time.Second)
	defer limiter.Close()

	ctx := context.Background()
	assert.True(t, limiter.Admit(ctx, "chat:42", 2))
	assert.True(t, limiter.Admit(ctx, "chat:42", 2))
	assert.False(t, limiter.Admit(ctx, "chat:42", 2))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.cmds, 3, "each admission is a single round trip")
	assert.Equal(t, int64(2000), fake.ttls["t:chat:42"], "window expiry travels with the first increment")
	assert.Equal(t, int64(3), fake.counts["t:chat:42"])
}
