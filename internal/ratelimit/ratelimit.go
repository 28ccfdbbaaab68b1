package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agnt-platform/pkg/logger"
)

// DefaultWindow 是固定窗口的长度。
const DefaultWindow = time.Minute

// DefaultSweepInterval 是过期窗口的回收周期。
const DefaultSweepInterval = 5 * time.Minute

// Limiter 定义按 key 的准入控制。拒绝是即时且最终的，调用方需要稍后重试。
type Limiter interface {
	Admit(ctx context.Context, key string, maxPerWindow int) bool
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter 是单进程内的固定窗口限流器，不跨实例协调。
type MemoryLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	length   time.Duration
	interval time.Duration
	now      func() time.Time
	sweeping atomic.Bool
}

// Option 配置 MemoryLimiter。
type Option func(*MemoryLimiter)

// WithWindow 设置窗口长度。
func WithWindow(d time.Duration) Option {
	return func(l *MemoryLimiter) {
		if d > 0 {
			l.length = d
		}
	}
}

// WithSweepInterval 设置后台回收周期。
func WithSweepInterval(d time.Duration) Option {
	return func(l *MemoryLimiter) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewMemoryLimiter 创建内存限流器。
func NewMemoryLimiter(opts ...Option) *MemoryLimiter {
	l := &MemoryLimiter{
		windows:  make(map[string]*window),
		length:   DefaultWindow,
		interval: DefaultSweepInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Admit 判断 key 在当前窗口内是否仍有额度。窗口过期的判断总是先于计数读写。
func (l *MemoryLimiter) Admit(_ context.Context, key string, maxPerWindow int) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.length)}
		return maxPerWindow >= 1
	}
	if w.count >= maxPerWindow {
		return false
	}
	w.count++
	return true
}

// Len 返回当前跟踪的 key 数量。
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep 删除窗口已过期的条目并返回删除数量。并发调用时只有一个会真正执行。
func (l *MemoryLimiter) Sweep() int {
	if !l.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer l.sweeping.Store(false)

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Start 按固定周期回收过期窗口，直到 ctx 结束。
func (l *MemoryLimiter) Start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log := logger.Named("ratelimit")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Debug("回收过期限流窗口", slog.Int("removed", n))
			}
		}
	}
}
