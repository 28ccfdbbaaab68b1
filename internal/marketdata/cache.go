package marketdata

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL 是行情快照的新鲜度窗口。
const DefaultTTL = 30 * time.Second

const refreshKey = "market"

// Quote 是单个资产的美元行情。BTC、ETH 只填充 Price。
type Quote struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
	MarketCap float64 `json:"market_cap"`
	Volume24h float64 `json:"volume_24h"`
}

// Snapshot 是一次行情采集的结果。零值表示从未成功采集过，所有价格为 0。
type Snapshot struct {
	TON        Quote     `json:"ton"`
	BTC        Quote     `json:"btc"`
	ETH        Quote     `json:"eth"`
	CapturedAt time.Time `json:"captured_at"`
}

// IsZero 判断是否为从未采集成功的零值快照。
func (s Snapshot) IsZero() bool {
	return s.CapturedAt.IsZero()
}

// Source 是行情来源。失败时返回 false，不返回错误。
type Source interface {
	Fetch(ctx context.Context) (Snapshot, bool)
}

// Cache 在进程内缓存行情快照，并把并发刷新合并为一次上游请求。
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	snapshot  Snapshot
	hasValue  bool
	fetchedAt time.Time

	group singleflight.Group
}

// CacheOption 配置 Cache。
type CacheOption func(*Cache)

// WithTTL 设置新鲜度窗口。
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache 创建行情缓存。
func NewCache(source Source, opts ...CacheOption) *Cache {
	c := &Cache{source: source, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get 返回行情快照，永不失败：
// 新鲜时直接返回缓存；过期或缺失时尝试刷新一次，刷新失败则返回上一次的快照，
// 从未成功过则返回零值快照。
func (c *Cache) Get(ctx context.Context) Snapshot {
	if snap, ok := c.fresh(); ok {
		return snap
	}

	// 刷新与单个调用方的取消解耦，其余等待者仍然可以拿到结果。
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if snap, ok := c.fresh(); ok {
			return snap, nil
		}
		return c.refresh(context.WithoutCancel(ctx)), nil
	})

	select {
	case res := <-ch:
		return res.Val.(Snapshot)
	case <-ctx.Done():
		snap, _ := c.Peek()
		return snap
	}
}

// Peek 返回最近一次成功采集的快照，不触发刷新。
func (c *Cache) Peek() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, c.hasValue
}

func (c *Cache) fresh() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hasValue && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.snapshot, true
	}
	return Snapshot{}, false
}

func (c *Cache) refresh(ctx context.Context) Snapshot {
	snap, ok := c.source.Fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.snapshot = snap
		c.hasValue = true
		c.fetchedAt = c.now()
	}
	return c.snapshot
}
