package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	calls atomic.Int32
	mu    sync.Mutex
	snap  Snapshot
	ok    bool
	gate  chan struct{}
}

func (s *stubSource) Fetch(ctx context.Context) (Snapshot, bool) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.ok
}

func (s *stubSource) set(snap Snapshot, ok bool) {
	s.mu.Lock()
	s.snap, s.ok = snap, ok
	s.mu.Unlock()
}

func tonSnapshot(price float64) Snapshot {
	return Snapshot{
		TON:        Quote{Price: price, Change24h: 2, MarketCap: 12e9, Volume24h: 300e6},
		BTC:        Quote{Price: 65000},
		ETH:        Quote{Price: 3200},
		CapturedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCacheServesFreshValueWithoutRefetch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &stubSource{}
	src.set(tonSnapshot(5), true)
	cache := NewCache(src, WithClock(func() time.Time { return now }))

	first := cache.Get(context.Background())
	now = now.Add(29 * time.Second)
	second := cache.Get(context.Background())

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestCacheServesStaleValueWhenRefreshFails(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &stubSource{}
	src.set(tonSnapshot(5), true)
	cache := NewCache(src, WithClock(func() time.Time { return now }))

	first := cache.Get(context.Background())
	src.set(Snapshot{}, false)
	now = now.Add(31 * time.Second)

	stale := cache.Get(context.Background())
	assert.Equal(t, first, stale)
	assert.EqualValues(t, 2, src.calls.Load())

	// 刷新失败不更新时间戳，下次调用继续尝试。
	cache.Get(context.Background())
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestCacheReturnsZeroSnapshotBeforeFirstSuccess(t *testing.T) {
	src := &stubSource{}
	cache := NewCache(src)

	snap := cache.Get(context.Background())
	assert.True(t, snap.IsZero())
	assert.Zero(t, snap.TON.Price)
	_, ok := cache.Peek()
	assert.False(t, ok)
}

func TestCacheCollapsesConcurrentRefreshes(t *testing.T) {
	src := &stubSource{gate: make(chan struct{})}
	src.set(tonSnapshot(5), true)
	cache := NewCache(src)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]Snapshot, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// 给其余调用方时间进入等待。
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.EqualValues(t, 1, src.calls.Load())
	for _, r := range results {
		assert.Equal(t, 5.0, r.TON.Price)
	}
}

func TestCacheCallerCancellationDoesNotAbortRefresh(t *testing.T) {
	src := &stubSource{gate: make(chan struct{})}
	src.set(tonSnapshot(7), true)
	cache := NewCache(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Snapshot)
	go func() { done <- cache.Get(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.True(t, (<-done).IsZero())

	close(src.gate)
	require.Eventually(t, func() bool {
		_, ok := cache.Peek()
		return ok
	}, time.Second, time.Millisecond)
}

func TestCoinGeckoFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "the-open-network,bitcoin,ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "demo", r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`{
			"the-open-network": {"usd": 5.0, "usd_24h_change": 2.0, "usd_market_cap": 12500000000, "usd_24h_vol": 310000000},
			"bitcoin": {"usd": 65000.4},
			"ethereum": {"usd": 3200.6}
		}`))
	}))
	defer srv.Close()

	client := NewCoinGecko(Config{BaseURL: srv.URL, APIKey: "demo"})
	snap, ok := client.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, 5.0, snap.TON.Price)
	assert.Equal(t, 2.0, snap.TON.Change24h)
	assert.Equal(t, 12.5e9, snap.TON.MarketCap)
	assert.Equal(t, 65000.4, snap.BTC.Price)
	assert.False(t, snap.IsZero())
}

func TestCoinGeckoUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewCoinGecko(Config{BaseURL: srv.URL})
	_, ok := client.Fetch(context.Background())
	assert.False(t, ok)

	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bitcoin":`))
	}))
	defer malformed.Close()
	_, ok = NewCoinGecko(Config{BaseURL: malformed.URL}).Fetch(context.Background())
	assert.False(t, ok)
}
