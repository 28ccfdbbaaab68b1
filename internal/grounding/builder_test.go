package grounding

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agnt-platform/internal/marketdata"
	"agnt-platform/internal/storage"
	"agnt-platform/internal/web3"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubPrices struct {
	snapshot marketdata.Snapshot
	calls    int
	gate     *barrier
}

func (s *stubPrices) Get(ctx context.Context) marketdata.Snapshot {
	s.calls++
	s.gate.arrive()
	return s.snapshot
}

func (s *stubPrices) Peek() (marketdata.Snapshot, bool) {
	return s.snapshot, !s.snapshot.IsZero()
}

type stubChain struct {
	status web3.ChainStatus
	ok     bool
	gate   *barrier
}

func (s *stubChain) InspectChain(ctx context.Context) (web3.ChainStatus, bool) {
	s.gate.arrive()
	return s.status, s.ok
}

type stubWallet struct {
	snapshot web3.WalletSnapshot
	ok       bool
	gate     *barrier
}

func (s *stubWallet) InspectWallet(ctx context.Context, address string) (web3.WalletSnapshot, bool) {
	s.gate.arrive()
	snap := s.snapshot
	snap.Address = address
	return snap, s.ok
}

// barrier 阻塞到所有参与者都到达，用于证明调用是并发发出的。
type barrier struct {
	wg sync.WaitGroup
}

func newBarrier(n int) *barrier {
	b := &barrier{}
	b.wg.Add(n)
	return b
}

func (b *barrier) arrive() {
	if b == nil {
		return
	}
	b.wg.Done()
	b.wg.Wait()
}

type stubRecaller struct {
	entries []storage.MemoryEntry
}

func (s stubRecaller) RecentMemories(ctx context.Context, agentID string, userID int64, limit int) ([]storage.MemoryEntry, error) {
	if len(s.entries) > limit {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func tonSnapshot() marketdata.Snapshot {
	return marketdata.Snapshot{
		TON:        marketdata.Quote{Price: 5, Change24h: 2, MarketCap: 12.5e9, Volume24h: 350e6},
		BTC:        marketdata.Quote{Price: 64000.4},
		ETH:        marketdata.Quote{Price: 3100.6},
		CapturedAt: fixedNow,
	}
}

func TestBuildWithoutCapabilitiesReturnsOnlyTime(t *testing.T) {
	prices := &stubPrices{snapshot: tonSnapshot()}
	b := NewBuilder(prices, &stubWallet{}, &stubChain{}, WithClock(func() time.Time { return fixedNow }))

	got := b.Build(context.Background(), Input{Agent: &storage.Agent{ID: "ag_1"}, WalletAddress: "EQabcdefghijklmnop"})
	assert.Equal(t, "[TIME] 2026-03-01T12:00:00.000Z", got)
	assert.Zero(t, prices.calls)
}

func TestBuildPriceLine(t *testing.T) {
	b := NewBuilder(&stubPrices{snapshot: tonSnapshot()}, nil, nil, WithClock(func() time.Time { return fixedNow }))
	agent := &storage.Agent{ID: "ag_1", Capabilities: storage.Capabilities{PriceData: true}}

	got := b.Build(context.Background(), Input{Agent: agent})
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[LIVE MARKET DATA] TON: $5.000 (+2.0% 24h) | MCap: $12.50B | Vol: $350.0M | BTC: $64000 | ETH: $3101", lines[0])
	assert.Contains(t, lines[0], "$5.00")
	assert.Contains(t, lines[0], "+2.0%")
}

func TestFormatPriceLineZeroSnapshot(t *testing.T) {
	assert.Equal(t, "[LIVE MARKET DATA] TON: $0.000 (+0.0% 24h) | MCap: $0.00B | Vol: $0.0M | BTC: $0 | ETH: $0",
		FormatPriceLine(marketdata.Snapshot{}))
	s := tonSnapshot()
	s.TON.Change24h = -3.25
	assert.Contains(t, FormatPriceLine(s), "(-3.2% 24h)")
}

func TestBuildFetchesConcurrently(t *testing.T) {
	gate := newBarrier(3)
	prices := &stubPrices{snapshot: tonSnapshot(), gate: gate}
	wallet := &stubWallet{ok: true, gate: gate, snapshot: web3.WalletSnapshot{
		Native: web3.TokenBalance{Symbol: "TON", Raw: big.NewInt(12_500_000_000), Decimals: 9},
		Tokens: []web3.TokenBalance{
			{Symbol: "USDT", Raw: big.NewInt(150_000_000), Decimals: 6},
			{Symbol: "NOT", Raw: big.NewInt(42_000_000_000), Decimals: 9},
		},
	}}
	chain := &stubChain{ok: true, gate: gate, status: web3.ChainStatus{BlockHeight: 41234567, Health: web3.HealthOperational}}
	b := NewBuilder(prices, wallet, chain, WithClock(func() time.Time { return fixedNow }))

	agent := &storage.Agent{ID: "ag_1", Capabilities: storage.Capabilities{PriceData: true, WalletData: true, ChainData: true}}
	done := make(chan string, 1)
	go func() {
		done <- b.Build(context.Background(), Input{Agent: agent, WalletAddress: "EQABCDEF1234567890wxyz"})
	}()

	select {
	case got := <-done:
		lines := strings.Split(got, "\n")
		require.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[0], "[LIVE MARKET DATA]"))
		assert.Equal(t, "[USER WALLET] EQABCD...wxyz | 12.50 TON ($62.50) | Tokens: USDT: 150.00, NOT: 42.00", lines[1])
		assert.Equal(t, "[ON-CHAIN] Block #41234567 | Network: operational", lines[2])
		assert.Equal(t, "[TIME] 2026-03-01T12:00:00.000Z", lines[3])
	case <-time.After(2 * time.Second):
		t.Fatal("data sources were not fetched concurrently")
	}
}

func TestBuildDegradesOnFailures(t *testing.T) {
	b := NewBuilder(&stubPrices{snapshot: tonSnapshot()}, &stubWallet{ok: false}, &stubChain{ok: false},
		WithClock(func() time.Time { return fixedNow }))
	agent := &storage.Agent{ID: "ag_1", Capabilities: storage.Capabilities{WalletData: true, ChainData: true}}

	got := b.Build(context.Background(), Input{Agent: agent, WalletAddress: "EQABCDEF1234567890wxyz"})
	assert.Equal(t, "[ON-CHAIN] Block #? | Network: unknown\n[TIME] 2026-03-01T12:00:00.000Z", got)
}

func TestBuildWalletUsesCachedPriceWhenPricesDisabled(t *testing.T) {
	wallet := &stubWallet{ok: true, snapshot: web3.WalletSnapshot{
		Native: web3.TokenBalance{Raw: big.NewInt(2_000_000_000), Decimals: 9},
	}}
	b := NewBuilder(&stubPrices{snapshot: tonSnapshot()}, wallet, nil, WithClock(func() time.Time { return fixedNow }))
	agent := &storage.Agent{ID: "ag_1", Capabilities: storage.Capabilities{WalletData: true}}

	got := b.Build(context.Background(), Input{Agent: agent, WalletAddress: "short"})
	assert.True(t, strings.HasPrefix(got, "[USER WALLET] short | 2.00 TON ($10.00)\n"), got)
}

func TestBuildMemoryRecall(t *testing.T) {
	recaller := stubRecaller{entries: []storage.MemoryEntry{{Content: "I hold 500 TON"}, {Content: "risk averse"}}}
	agent := &storage.Agent{ID: "ag_1"}

	off := NewBuilder(nil, nil, nil, WithClock(func() time.Time { return fixedNow }))
	assert.NotContains(t, off.Build(context.Background(), Input{Agent: agent, UserID: 7}), "[USER MEMORY]")

	on := NewBuilder(nil, nil, nil, WithMemoryRecall(recaller, 1), WithClock(func() time.Time { return fixedNow }))
	assert.Contains(t, on.Build(context.Background(), Input{Agent: agent, UserID: 7}), "[USER MEMORY] I hold 500 TON\n")
	assert.NotContains(t, on.Build(context.Background(), Input{Agent: agent}), "[USER MEMORY]")
}

func TestToolsUsed(t *testing.T) {
	agent := &storage.Agent{Capabilities: storage.Capabilities{PriceData: true, WalletData: true, ChainData: true}}
	assert.Equal(t, []string{ToolPrices, ToolChain}, ToolsUsed(agent, ""))
	assert.Equal(t, []string{ToolPrices, ToolWallet, ToolChain}, ToolsUsed(agent, "EQx"))
	assert.Empty(t, ToolsUsed(&storage.Agent{}, "EQx"))
}
