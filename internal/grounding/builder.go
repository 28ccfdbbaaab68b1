package grounding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agnt-platform/internal/marketdata"
	"agnt-platform/internal/storage"
	"agnt-platform/internal/web3"
	"agnt-platform/pkg/logger"
)

// 工具标签，按固定顺序返回给调用方。
const (
	ToolPrices = "Live Prices"
	ToolWallet = "Wallet Data"
	ToolChain  = "On-Chain Data"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// PriceSource 提供带缓存的行情快照，由 *marketdata.Cache 实现。
type PriceSource interface {
	Get(ctx context.Context) marketdata.Snapshot
	Peek() (marketdata.Snapshot, bool)
}

// MemoryRecaller 读取用户的长期记忆。
type MemoryRecaller interface {
	RecentMemories(ctx context.Context, agentID string, userID int64, limit int) ([]storage.MemoryEntry, error)
}

// Input 描述一次上下文构建。
type Input struct {
	Agent         *storage.Agent
	WalletAddress string
	// UserID 仅用于记忆回放，0 表示匿名。
	UserID int64
}

// Builder 并发拉取各数据源并拼接上下文。
type Builder struct {
	prices      PriceSource
	wallets     web3.WalletInspector
	chain       web3.ChainInspector
	memories    MemoryRecaller
	recallLimit int
	now         func() time.Time
	logger      *slog.Logger
}

// Option 配置 Builder。
type Option func(*Builder)

// WithMemoryRecall 开启长期记忆回放，limit<=0 时保持只写不读。
func WithMemoryRecall(repo MemoryRecaller, limit int) Option {
	return func(b *Builder) {
		b.memories = repo
		b.recallLimit = limit
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuilder 创建 Builder。任一数据源为 nil 时对应的行会按不可用处理。
func NewBuilder(prices PriceSource, wallets web3.WalletInspector, chain web3.ChainInspector, opts ...Option) *Builder {
	b := &Builder{
		prices:  prices,
		wallets: wallets,
		chain:   chain,
		now:     time.Now,
		logger:  logger.Named("grounding"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// ToolsUsed 返回本次查询会使用的工具标签。钱包工具只在提供地址时计入。
func ToolsUsed(agent *storage.Agent, walletAddress string) []string {
	tools := make([]string, 0, 3)
	if agent == nil {
		return tools
	}
	if agent.Capabilities.PriceData {
		tools = append(tools, ToolPrices)
	}
	if agent.Capabilities.WalletData && strings.TrimSpace(walletAddress) != "" {
		tools = append(tools, ToolWallet)
	}
	if agent.Capabilities.ChainData {
		tools = append(tools, ToolChain)
	}
	return tools
}

// Build 组装上下文。价格、钱包、链状态与记忆并发获取，总耗时取决于最慢的数据源。
func (b *Builder) Build(ctx context.Context, in Input) string {
	var (
		caps    storage.Capabilities
		agentID string
	)
	if in.Agent != nil {
		caps = in.Agent.Capabilities
		agentID = in.Agent.ID
	}
	wallet := strings.TrimSpace(in.WalletAddress)

	var (
		snapshot    marketdata.Snapshot
		hasSnapshot bool
		walletSnap  web3.WalletSnapshot
		walletOK    bool
		status      web3.ChainStatus
		chainOK     bool
		memories    []storage.MemoryEntry
	)

	var g errgroup.Group
	if caps.PriceData && b.prices != nil {
		g.Go(func() error {
			snapshot, hasSnapshot = b.prices.Get(ctx), true
			return nil
		})
	}
	if caps.WalletData && wallet != "" && b.wallets != nil {
		g.Go(func() error {
			walletSnap, walletOK = b.wallets.InspectWallet(ctx, wallet)
			if !walletOK {
				b.logger.Debug("钱包数据不可用，省略该行", "agent_id", agentID)
			}
			return nil
		})
	}
	if caps.ChainData && b.chain != nil {
		g.Go(func() error {
			status, chainOK = b.chain.InspectChain(ctx)
			if !chainOK {
				b.logger.Debug("链状态不可用，使用降级内容", "agent_id", agentID)
			}
			return nil
		})
	}
	if b.memories != nil && b.recallLimit > 0 && in.UserID != 0 && agentID != "" {
		g.Go(func() error {
			entries, err := b.memories.RecentMemories(ctx, agentID, in.UserID, b.recallLimit)
			if err != nil {
				b.logger.Warn("读取长期记忆失败", "agent_id", agentID, "error", err)
				return nil
			}
			memories = entries
			return nil
		})
	}
	_ = g.Wait()

	lines := make([]string, 0, 5)
	if caps.PriceData {
		lines = append(lines, FormatPriceLine(snapshot))
	}
	if walletOK {
		price := snapshot.TON.Price
		if !hasSnapshot && b.prices != nil {
			if cached, ok := b.prices.Peek(); ok {
				price = cached.TON.Price
			}
		}
		lines = append(lines, FormatWalletLine(walletSnap, price))
	}
	if caps.ChainData {
		lines = append(lines, FormatChainLine(status, chainOK))
	}
	if len(memories) > 0 {
		lines = append(lines, FormatMemoryLine(memories))
	}
	lines = append(lines, "[TIME] "+b.now().UTC().Format(timeLayout))
	return strings.Join(lines, "\n")
}

// FormatPriceLine 渲染行情行，零值快照也能安全渲染。
func FormatPriceLine(s marketdata.Snapshot) string {
	return fmt.Sprintf("[LIVE MARKET DATA] TON: $%.3f (%+.1f%% 24h) | MCap: $%.2fB | Vol: $%.1fM | BTC: $%.0f | ETH: $%.0f",
		s.TON.Price, s.TON.Change24h, s.TON.MarketCap/1e9, s.TON.Volume24h/1e6, s.BTC.Price, s.ETH.Price)
}

// FormatWalletLine 渲染钱包行，tonPrice 用于估算原生币的美元价值。
func FormatWalletLine(w web3.WalletSnapshot, tonPrice float64) string {
	symbol := w.Native.Symbol
	if symbol == "" {
		symbol = "TON"
	}
	balance := w.Native.Float64()

	var sb strings.Builder
	fmt.Fprintf(&sb, "[USER WALLET] %s | %.2f %s ($%.2f)", shortAddress(w.Address), balance, symbol, balance*tonPrice)
	if len(w.Tokens) > 0 {
		parts := make([]string, 0, len(w.Tokens))
		for _, t := range w.Tokens {
			parts = append(parts, fmt.Sprintf("%s: %.2f", t.Symbol, t.Float64()))
		}
		sb.WriteString(" | Tokens: ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	return sb.String()
}

// FormatChainLine 渲染链状态行。
func FormatChainLine(status web3.ChainStatus, ok bool) string {
	if !ok {
		return "[ON-CHAIN] Block #? | Network: " + web3.HealthUnknown
	}
	health := status.Health
	if health == "" {
		health = web3.HealthUnknown
	}
	return fmt.Sprintf("[ON-CHAIN] Block #%d | Network: %s", status.BlockHeight, health)
}

// FormatMemoryLine 渲染长期记忆，最新的在前。
func FormatMemoryLine(entries []storage.MemoryEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if c := strings.TrimSpace(e.Content); c != "" {
			parts = append(parts, c)
		}
	}
	return "[USER MEMORY] " + strings.Join(parts, " | ")
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
