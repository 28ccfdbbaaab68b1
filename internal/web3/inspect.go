package web3

import (
	"context"
	"math/big"
	"sort"
	"strings"
)

// MaxWalletTokens caps the token holdings reported for a wallet.
const MaxWalletTokens = 8

// Chain health values reported by ChainStatus.Health.
const (
	HealthOperational = "operational"
	HealthSyncing     = "syncing"
	HealthUnknown     = "unknown"
)

// TokenBalance is a raw on-chain integer amount together with the decimals
// needed to display it.
type TokenBalance struct {
	Symbol   string
	Raw      *big.Int
	Decimals int
}

// Amount returns the balance scaled by its decimals.
func (t TokenBalance) Amount() *big.Float {
	if t.Raw == nil {
		return new(big.Float)
	}
	value := new(big.Float).SetInt(t.Raw)
	if t.Decimals <= 0 {
		return value
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil))
	return value.Quo(value, scale)
}

// Float64 is Amount rounded to the nearest float64.
func (t TokenBalance) Float64() float64 {
	f, _ := t.Amount().Float64()
	return f
}

// WalletSnapshot is the live state of one address. It is never cached.
type WalletSnapshot struct {
	Address string
	Native  TokenBalance
	Tokens  []TokenBalance
}

// ChainStatus is a coarse liveness view of the network.
type ChainStatus struct {
	Network     string
	BlockHeight uint64
	Health      string
}

// WalletInspector looks up balances for an address. A false result means the
// data source was unavailable; callers treat it as absence, not failure.
type WalletInspector interface {
	InspectWallet(ctx context.Context, address string) (WalletSnapshot, bool)
}

// ChainInspector reports chain liveness with the same absence semantics.
type ChainInspector interface {
	InspectChain(ctx context.Context) (ChainStatus, bool)
}

// Inspector is implemented by every chain backend.
type Inspector interface {
	WalletInspector
	ChainInspector
	Close()
}

// RankTokens drops holdings without a resolvable symbol, orders the rest by
// displayed amount descending and keeps at most MaxWalletTokens.
func RankTokens(tokens []TokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(tokens))
	for _, t := range tokens {
		sym := strings.TrimSpace(t.Symbol)
		if sym == "" || sym == "?" || t.Raw == nil {
			continue
		}
		t.Symbol = sym
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Amount().Cmp(out[j].Amount()) > 0
	})
	if len(out) > MaxWalletTokens {
		out = out[:MaxWalletTokens]
	}
	return out
}
