package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"agnt-platform/internal/web3"
	"agnt-platform/pkg/logger"
)

const (
	nativeDecimals = 18
	erc20ABI       = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`
)

var balanceOfABI = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Token is an ERC-20 contract tracked for wallet inspection.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
}

// Config describes how to construct an EVM inspector.
type Config struct {
	Name         string
	RPCURL       string
	NativeSymbol string
	Tokens       []Token
}

// backend is the subset of ethclient used by the inspector.
type backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SyncProgress(ctx context.Context) (*gethcore.SyncProgress, error)
}

// Client implements web3.Inspector for EVM compatible chains.
type Client struct {
	name         string
	nativeSymbol string
	tokens       []Token
	rpcClient    *gethrpc.Client
	eth          backend
	mu           sync.Mutex
}

var _ web3.Inspector = (*Client)(nil)

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	c := newWithBackend(cfg, ethclient.NewClient(rpcClient))
	c.rpcClient = rpcClient
	return c, nil
}

func newWithBackend(cfg Config, eth backend) *Client {
	symbol := strings.TrimSpace(cfg.NativeSymbol)
	if symbol == "" {
		symbol = "ETH"
	}
	name := cfg.Name
	if name == "" {
		name = "evm"
	}
	return &Client{name: name, nativeSymbol: symbol, tokens: cfg.Tokens, eth: eth}
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// InspectWallet reads the native balance and every configured ERC-20 balance
// concurrently. Token lookups that fail are skipped.
func (c *Client) InspectWallet(ctx context.Context, address string) (web3.WalletSnapshot, bool) {
	if !common.IsHexAddress(address) {
		return web3.WalletSnapshot{}, false
	}
	account := common.HexToAddress(address)
	log := logger.Named("ethereum").With(slog.String("chain", c.name))

	var (
		native *big.Int
		mu     sync.Mutex
		tokens []web3.TokenBalance
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		balance, err := c.eth.BalanceAt(gctx, account, nil)
		if err != nil {
			return fmt.Errorf("获取账户余额失败: %w", err)
		}
		native = balance
		return nil
	})
	for _, token := range c.tokens {
		g.Go(func() error {
			raw, err := c.tokenBalance(gctx, token.Address, account)
			if err != nil {
				log.Debug("代币余额不可用", slog.String("symbol", token.Symbol), slog.Any("error", err))
				return nil
			}
			mu.Lock()
			tokens = append(tokens, web3.TokenBalance{Symbol: token.Symbol, Raw: raw, Decimals: token.Decimals})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug("钱包数据不可用", slog.Any("error", err))
		return web3.WalletSnapshot{}, false
	}

	return web3.WalletSnapshot{
		Address: account.Hex(),
		Native:  web3.TokenBalance{Symbol: c.nativeSymbol, Raw: native, Decimals: nativeDecimals},
		Tokens:  web3.RankTokens(tokens),
	}, true
}

func (c *Client) tokenBalance(ctx context.Context, contract, owner common.Address) (*big.Int, error) {
	input, err := balanceOfABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	values, err := balanceOfABI.Unpack("balanceOf", output)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output length %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", values[0])
	}
	return balance, nil
}

// InspectChain reports the latest block and whether the node is still syncing.
func (c *Client) InspectChain(ctx context.Context) (web3.ChainStatus, bool) {
	status := web3.ChainStatus{Network: c.name, Health: web3.HealthUnknown}
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		logger.Named("ethereum").Debug("获取最新区块高度失败", slog.String("chain", c.name), slog.Any("error", err))
		return status, false
	}
	status.BlockHeight = height

	progress, err := c.eth.SyncProgress(ctx)
	switch {
	case err != nil:
		status.Health = web3.HealthUnknown
	case progress != nil:
		status.Health = web3.HealthSyncing
	default:
		status.Health = web3.HealthOperational
	}
	return status, true
}
