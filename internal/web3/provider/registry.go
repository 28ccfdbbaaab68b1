package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"agnt-platform/internal/config"
	"agnt-platform/internal/web3"
	"agnt-platform/internal/web3/ethereum"
	"agnt-platform/internal/web3/tonapi"
)

// Registry manages the chain inspectors keyed by human readable names.
type Registry struct {
	defaultChain string
	inspectors   map[string]web3.Inspector
}

// NewRegistry loads chain definitions and instantiates concrete inspectors.
// Without any definitions it falls back to the public TON API.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	inspectors := make(map[string]web3.Inspector)
	for name, chain := range defs.Chains {
		inspector, err := build(ctx, name, chain, cfg)
		if err != nil {
			closeAll(inspectors)
			return nil, err
		}
		inspectors[name] = inspector
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(inspectors) == 0 {
		if defaultChain == "" {
			defaultChain = "ton"
		}
		inspectors[defaultChain] = tonapi.NewClient(tonapi.Config{Name: defaultChain, Timeout: cfg.Timeout})
	}
	if defaultChain == "" {
		names := sortedNames(inspectors)
		defaultChain = names[0]
	}
	if _, ok := inspectors[defaultChain]; !ok {
		closeAll(inspectors)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, inspectors: inspectors}, nil
}

// NewStaticRegistry wraps already constructed inspectors.
func NewStaticRegistry(defaultChain string, inspectors map[string]web3.Inspector) (*Registry, error) {
	if _, ok := inspectors[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, inspectors: inspectors}, nil
}

func build(ctx context.Context, name string, chain web3.ChainDefinition, cfg config.Web3Config) (web3.Inspector, error) {
	chainType := strings.ToLower(strings.TrimSpace(chain.Type))
	switch chainType {
	case "ton":
		return tonapi.NewClient(tonapi.Config{
			Name:    name,
			BaseURL: chain.APIURL,
			APIKey:  chain.APIKey,
			Timeout: cfg.Timeout,
		}), nil
	case "", "evm":
		tokens := make([]ethereum.Token, 0, len(chain.Tokens))
		for _, tok := range chain.Tokens {
			if !common.IsHexAddress(tok.Address) {
				return nil, fmt.Errorf("链 %s 的代币 %s 地址无效", name, tok.Symbol)
			}
			tokens = append(tokens, ethereum.Token{
				Symbol:   tok.Symbol,
				Address:  common.HexToAddress(tok.Address),
				Decimals: tok.Decimals,
			})
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:         name,
			RPCURL:       chain.RPCURL,
			NativeSymbol: chain.NativeSymbol,
			Tokens:       tokens,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
	}
}

// Default returns the inspector configured as default chain.
func (r *Registry) Default() (web3.Inspector, error) {
	if r == nil {
		return nil, errors.New("未初始化的链注册表")
	}
	inspector, ok := r.inspectors[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return inspector, nil
}

// DefaultName returns the default chain name.
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Inspector returns the inspector identified by name.
func (r *Registry) Inspector(name string) (web3.Inspector, bool) {
	if r == nil {
		return nil, false
	}
	inspector, ok := r.inspectors[name]
	return inspector, ok
}

// Chains returns the registered chain names in order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.inspectors)
}

// Close releases all inspectors managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.inspectors)
}

func closeAll(inspectors map[string]web3.Inspector) {
	for name, inspector := range inspectors {
		if inspector != nil {
			inspector.Close()
		}
		delete(inspectors, name)
	}
}

func sortedNames(inspectors map[string]web3.Inspector) []string {
	names := make([]string, 0, len(inspectors))
	for name := range inspectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
