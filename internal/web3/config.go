package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one chain backend. Type is "ton" (HTTP indexer
// API) or "evm" (JSON-RPC node).
type ChainDefinition struct {
	Type         string            `yaml:"type"`
	APIURL       string            `yaml:"api_url"`
	APIKey       string            `yaml:"api_key"`
	RPCURL       string            `yaml:"rpc_url"`
	NativeSymbol string            `yaml:"native_symbol"`
	Tokens       []TokenDefinition `yaml:"tokens"`
	Description  string            `yaml:"description"`
}

// TokenDefinition lists an ERC-20 contract whose balance is reported for
// wallets on an EVM chain.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata. An
// empty path yields no chains.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
