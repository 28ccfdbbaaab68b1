package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agnt-platform/internal/config"
	"agnt-platform/internal/web3/tonapi"
)

func TestNewRegistryFallsBackToTON(t *testing.T) {
	reg, err := NewRegistry(context.Background(), config.Web3Config{})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, "ton", reg.DefaultName())
	inspector, err := reg.Default()
	require.NoError(t, err)
	_, isTON := inspector.(*tonapi.Client)
	assert.True(t, isTON)
}

func TestNewRegistryFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chains:
  ton:
    type: ton
    api_url: https://tonapi.example
  testnet:
    type: ton
    api_url: https://testnet.tonapi.example
`), 0o600))

	reg, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "testnet"})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"testnet", "ton"}, reg.Chains())
	_, ok := reg.Inspector("ton")
	assert.True(t, ok)
	assert.Equal(t, "testnet", reg.DefaultName())
}

func TestNewRegistryRejectsUnknownDefaultAndType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  ton:\n    type: ton\n"), 0o600))
	_, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "solana"})
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("chains:\n  sol:\n    type: solana\n"), 0o600))
	_, err = NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	require.ErrorContains(t, err, "不支持的类型")
}
