package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 25*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 600, cfg.LLM.MaxTokens)
	assert.Equal(t, 30*time.Second, cfg.Market.TTL)
	assert.Equal(t, 30, cfg.RateLimit.ChatPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.SweepInterval)
	assert.Equal(t, 6, cfg.Memory.HistoryTurns)
	assert.Equal(t, 1000, cfg.Memory.MaxChats)
	assert.Equal(t, 10, cfg.Memory.LongTermLimit)
	assert.Equal(t, 0, cfg.Memory.RecallLimit)
	assert.InDelta(t, 0.3, cfg.Feed.Probability, 1e-9)
	assert.Equal(t, 100, cfg.Feed.MinRunes)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agntd.yaml")
	content := `
server:
  address: ":9090"
storage:
  driver: sqlite3
web3:
  chain_config: chains.yaml
catalog:
  source: templates.yaml
rate_limit:
  chat_per_window: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("AGNT_LLM_PROVIDER", "openai")
	t.Setenv("AGNT_LLM_OPENAI_API_KEY", "sk-test")
	t.Setenv("AGNT_FEED_PROBABILITY", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, filepath.Join(dir, "data", "agnt.db"), cfg.Storage.DSN)
	assert.Equal(t, filepath.Join(dir, "chains.yaml"), cfg.Web3.ChainConfig)
	assert.Equal(t, filepath.Join(dir, "templates.yaml"), cfg.Catalog.Source)
	assert.Equal(t, 5, cfg.RateLimit.ChatPerWindow)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.ResolveAPIKey())
	assert.InDelta(t, 0.5, cfg.Feed.Probability, 1e-9)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	t.Setenv("AGNT_EVENTS_DRIVER", "kafka")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("AGNT_EVENTS_DRIVER", "memory")
	t.Setenv("AGNT_STORAGE_DRIVER", "mysql")
	_, err = Load("")
	require.ErrorContains(t, err, "storage.dsn")
}

func TestResolveAPIKeyFromEnv(t *testing.T) {
	t.Setenv("MY_KEY", " secret ")
	p := ProviderConfig{APIKeyEnv: "MY_KEY"}
	assert.Equal(t, "secret", p.ResolveAPIKey())
	p.APIKey = "explicit"
	assert.Equal(t, "explicit", p.ResolveAPIKey())
}

func TestResolveRelaySecret(t *testing.T) {
	t.Setenv("RELAY_SECRET", " from-env ")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.ResolveRelaySecret())

	cfg.Auth.RelaySecret = "inline"
	assert.Equal(t, "inline", cfg.Auth.ResolveRelaySecret())
	assert.Empty(t, AuthConfig{}.ResolveRelaySecret())
}
