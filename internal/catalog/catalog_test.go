package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agnt-platform/internal/storage"
)

func TestDefaultCatalog(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)
	require.Len(t, cat.Templates, 6)

	core := cat.CoreAgent()
	assert.Equal(t, storage.CoreAgentID, core.ID)
	assert.True(t, core.IsCore)
	assert.Zero(t, core.PricePerQuery)
	assert.Equal(t, storage.Capabilities{PriceData: true, WalletData: true, ChainData: true}, core.Capabilities)
	assert.True(t, strings.HasPrefix(core.SystemPrompt, "You are AGNT"))

	whale := cat.Templates[0].Agent()
	assert.Equal(t, "tmpl_whale", whale.ID)
	assert.Contains(t, whale.SystemPrompt, "\n\n[KNOWLEDGE]\nKey whale indicators")
	assert.True(t, whale.Capabilities.ChainData)
	assert.False(t, whale.Capabilities.WalletData)
	assert.False(t, whale.IsCore)
}

func TestLoadJSONKeepsBuiltinCore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"templates":[{"id":"tmpl_a","name":"A","prompt":"p","tools":{"prices":true},"price":0.05,"tags":["x"]}]}`), 0o600))

	cat, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cat.Templates, 1)
	assert.Equal(t, "AGNT", cat.CoreAgent().Name)
	assert.Equal(t, 0.05, cat.Templates[0].Agent().PricePerQuery)
}

func TestLoadRejectsInvalidTemplates(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing.yaml": "templates:\n  - id: a\n    name: A\n",
		"core.yaml":    "templates:\n  - {id: agnt_core, name: X, prompt: p}\n",
		"dup.yaml":     "templates:\n  - {id: a, name: A, prompt: p}\n  - {id: a, name: B, prompt: q}\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := Load(path)
		assert.Error(t, err, name)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ids, err := storage.NewIDGenerator(1)
	require.NoError(t, err)
	store := storage.NewMemoryStore(ids)
	cat, err := Default()
	require.NoError(t, err)

	n, err := Seed(context.Background(), store, cat)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = Seed(context.Background(), store, cat)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := store.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 7)
	assert.Equal(t, storage.CoreAgentID, list[0].ID)
}
