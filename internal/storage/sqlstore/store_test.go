package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/storage"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	ids, err := storage.NewIDGenerator(3)
	require.NoError(t, err)
	store, err := Open(context.Background(), Config{
		Driver:      "sqlite3",
		DSN:         filepath.Join(t.TempDir(), "agnt.db"),
		AutoMigrate: true,
	}, ids)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	store := openSQLite(t)
	require.NoError(t, store.Migrate(context.Background()))

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteAgentLifecycle(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()

	core := &storage.Agent{ID: storage.CoreAgentID, Name: "AGNT", SystemPrompt: "core", IsCore: true, IsPublic: true,
		Capabilities: storage.Capabilities{PriceData: true, WalletData: true, ChainData: true}, Tags: []string{"platform"}}
	inserted, err := store.InsertAgentIfAbsent(ctx, core)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.InsertAgentIfAbsent(ctx, &storage.Agent{ID: storage.CoreAgentID, Name: "other"})
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{ID: "ag_1", Name: "Whale", SystemPrompt: "p", IsPublic: true,
		Tags: []string{"trading", "whales"}}))
	err = store.CreateAgent(ctx, &storage.Agent{ID: "ag_1", Name: "dup"})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	name := "nope"
	_, err = store.UpdateAgent(ctx, storage.CoreAgentID, storage.AgentPatch{Name: &name})
	assert.Equal(t, xerrors.CodeForbidden, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CodeForbidden, xerrors.CodeOf(store.DeleteAgent(ctx, storage.CoreAgentID)))

	got, err := store.GetAgent(ctx, storage.CoreAgentID)
	require.NoError(t, err)
	assert.Equal(t, "AGNT", got.Name)
	assert.True(t, got.Capabilities.ChainData)
	assert.Equal(t, []string{"platform"}, got.Tags)

	wallet := true
	updated, err := store.UpdateAgent(ctx, "ag_1", storage.AgentPatch{WalletData: &wallet})
	require.NoError(t, err)
	assert.True(t, updated.Capabilities.WalletData)

	require.NoError(t, store.IncrementQueries(ctx, "ag_1"))
	require.NoError(t, store.IncrementQueries(ctx, "ag_1"))
	assert.ErrorIs(t, store.IncrementQueries(ctx, "missing"), storage.ErrAgentNotFound)

	list, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, storage.CoreAgentID, list[0].ID)

	list, err = store.ListAgents(ctx, storage.WithSort(storage.SortPopular))
	require.NoError(t, err)
	assert.Equal(t, "ag_1", list[0].ID)
	assert.EqualValues(t, 2, list[0].TotalQueries)

	list, err = store.ListAgents(ctx, storage.WithTag("WHALE"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ag_1", list[0].ID)

	require.NoError(t, store.DeleteAgent(ctx, "ag_1"))
	_, err = store.GetAgent(ctx, "ag_1")
	assert.ErrorIs(t, err, storage.ErrAgentNotFound)
}

func TestSQLiteRatingsAndFollows(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{ID: "ag_1", Name: "x", IsPublic: true}))

	_, _, err := store.RateAgent(ctx, "ag_1", 1, 5)
	require.NoError(t, err)
	_, _, err = store.RateAgent(ctx, "ag_1", 2, 3)
	require.NoError(t, err)
	sum, count, err := store.RateAgent(ctx, "ag_1", 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 4, sum)
	assert.EqualValues(t, 2, count)

	agent, err := store.GetAgent(ctx, "ag_1")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, agent.Rating(), 1e-9)

	following, err := store.ToggleFollow(ctx, 5, "ag_1")
	require.NoError(t, err)
	assert.True(t, following)
	followers, err := store.Followers(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, followers)
	following, err = store.ToggleFollow(ctx, 5, "ag_1")
	require.NoError(t, err)
	assert.False(t, following)

	_, err = store.ToggleFollow(ctx, 5, "missing")
	assert.ErrorIs(t, err, storage.ErrAgentNotFound)
}

func TestSQLiteMemoryCapAndFeed(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{ID: "ag_1", Name: "Whale", Icon: "🐋", IsPublic: true}))

	for i := 1; i <= 11; i++ {
		require.NoError(t, store.AppendMemory(ctx, &storage.MemoryEntry{AgentID: "ag_1", UserID: 7, Content: fmt.Sprintf("m%d", i)}, 10))
	}
	memories, err := store.RecentMemories(ctx, "ag_1", 7, 0)
	require.NoError(t, err)
	require.Len(t, memories, 10)
	assert.Equal(t, "m11", memories[0].Content)
	assert.Equal(t, "m2", memories[9].Content)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.PublishFeed(ctx, &storage.FeedItem{AgentID: "ag_1", Content: fmt.Sprintf("c%d", i),
			ToolsUsed: []string{"Live Prices"}, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	page, err := store.ListFeed(ctx, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c2", page[0].Content)
	assert.Equal(t, "Whale", page[0].AgentName)
	assert.Equal(t, []string{"Live Prices"}, page[0].ToolsUsed)

	page, err = store.ListFeed(ctx, page[1].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c0", page[0].Content)

	likes, err := store.LikeFeed(ctx, page[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, likes)
	_, err = store.LikeFeed(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrFeedItemNotFound)
}

func TestSQLiteUsersAndProfile(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()

	user, err := store.UpsertUser(ctx, &storage.User{TelegramID: "100", Username: "alice", FirstName: "Alice"})
	require.NoError(t, err)
	again, err := store.UpsertUser(ctx, &storage.User{TelegramID: "100", Username: "alice2"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, "alice2", again.Username)
	assert.Equal(t, "Alice", again.FirstName)

	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{ID: "ag_1", Name: "x", CreatorID: user.ID}))
	require.NoError(t, store.AppendQuery(ctx, &storage.QueryLogEntry{AgentID: "ag_1", UserID: user.ID, Message: "hi",
		Response: "yo", ToolsUsed: []string{"Live Prices", "On-Chain Data"}}))

	profile, err := store.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, profile.AgentsCreated)
	assert.EqualValues(t, 1, profile.TotalQueries)

	_, err = store.GetProfile(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Stats{Agents: 1, Users: 1}, stats)

	list, err := store.ListAgents(ctx, storage.WithCreator(user.ID))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDialectFor(t *testing.T) {
	d, err := dialectFor("SQLite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.name)
	_, err = dialectFor("postgres")
	assert.Error(t, err)
}
