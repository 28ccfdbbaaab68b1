package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "agnt-platform/internal/errors"
)

type ratingKey struct {
	agentID string
	userID  int64
}

type followKey struct {
	userID  int64
	agentID string
}

// MemoryStore 以内存方式实现 Store，用于本地运行与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	ids      *IDGenerator
	now      func() time.Time
	agents   map[string]*Agent
	users    map[int64]*User
	byTG     map[string]int64
	queries  []QueryLogEntry
	feed     []*FeedItem
	memories map[ratingKey][]MemoryEntry
	ratings  map[ratingKey]int
	follows  map[followKey]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(ids *IDGenerator) *MemoryStore {
	return &MemoryStore{
		ids:      ids,
		now:      func() time.Time { return time.Now().UTC() },
		agents:   make(map[string]*Agent),
		users:    make(map[int64]*User),
		byTG:     make(map[string]int64),
		memories: make(map[ratingKey][]MemoryEntry),
		ratings:  make(map[ratingKey]int),
		follows:  make(map[followKey]time.Time),
	}
}

func cloneAgent(a *Agent) *Agent {
	clone := *a
	clone.Tags = append([]string(nil), a.Tags...)
	return &clone
}

// CreateAgent 实现 AgentRepository。
func (m *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrAgentConflict
	}
	m.insertAgentLocked(agent)
	return nil
}

// InsertAgentIfAbsent 实现 AgentRepository。
func (m *MemoryStore) InsertAgentIfAbsent(_ context.Context, agent *Agent) (bool, error) {
	if agent == nil || agent.ID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return false, nil
	}
	m.insertAgentLocked(agent)
	return true, nil
}

func (m *MemoryStore) insertAgentLocked(agent *Agent) {
	now := m.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	m.agents[agent.ID] = cloneAgent(agent)
}

// GetAgent 实现 AgentRepository。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// ListAgents 实现 AgentRepository。
func (m *MemoryStore) ListAgents(_ context.Context, opts ...ListOption) ([]Agent, error) {
	options := BuildListOptions(opts)

	m.mu.RLock()
	result := make([]Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if !MatchesListOptions(agent, options) {
			continue
		}
		result = append(result, *cloneAgent(agent))
	}
	m.mu.RUnlock()

	SortAgents(result, options.Sort)
	if len(result) > options.Limit {
		result = result[:options.Limit]
	}
	return result, nil
}

// MatchesListOptions 判断 Agent 是否满足列表过滤条件。
func MatchesListOptions(agent *Agent, opts ListOptions) bool {
	if opts.CreatorID != 0 {
		if agent.CreatorID != opts.CreatorID {
			return false
		}
	} else if !agent.IsPublic {
		return false
	}
	if opts.Tag != "" {
		found := false
		for _, t := range agent.Tags {
			if strings.Contains(strings.ToLower(t), strings.ToLower(opts.Tag)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SortAgents 按排序方式就地排序。
func SortAgents(agents []Agent, by AgentSort) {
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		switch by {
		case SortPopular:
			return a.TotalQueries > b.TotalQueries
		case SortRating:
			return a.Rating() > b.Rating()
		case SortNew:
			return a.CreatedAt.After(b.CreatedAt)
		default:
			if a.IsCore != b.IsCore {
				return a.IsCore
			}
			if a.TotalQueries != b.TotalQueries {
				return a.TotalQueries > b.TotalQueries
			}
			return a.ID < b.ID
		}
	})
}

// UpdateAgent 实现 AgentRepository。
func (m *MemoryStore) UpdateAgent(_ context.Context, id string, patch AgentPatch) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if agent.IsCore {
		return nil, ErrCoreAgentImmutable
	}
	updated := cloneAgent(agent)
	patch.Apply(updated)
	updated.UpdatedAt = m.now()
	m.agents[id] = updated
	return cloneAgent(updated), nil
}

// DeleteAgent 实现 AgentRepository。
func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.IsCore {
		return ErrCoreAgentImmutable
	}
	delete(m.agents, id)
	return nil
}

// IncrementQueries 实现 AgentRepository。
func (m *MemoryStore) IncrementQueries(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent.TotalQueries++
	agent.UpdatedAt = m.now()
	return nil
}

// RateAgent 实现 RatingRepository。
func (m *MemoryStore) RateAgent(_ context.Context, agentID string, userID int64, score int) (int64, int64, error) {
	if score < 1 || score > 5 {
		return 0, 0, xerrors.New(xerrors.CodeInvalidArgument, "评分必须在 1-5 之间")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return 0, 0, ErrAgentNotFound
	}
	m.ratings[ratingKey{agentID: agentID, userID: userID}] = score

	var sum, count int64
	for key, s := range m.ratings {
		if key.agentID == agentID {
			sum += int64(s)
			count++
		}
	}
	agent.RatingSum, agent.RatingCount = sum, count
	return sum, count, nil
}

// ToggleFollow 实现 FollowRepository。
func (m *MemoryStore) ToggleFollow(_ context.Context, userID int64, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return false, ErrAgentNotFound
	}
	key := followKey{userID: userID, agentID: agentID}
	if _, ok := m.follows[key]; ok {
		delete(m.follows, key)
		return false, nil
	}
	m.follows[key] = m.now()
	return true, nil
}

// Followers 实现 FollowRepository。
func (m *MemoryStore) Followers(_ context.Context, agentID string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for key := range m.follows {
		if key.agentID == agentID {
			out = append(out, key.userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// AppendQuery 实现 QueryRepository。
func (m *MemoryStore) AppendQuery(_ context.Context, entry *QueryLogEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.ids.Next()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	clone := *entry
	clone.ToolsUsed = append([]string(nil), entry.ToolsUsed...)
	m.queries = append(m.queries, clone)
	return nil
}

// Queries 返回某个 Agent 的查询日志副本。
func (m *MemoryStore) Queries(agentID string) []QueryLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []QueryLogEntry
	for _, q := range m.queries {
		if q.AgentID == agentID {
			out = append(out, q)
		}
	}
	return out
}

// PublishFeed 实现 FeedRepository。
func (m *MemoryStore) PublishFeed(_ context.Context, item *FeedItem) error {
	if item == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "feed 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = m.ids.Next()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	clone := *item
	clone.ToolsUsed = append([]string(nil), item.ToolsUsed...)
	m.feed = append(m.feed, &clone)
	return nil
}

// ListFeed 实现 FeedRepository，按时间倒序返回 before 之前的动态。
func (m *MemoryStore) ListFeed(_ context.Context, before time.Time, limit int) ([]FeedItem, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FeedItem, 0, limit)
	for i := len(m.feed) - 1; i >= 0 && len(out) < limit; i-- {
		item := *m.feed[i]
		if !before.IsZero() && !item.CreatedAt.Before(before) {
			continue
		}
		if agent, ok := m.agents[item.AgentID]; ok {
			item.AgentName, item.AgentIcon, item.AgentColor = agent.Name, agent.Icon, agent.Color
		}
		out = append(out, item)
	}
	return out, nil
}

// FeedItems 返回全部动态的副本，按发布顺序。
func (m *MemoryStore) FeedItems() []FeedItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FeedItem, 0, len(m.feed))
	for _, item := range m.feed {
		out = append(out, *item)
	}
	return out
}

// LikeFeed 实现 FeedRepository。
func (m *MemoryStore) LikeFeed(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.feed {
		if item.ID == id {
			item.Likes++
			return item.Likes, nil
		}
	}
	return 0, ErrFeedItemNotFound
}

// AppendMemory 实现 MemoryRepository。
func (m *MemoryStore) AppendMemory(_ context.Context, entry *MemoryEntry, keep int) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "memory 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.ids.Next()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	key := ratingKey{agentID: entry.AgentID, userID: entry.UserID}
	list := append(m.memories[key], *entry)
	if keep > 0 && len(list) > keep {
		list = append([]MemoryEntry(nil), list[len(list)-keep:]...)
	}
	m.memories[key] = list
	return nil
}

// RecentMemories 实现 MemoryRepository，按时间倒序返回。
func (m *MemoryStore) RecentMemories(_ context.Context, agentID string, userID int64, limit int) ([]MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.memories[ratingKey{agentID: agentID, userID: userID}]
	out := make([]MemoryEntry, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, list[i])
	}
	return out, nil
}

// UpsertUser 实现 UserRepository，按 TelegramID 去重。
func (m *MemoryStore) UpsertUser(_ context.Context, user *User) (*User, error) {
	if user == nil || strings.TrimSpace(user.TelegramID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "telegram_id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if id, ok := m.byTG[user.TelegramID]; ok {
		existing := m.users[id]
		existing.Username = user.Username
		existing.LastSeen = now
		clone := *existing
		return &clone, nil
	}
	created := *user
	created.ID = m.ids.Next()
	created.CreatedAt, created.LastSeen = now, now
	m.users[created.ID] = &created
	m.byTG[created.TelegramID] = created.ID
	clone := created
	return &clone, nil
}

// GetProfile 实现 UserRepository。
func (m *MemoryStore) GetProfile(_ context.Context, userID int64) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	profile := &Profile{User: *user}
	for _, agent := range m.agents {
		if agent.CreatorID == userID {
			profile.AgentsCreated++
		}
	}
	for _, q := range m.queries {
		if q.UserID == userID {
			profile.TotalQueries++
		}
	}
	return profile, nil
}

// Stats 实现 UserRepository。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Agents: int64(len(m.agents)), Users: int64(len(m.users))}, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
