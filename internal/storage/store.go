package storage

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	xerrors "agnt-platform/internal/errors"
)

var (
	// ErrAgentNotFound 表示 Agent 不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrCoreAgentImmutable 表示尝试修改或删除内置 Agent。
	ErrCoreAgentImmutable = xerrors.New(xerrors.CodeForbidden, "core agent cannot be modified")
	// ErrUserNotFound 表示用户不存在。
	ErrUserNotFound = xerrors.New(xerrors.CodeNotFound, "user not found")
	// ErrFeedItemNotFound 表示动态不存在。
	ErrFeedItemNotFound = xerrors.New(xerrors.CodeNotFound, "feed item not found")
	// ErrAgentConflict 表示 Agent ID 已存在。
	ErrAgentConflict = xerrors.New(xerrors.CodeConflict, "agent already exists")
)

// AgentRepository 管理 Agent 及其计数器。
type AgentRepository interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	// InsertAgentIfAbsent 用于模板播种，已存在时不做任何修改并返回 false。
	InsertAgentIfAbsent(ctx context.Context, agent *Agent) (bool, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, opts ...ListOption) ([]Agent, error)
	// UpdateAgent 与 DeleteAgent 对内置 Agent 返回 ErrCoreAgentImmutable 且不改动数据。
	UpdateAgent(ctx context.Context, id string, patch AgentPatch) (*Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	IncrementQueries(ctx context.Context, id string) error
}

// RatingRepository 维护评分并回写 Agent 的评分缓存。
type RatingRepository interface {
	RateAgent(ctx context.Context, agentID string, userID int64, score int) (sum, count int64, err error)
}

// FollowRepository 维护关注关系。
type FollowRepository interface {
	ToggleFollow(ctx context.Context, userID int64, agentID string) (following bool, err error)
	Followers(ctx context.Context, agentID string) ([]int64, error)
}

// QueryRepository 追加查询日志。
type QueryRepository interface {
	AppendQuery(ctx context.Context, entry *QueryLogEntry) error
}

// FeedRepository 管理公开动态。
type FeedRepository interface {
	PublishFeed(ctx context.Context, item *FeedItem) error
	ListFeed(ctx context.Context, before time.Time, limit int) ([]FeedItem, error)
	LikeFeed(ctx context.Context, id int64) (int64, error)
}

// MemoryRepository 管理长期记忆。
type MemoryRepository interface {
	// AppendMemory 写入一条记忆，并立即删除同一 (Agent, User) 超过 keep 条的最旧记录。
	AppendMemory(ctx context.Context, entry *MemoryEntry, keep int) error
	RecentMemories(ctx context.Context, agentID string, userID int64, limit int) ([]MemoryEntry, error)
}

// UserRepository 管理用户档案。
type UserRepository interface {
	UpsertUser(ctx context.Context, user *User) (*User, error)
	GetProfile(ctx context.Context, userID int64) (*Profile, error)
	Stats(ctx context.Context) (Stats, error)
}

// Store 聚合全部仓储接口。
type Store interface {
	AgentRepository
	RatingRepository
	FollowRepository
	QueryRepository
	FeedRepository
	MemoryRepository
	UserRepository
	Close() error
}

// IDGenerator 为日志、动态、记忆与用户生成全局递增的 ID。
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator 创建基于 snowflake 的 ID 生成器，nodeID 取值 0-1023。
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 ID 生成器失败")
	}
	return &IDGenerator{node: node}, nil
}

// Next 返回下一个 ID。
func (g *IDGenerator) Next() int64 {
	return g.node.Generate().Int64()
}

// NewAgentID 生成用户创建的 Agent ID。
func NewAgentID() string {
	return "ag_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// AgentSort 定义 Agent 列表的排序方式。
type AgentSort string

const (
	// SortDefault 内置 Agent 优先，其次按查询量降序。
	SortDefault AgentSort = ""
	// SortPopular 按查询量降序。
	SortPopular AgentSort = "popular"
	// SortRating 按平均评分降序。
	SortRating AgentSort = "rating"
	// SortNew 按创建时间降序。
	SortNew AgentSort = "new"
)

// ParseAgentSort 把查询参数转换为排序方式，未知值使用默认排序。
func ParseAgentSort(raw string) AgentSort {
	switch AgentSort(strings.ToLower(strings.TrimSpace(raw))) {
	case SortPopular:
		return SortPopular
	case SortRating:
		return SortRating
	case SortNew:
		return SortNew
	default:
		return SortDefault
	}
}

// ListOptions 控制 Agent 列表查询。
type ListOptions struct {
	Limit     int
	Sort      AgentSort
	Tag       string
	CreatorID int64
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	opts.Tag = strings.TrimSpace(opts.Tag)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithSort 设置排序方式。
func WithSort(sort AgentSort) ListOption {
	return func(opts *ListOptions) { opts.Sort = sort }
}

// WithTag 只返回带有该标签的 Agent。
func WithTag(tag string) ListOption {
	return func(opts *ListOptions) { opts.Tag = tag }
}

// WithCreator 只返回指定用户创建的 Agent（包括非公开的）。
func WithCreator(userID int64) ListOption {
	return func(opts *ListOptions) { opts.CreatorID = userID }
}

// BuildListOptions 在默认值之上应用选项。
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}
