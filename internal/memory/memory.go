// Package memory 维护按 (Agent, User) 划分的长期记忆：消息命中金融意图关键词时写入一条，
// 每对最多保留固定条数，超出时立即删除最旧的记录。
package memory

import (
	"context"
	"log/slog"
	"strings"

	"agnt-platform/internal/storage"
	"agnt-platform/pkg/logger"
)

// 默认限额。
const (
	DefaultLimit    = 10
	DefaultMaxRunes = 200
)

// Keywords 是触发长期记忆的关键词，按子串匹配且不区分大小写。
var Keywords = []string{
	"portfolio", "hold", "invest", "bought", "sold", "prefer",
	"risk", "strateg", "goal", "budget", "watch",
}

// Qualifies 判断消息是否包含任一关键词。
func Qualifies(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Recorder 把符合条件的消息写入长期记忆。
type Recorder struct {
	repo     storage.MemoryRepository
	limit    int
	maxRunes int
	logger   *slog.Logger
}

// Option 配置 Recorder。
type Option func(*Recorder)

// WithLimit 设置每对 (Agent, User) 保留的条数。
func WithLimit(limit int) Option {
	return func(r *Recorder) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// WithMaxRunes 设置单条记忆的最大长度。
func WithMaxRunes(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.maxRunes = n
		}
	}
}

// NewRecorder 创建 Recorder。
func NewRecorder(repo storage.MemoryRepository, opts ...Option) *Recorder {
	r := &Recorder{
		repo:     repo,
		limit:    DefaultLimit,
		maxRunes: DefaultMaxRunes,
		logger:   logger.Named("memory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record 在消息命中关键词且调用方已认证时写入记忆，返回是否写入。
func (r *Recorder) Record(ctx context.Context, agentID string, userID int64, message string) (bool, error) {
	if r == nil || r.repo == nil || userID == 0 || !Qualifies(message) {
		return false, nil
	}
	entry := &storage.MemoryEntry{
		AgentID: agentID,
		UserID:  userID,
		Content: truncate(message, r.maxRunes),
	}
	if err := r.repo.AppendMemory(ctx, entry, r.limit); err != nil {
		return false, err
	}
	r.logger.Debug("已写入长期记忆", "agent_id", agentID, "user_id", userID)
	return true, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
