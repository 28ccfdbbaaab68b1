// Package conversation 持有聊天侧的短期记忆：每个会话保留最近若干轮对话，
// 发送给编排器前把历史拼接到当前消息之前。
package conversation

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"agnt-platform/internal/feed"
)

// 默认限额。
const (
	DefaultMaxTurns = 6
	DefaultMaxRunes = 500
	DefaultMaxChats = 1000
)

// Role 区分对话双方。
type Role string

// 对话角色
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn 是一轮对话。
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

func (t Turn) label() string {
	if t.Role == RoleUser {
		return "User"
	}
	return "AGNT"
}

// History 按会话保存最近的对话。会话数超过上限时淘汰最早创建的会话。
type History struct {
	mu       sync.Mutex
	chats    *lru.Cache[int64, *[]Turn]
	maxTurns int
	maxRunes int
}

// HistoryOption 配置 History。
type HistoryOption func(*historyConfig)

type historyConfig struct {
	maxTurns int
	maxRunes int
	maxChats int
}

// WithMaxTurns 设置每个会话保留的轮数。
func WithMaxTurns(n int) HistoryOption {
	return func(c *historyConfig) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

// WithTurnMaxRunes 设置单轮文本的最大长度。
func WithTurnMaxRunes(n int) HistoryOption {
	return func(c *historyConfig) {
		if n > 0 {
			c.maxRunes = n
		}
	}
}

// WithMaxChats 设置同时保留的会话数。
func WithMaxChats(n int) HistoryOption {
	return func(c *historyConfig) {
		if n > 0 {
			c.maxChats = n
		}
	}
}

// NewHistory 创建 History。
func NewHistory(opts ...HistoryOption) (*History, error) {
	cfg := historyConfig{maxTurns: DefaultMaxTurns, maxRunes: DefaultMaxRunes, maxChats: DefaultMaxChats}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	chats, err := lru.New[int64, *[]Turn](cfg.maxChats)
	if err != nil {
		return nil, err
	}
	return &History{chats: chats, maxTurns: cfg.maxTurns, maxRunes: cfg.maxRunes}, nil
}

// Append 追加一轮对话，超过上限时丢弃最早的轮次。
// 已存在的会话原地修改而不重新 Add，因此淘汰顺序保持为创建顺序。
func (h *History) Append(chatID int64, role Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turn := Turn{Role: role, Text: feed.Truncate(text, h.maxRunes)}
	turns, ok := h.chats.Peek(chatID)
	if !ok {
		h.chats.Add(chatID, &[]Turn{turn})
		return
	}
	next := append(*turns, turn)
	if len(next) > h.maxTurns {
		next = append([]Turn(nil), next[len(next)-h.maxTurns:]...)
	}
	*turns = next
}

// Turns 返回会话的副本。
func (h *History) Turns(chatID int64) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns, ok := h.chats.Peek(chatID)
	if !ok {
		return nil
	}
	return append([]Turn(nil), (*turns)...)
}

// Clear 删除会话。
func (h *History) Clear(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats.Remove(chatID)
}

// Len 返回当前保留的会话数。
func (h *History) Len() int {
	return h.chats.Len()
}

// Compose 把除最后一轮以外的历史渲染为对话记录并拼接当前消息。
// 调用前应先 Append 当前消息；没有更早的历史时原样返回 current。
func (h *History) Compose(chatID int64, current string) string {
	turns := h.Turns(chatID)
	if len(turns) <= 1 {
		return current
	}
	lines := make([]string, 0, len(turns)-1)
	for _, t := range turns[:len(turns)-1] {
		lines = append(lines, t.label()+": "+t.Text)
	}
	return "[CONVERSATION HISTORY]\n" + strings.Join(lines, "\n") + "\n\n[CURRENT MESSAGE]\n" + current
}
