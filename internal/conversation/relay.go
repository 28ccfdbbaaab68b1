package conversation

import (
	"context"
	"log/slog"
	"strings"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/feed"
	"agnt-platform/internal/orchestrator"
	"agnt-platform/pkg/logger"
)

// 聊天侧的固定文案。
const (
	ClearCommand   = "/clear"
	ClearedText    = "🗑️ Conversation cleared. Start fresh!"
	FailureText    = "⚠️ Something went wrong. Try again."
	DefaultMaxChar = 4000
)

// Orchestrator 由 *orchestrator.Orchestrator 实现。
type Orchestrator interface {
	Orchestrate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Message 是聊天侧收到的一条消息。
type Message struct {
	ChatID        int64
	Text          string
	AgentID       string
	WalletAddress string
	Caller        orchestrator.Caller
	RequestID     string
}

// Reply 是发回聊天侧的文本。
type Reply struct {
	Text      string   `json:"text"`
	ToolsUsed []string `json:"tools_used,omitempty"`
	Degraded  bool     `json:"degraded,omitempty"`
	Ignored   bool     `json:"ignored,omitempty"`
}

// Relay 在聊天会话与编排器之间转发消息，负责短期记忆与回复排版。
type Relay struct {
	orchestrator Orchestrator
	history      *History
	maxRunes     int
	logger       *slog.Logger
}

// RelayOption 配置 Relay。
type RelayOption func(*Relay)

// WithReplyMaxRunes 设置回复的最大长度。
func WithReplyMaxRunes(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxRunes = n
		}
	}
}

// NewRelay 创建 Relay。
func NewRelay(orch Orchestrator, history *History, opts ...RelayOption) *Relay {
	r := &Relay{
		orchestrator: orch,
		history:      history,
		maxRunes:     DefaultMaxChar,
		logger:       logger.Named("conversation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Handle 处理一条聊天消息并返回要发送的回复。除 /clear 外的命令被忽略。
func (r *Relay) Handle(ctx context.Context, msg Message) Reply {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Reply{Ignored: true}
	}
	if strings.HasPrefix(text, "/") {
		if command(text) == ClearCommand {
			r.history.Clear(msg.ChatID)
			return Reply{Text: ClearedText}
		}
		return Reply{Ignored: true}
	}

	r.history.Append(msg.ChatID, RoleUser, text)
	res, err := r.orchestrator.Orchestrate(ctx, orchestrator.Request{
		AgentID:       msg.AgentID,
		Message:       r.history.Compose(msg.ChatID, text),
		Current:       text,
		WalletAddress: msg.WalletAddress,
		Caller:        msg.Caller,
		RequestID:     msg.RequestID,
	})
	if err != nil {
		return r.failure(msg.ChatID, err)
	}
	r.history.Append(msg.ChatID, RoleAssistant, res.Text)

	var sb strings.Builder
	if len(res.ToolsUsed) > 0 {
		badges := make([]string, 0, len(res.ToolsUsed))
		for _, tool := range res.ToolsUsed {
			badges = append(badges, "✅ "+tool)
		}
		sb.WriteString(strings.Join(badges, " · "))
		sb.WriteString("\n\n")
	}
	sb.WriteString(res.Text)
	return Reply{Text: feed.Truncate(sb.String(), r.maxRunes), ToolsUsed: res.ToolsUsed}
}

func (r *Relay) failure(chatID int64, err error) Reply {
	if fallback, ok := orchestrator.Fallback(err); ok {
		return Reply{
			Text:     "⚠️ Backend offline. Here's what I can tell you:\n\n" + fallback + "\n\nFor full AI responses, open the app.",
			Degraded: true,
		}
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeRateLimited, xerrors.CodeNotFound, xerrors.CodeInvalidArgument:
		coded, _ := xerrors.From(err)
		return Reply{Text: "⚠️ " + coded.Message()}
	default:
		r.logger.Warn("会话消息处理失败", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return Reply{Text: FailureText}
	}
}

// command 取出命令名，去掉 @bot 后缀。
func command(text string) string {
	name := strings.Fields(text)[0]
	if idx := strings.IndexByte(name, '@'); idx > 0 {
		name = name[:idx]
	}
	return strings.ToLower(name)
}
