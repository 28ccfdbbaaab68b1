// Package orchestrator 是查询处理的入口：解析 Agent、限流、并发构建上下文、调用模型，
// 成功后执行计数、日志、长期记忆与动态发布等尽力而为的副作用。
package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/events"
	"agnt-platform/internal/feed"
	"agnt-platform/internal/grounding"
	"agnt-platform/internal/llm"
	"agnt-platform/internal/marketdata"
	"agnt-platform/internal/observability/alerting"
	"agnt-platform/internal/observability/metrics"
	"agnt-platform/internal/ratelimit"
	"agnt-platform/internal/storage"
	"agnt-platform/pkg/logger"
)

// MetadataFallback 是模型失败时携带降级文本的元数据键。
const MetadataFallback = "fallback"

// DefaultChatLimit 是每个调用方在一个窗口内允许的查询次数。
const DefaultChatLimit = 30

// DefaultSideEffectTimeout 限制模型成功后副作用的总耗时。
const DefaultSideEffectTimeout = 5 * time.Second

// 编排结果，用于指标标签。
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeModelError  = "model_error"
	OutcomeStorage     = "storage_error"
)

var (
	// ErrRateLimited 表示调用方超出窗口配额。
	ErrRateLimited = xerrors.New(xerrors.CodeRateLimited, "Rate limited. Try again in a minute.")
	// ErrMessageRequired 表示消息为空。
	ErrMessageRequired = xerrors.New(xerrors.CodeInvalidArgument, "Message required")
)

// Caller 标识调用方。UserID 为 0 表示匿名，ChatID 仅在经过校验的聊天转发中设置。
type Caller struct {
	UserID     int64
	TelegramID string
	ChatID     int64
	RemoteAddr string
}

// RateLimitKey 依次使用已认证身份、聊天会话与网络来源。
func (c Caller) RateLimitKey() string {
	if id := strings.TrimSpace(c.TelegramID); id != "" {
		return "tg:" + id
	}
	if c.ChatID != 0 {
		return "chat:" + strconv.FormatInt(c.ChatID, 10)
	}
	return "ip:" + strings.TrimSpace(c.RemoteAddr)
}

// Request 是一次查询。Message 是发送给模型的完整文本，可能包含会话历史；
// Current 是本轮用户输入，为空时视为与 Message 相同。
type Request struct {
	AgentID       string
	Message       string
	Current       string
	WalletAddress string
	Caller        Caller
	RequestID     string
}

// CurrentMessage 返回本轮用户输入。
func (r Request) CurrentMessage() string {
	if strings.TrimSpace(r.Current) != "" {
		return r.Current
	}
	return r.Message
}

// Result 是成功查询的返回。
type Result struct {
	Text      string   `json:"text"`
	ToolsUsed []string `json:"tools_used"`
	AgentID   string   `json:"agent_id"`
	AgentName string   `json:"agent_name"`
	QueryID   int64    `json:"query_id,omitempty"`
	Published bool     `json:"published"`
}

// Store 是编排所需的持久化能力。
type Store interface {
	GetAgent(ctx context.Context, id string) (*storage.Agent, error)
	IncrementQueries(ctx context.Context, id string) error
	AppendQuery(ctx context.Context, entry *storage.QueryLogEntry) error
	PublishFeed(ctx context.Context, item *storage.FeedItem) error
}

// ContextBuilder 构建注入模型的上下文，由 *grounding.Builder 实现。
type ContextBuilder interface {
	Build(ctx context.Context, in grounding.Input) string
}

// ModelInvoker 调用模型，由 *llm.Invoker 实现。
type ModelInvoker interface {
	Invoke(ctx context.Context, systemPrompt, groundingContext, message string, maxTokens int) (string, error)
}

// MemoryRecorder 写入长期记忆，由 *memory.Recorder 实现。
type MemoryRecorder interface {
	Record(ctx context.Context, agentID string, userID int64, message string) (bool, error)
}

// SnapshotPeeker 读取最近一次成功的行情快照，用于降级回复。
type SnapshotPeeker interface {
	Peek() (marketdata.Snapshot, bool)
}

// Orchestrator 串联限流、上下文、模型调用与副作用。
type Orchestrator struct {
	store     Store
	limiter   ratelimit.Limiter
	builder   ContextBuilder
	invoker   ModelInvoker
	memory    MemoryRecorder
	policy    *feed.Policy
	publisher events.Publisher
	alerter   alerting.Dispatcher
	prices    SnapshotPeeker
	chatLimit int
	maxTokens int
	sideWait  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithMemoryRecorder 配置长期记忆。
func WithMemoryRecorder(recorder MemoryRecorder) Option {
	return func(o *Orchestrator) { o.memory = recorder }
}

// WithFeedPolicy 配置动态发布策略，未配置时从不发布。
func WithFeedPolicy(policy *feed.Policy) Option {
	return func(o *Orchestrator) { o.policy = policy }
}

// WithPublisher 配置动态事件发布者。
func WithPublisher(publisher events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerter = dispatcher }
}

// WithFallbackPrices 配置降级回复使用的行情来源。
func WithFallbackPrices(prices SnapshotPeeker) Option {
	return func(o *Orchestrator) { o.prices = prices }
}

// WithChatLimit 设置每窗口查询上限。
func WithChatLimit(limit int) Option {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.chatLimit = limit
		}
	}
}

// WithMaxTokens 设置模型输出预算。
func WithMaxTokens(maxTokens int) Option {
	return func(o *Orchestrator) {
		if maxTokens > 0 {
			o.maxTokens = maxTokens
		}
	}
}

// WithSideEffectTimeout 设置副作用的超时时间。
func WithSideEffectTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sideWait = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建 Orchestrator。
func New(store Store, limiter ratelimit.Limiter, builder ContextBuilder, invoker ModelInvoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		limiter:   limiter,
		builder:   builder,
		invoker:   invoker,
		chatLimit: DefaultChatLimit,
		maxTokens: llm.DefaultMaxTokens,
		sideWait:  DefaultSideEffectTimeout,
		now:       time.Now,
		logger:    logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Orchestrate 处理一次查询。只有 NOT_FOUND、RATE_LIMITED 与模型错误会返回给调用方，
// 数据源失败在上下文构建阶段被吸收，副作用失败只记录日志。
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	// 验证必要的组件是否已配置。
	if o.store == nil || o.builder == nil || o.invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}

	// 验证请求的合法性。
	if strings.TrimSpace(req.Message) == "" {
		metrics.ObserveOrchestration(req.AgentID, OutcomeInvalid)
		return nil, ErrMessageRequired
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = storage.CoreAgentID
	}
	log := o.logger.With(slog.String("agent_id", agentID), slog.String("request_id", req.RequestID))

	// 解析目标 Agent。
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			metrics.ObserveOrchestration(agentID, OutcomeNotFound)
			return nil, err
		}
		metrics.ObserveOrchestration(agentID, OutcomeStorage)
		log.Error("读取 Agent 失败", slog.Any("error", err))
		return nil, err
	}

	// 按调用方限流。
	key := req.Caller.RateLimitKey()
	if o.limiter != nil && !o.limiter.Admit(ctx, key, o.chatLimit) {
		metrics.ObserveOrchestration(agentID, OutcomeRateLimited)
		logger.Audit().Info("rate limited", slog.String("key", key), slog.String("agent_id", agentID))
		return nil, ErrRateLimited
	}

	// 并发构建上下文。
	tools := grounding.ToolsUsed(agent, req.WalletAddress)
	groundingContext := o.builder.Build(ctx, grounding.Input{
		Agent:         agent,
		WalletAddress: req.WalletAddress,
		UserID:        req.Caller.UserID,
	})

	// 调用模型。
	start := time.Now()
	text, err := o.invoker.Invoke(ctx, agent.SystemPrompt, groundingContext, req.Message, o.maxTokens)
	metrics.ObserveModelLatency(time.Since(start))
	if err != nil {
		metrics.ObserveOrchestration(agentID, OutcomeModelError)
		return nil, o.modelFailure(ctx, log, agent, req, err)
	}

	// 执行副作用，调用方断开也不会中断记账，但总耗时受 sideWait 限制。
	result := &Result{
		Text:      text,
		ToolsUsed: tools,
		AgentID:   agent.ID,
		AgentName: agent.Name,
	}
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.sideWait)
	o.applySideEffects(sideCtx, log, agent, req, result)
	cancel()
	metrics.ObserveOrchestration(agentID, OutcomeSuccess)
	return result, nil
}

// modelFailure 为模型错误附加降级文本并派发告警，不产生任何持久化副作用。
func (o *Orchestrator) modelFailure(ctx context.Context, log *slog.Logger, agent *storage.Agent, req Request, err error) error {
	log.Warn("模型调用失败", slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))

	if o.prices != nil {
		if snap, ok := o.prices.Peek(); ok {
			coded, _ := xerrors.From(err)
			err = xerrors.Wrap(xerrors.CodeOf(err), err, coded.Message(),
				xerrors.WithMetadata(MetadataFallback, grounding.FormatPriceLine(snap)))
		}
	}

	if o.alerter != nil {
		if event, ok := alerting.FromError(err, agent.ID, req.RequestID); ok {
			if alertErr := o.alerter.Notify(ctx, event); alertErr != nil {
				log.Warn("派发告警失败", slog.Any("error", alertErr))
			}
		}
	}
	return err
}

// applySideEffects 依次执行计数、查询日志、长期记忆与动态发布，各步互不回滚。
func (o *Orchestrator) applySideEffects(ctx context.Context, log *slog.Logger, agent *storage.Agent, req Request, result *Result) {
	now := o.now().UTC()

	if err := o.store.IncrementQueries(ctx, agent.ID); err != nil {
		metrics.ObserveSideEffectFailure("counter")
		log.Warn("更新查询计数失败", slog.Any("error", err))
	}

	entry := &storage.QueryLogEntry{
		AgentID:   agent.ID,
		UserID:    req.Caller.UserID,
		Message:   req.CurrentMessage(),
		Response:  result.Text,
		ToolsUsed: result.ToolsUsed,
		Cost:      agent.PricePerQuery,
		CreatedAt: now,
	}
	if err := o.store.AppendQuery(ctx, entry); err != nil {
		metrics.ObserveSideEffectFailure("query_log")
		log.Warn("写入查询日志失败", slog.Any("error", err))
	} else {
		result.QueryID = entry.ID
	}

	if o.memory != nil {
		if _, err := o.memory.Record(ctx, agent.ID, req.Caller.UserID, req.CurrentMessage()); err != nil {
			metrics.ObserveSideEffectFailure("memory")
			log.Warn("写入长期记忆失败", slog.Any("error", err))
		}
	}

	if o.policy.ShouldPublish(result.Text) {
		item := &storage.FeedItem{
			AgentID:       agent.ID,
			Content:       o.policy.Excerpt(result.Text),
			ToolsUsed:     result.ToolsUsed,
			SourceQueryID: entry.ID,
			CreatedAt:     now,
		}
		if err := o.store.PublishFeed(ctx, item); err != nil {
			metrics.ObserveSideEffectFailure("feed")
			log.Warn("发布动态失败", slog.Any("error", err))
		} else {
			result.Published = true
			o.announce(ctx, log, agent, item)
		}
	}

	logger.Audit().Info("query succeeded",
		slog.String("request_id", req.RequestID),
		slog.String("agent_id", agent.ID),
		slog.Int64("user_id", req.Caller.UserID),
		slog.Any("tools_used", result.ToolsUsed),
		slog.Float64("cost", agent.PricePerQuery),
		slog.Bool("published", result.Published),
	)
}

func (o *Orchestrator) announce(ctx context.Context, log *slog.Logger, agent *storage.Agent, item *storage.FeedItem) {
	if o.publisher == nil {
		return
	}
	evt := events.Event{
		Type:      events.TypeFeedPublished,
		FeedID:    item.ID,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Preview:   feed.Truncate(item.Content, 140),
		ToolsUsed: item.ToolsUsed,
		CreatedAt: item.CreatedAt,
	}
	if err := o.publisher.Publish(ctx, evt); err != nil {
		metrics.ObserveSideEffectFailure("event")
		log.Warn("投递动态事件失败", slog.Any("error", err))
	}
}

// Fallback 返回模型错误携带的降级文本。
func Fallback(err error) (string, bool) {
	coded, ok := xerrors.From(err)
	if !ok {
		return "", false
	}
	text, ok := coded.Metadata()[MetadataFallback]
	return text, ok && text != ""
}
