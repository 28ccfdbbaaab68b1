package feed

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/events"
	"agnt-platform/pkg/logger"
)

// FollowerLister 查询 Agent 的关注者，由 storage.FollowRepository 实现。
type FollowerLister interface {
	Followers(ctx context.Context, agentID string) ([]int64, error)
}

// Notifier 把一条动态投递给单个关注者。
type Notifier interface {
	NotifyFollower(ctx context.Context, userID int64, evt events.Event) error
}

// AuditNotifier 只把投递记录写入审计日志，作为未接入推送渠道时的默认实现。
type AuditNotifier struct {
	Logger *slog.Logger
}

// NotifyFollower 记录一次投递。
func (n *AuditNotifier) NotifyFollower(ctx context.Context, userID int64, evt events.Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	log.InfoContext(ctx, "feed delivered",
		slog.Int64("user_id", userID),
		slog.Int64("feed_id", evt.FeedID),
		slog.String("agent_id", evt.AgentID),
	)
	return nil
}

// Worker 消费 feed.published 事件并扇出给关注者。
type Worker struct {
	consumer    events.Consumer
	followers   FollowerLister
	notifier    Notifier
	workerCount int
	logger      *slog.Logger
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker 构造 Worker，notifier 为空时使用 AuditNotifier。
func NewWorker(consumer events.Consumer, followers FollowerLister, notifier Notifier, opts ...WorkerOption) *Worker {
	if notifier == nil {
		notifier = &AuditNotifier{}
	}
	w := &Worker{
		consumer:    consumer,
		followers:   followers,
		notifier:    notifier,
		workerCount: 1,
		logger:      logger.Named("feed"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 阻塞消费事件直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil || w.followers == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置动态消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.Handle)
}

// Handle 处理单条事件。读取关注者失败时返回错误以便总线重投；
// 单个关注者投递失败只记录日志，避免重投导致其他人收到重复消息。
func (w *Worker) Handle(ctx context.Context, evt events.Event) error {
	if evt.Type != events.TypeFeedPublished {
		w.logger.Debug("忽略未知事件", slog.String("type", evt.Type))
		return nil
	}
	followers, err := w.followers.Followers(ctx, evt.AgentID)
	if err != nil {
		return fmt.Errorf("查询关注者失败: %w", err)
	}
	var errs []error
	for _, userID := range followers {
		if err := w.notifier.NotifyFollower(ctx, userID, evt); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", userID, err))
		}
	}
	if len(errs) > 0 {
		w.logger.Warn("部分关注者投递失败",
			slog.Int64("feed_id", evt.FeedID),
			slog.Int("failed", len(errs)),
			slog.Any("error", stdErrors.Join(errs...)),
		)
	}
	w.logger.Debug("动态已扇出", slog.Int64("feed_id", evt.FeedID), slog.Int("followers", len(followers)))
	return nil
}
