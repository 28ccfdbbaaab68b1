package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agnt-platform/internal/auth"
	"agnt-platform/internal/conversation"
	"agnt-platform/internal/marketdata"
	"agnt-platform/internal/observability/metrics"
	"agnt-platform/internal/orchestrator"
	"agnt-platform/internal/storage"
	"agnt-platform/pkg/logger"
)

// Orchestrator 由 *orchestrator.Orchestrator 实现。
type Orchestrator interface {
	Orchestrate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Relay 由 *conversation.Relay 实现。
type Relay interface {
	Handle(ctx context.Context, msg conversation.Message) conversation.Reply
}

// MarketSource 由 *marketdata.Cache 实现。
type MarketSource interface {
	Get(ctx context.Context) marketdata.Snapshot
}

// Dependencies 汇总 HTTP 层依赖的业务组件。
type Dependencies struct {
	Store        storage.Store
	Orchestrator Orchestrator
	Relay        Relay
	Market       MarketSource
	Verifier     *auth.Verifier
}

// Server 负责暴露 REST 与 MCP 接口。
type Server struct {
	addr            string
	deps            Dependencies
	metricsPath     string
	relaySecret     string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithMetricsPath 在同一端口上暴露指标，空字符串表示关闭。
func WithMetricsPath(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithRelaySecret 设置聊天机器人进程调用 /api/relay 时携带的共享密钥。
// 未设置时 relay 只接受已认证用户，且会话固定为该用户自己的聊天。
func WithRelaySecret(secret string) Option {
	return func(s *Server) { s.relaySecret = strings.TrimSpace(secret) }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回装配好中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/market", s.handleMarket)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/rate", s.handleRateAgent)
	mux.HandleFunc("POST /api/agents/{id}/follow", s.handleFollowAgent)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/relay", s.handleRelay)

	mux.HandleFunc("GET /api/feed", s.handleListFeed)
	mux.HandleFunc("POST /api/feed/{id}/like", s.handleLikeFeed)

	mux.HandleFunc("GET /api/me", s.handleMe)
	mux.HandleFunc("GET /api/me/agents", s.handleMyAgents)

	mux.HandleFunc("GET /mcp", s.handleMCPManifest)
	mux.HandleFunc("GET /.well-known/mcp.json", s.handleMCPManifest)
	mux.HandleFunc("POST /execute", s.handleExecute)

	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, metrics.Handler())
	}

	var users auth.UserUpserter
	if s.deps.Store != nil {
		users = s.deps.Store
	}
	// 指标中间件必须直接包裹 mux，才能读到匹配后的路由模式。
	var handler http.Handler = withMetrics(mux)
	handler = auth.Middleware(s.deps.Verifier, users)(handler)
	handler = withRequestID(handler)
	handler = withCORS(handler)
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
