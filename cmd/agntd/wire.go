package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"agnt-platform/internal/api"
	"agnt-platform/internal/auth"
	"agnt-platform/internal/catalog"
	"agnt-platform/internal/config"
	"agnt-platform/internal/conversation"
	"agnt-platform/internal/events"
	"agnt-platform/internal/feed"
	"agnt-platform/internal/grounding"
	"agnt-platform/internal/llm"
	"agnt-platform/internal/llm/anthropic"
	"agnt-platform/internal/llm/openai"
	"agnt-platform/internal/marketdata"
	"agnt-platform/internal/memory"
	"agnt-platform/internal/observability/alerting"
	"agnt-platform/internal/orchestrator"
	"agnt-platform/internal/ratelimit"
	"agnt-platform/internal/storage"
	"agnt-platform/internal/storage/sqlstore"
	"agnt-platform/internal/web3/provider"
	"agnt-platform/pkg/logger"
)

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("agntd")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	if _, err := catalog.EnsureCore(ctx, store, cat); err != nil {
		return err
	}
	if cfg.Catalog.SeedOnStart {
		inserted, err := catalog.Seed(ctx, store, cat)
		if err != nil {
			return err
		}
		log.Info("模板播种完成", slog.Int("inserted", inserted))
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	inspector, err := chains.Default()
	if err != nil {
		return err
	}

	market := marketdata.NewCache(marketdata.NewCoinGecko(marketdata.Config{
		BaseURL: cfg.Market.BaseURL,
		APIKey:  cfg.Market.APIKey,
		Timeout: cfg.Market.Timeout,
	}), marketdata.WithTTL(cfg.Market.TTL))

	var builderOpts []grounding.Option
	if cfg.Memory.RecallLimit > 0 {
		builderOpts = append(builderOpts, grounding.WithMemoryRecall(store, cfg.Memory.RecallLimit))
	}
	builder := grounding.NewBuilder(market, inspector, inspector, builderOpts...)

	client, err := newModelClient(cfg.LLM)
	if err != nil {
		return err
	}
	if client == nil {
		log.Warn("未配置模型凭据，查询将返回 AI not configured")
	}
	invoker := llm.NewInvoker(client,
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
	)

	limiter, closeLimiter, err := newLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	bus, err := events.New(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer bus.Close()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if webhook := alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout); webhook != nil {
		notifiers = append(notifiers, webhook)
	}
	dispatcher := alerting.NewFanout(notifiers...)

	recorder := memory.NewRecorder(store,
		memory.WithLimit(cfg.Memory.LongTermLimit),
		memory.WithMaxRunes(cfg.Memory.EntryMaxRunes),
	)
	orch := orchestrator.New(store, limiter, builder, invoker,
		orchestrator.WithMemoryRecorder(recorder),
		orchestrator.WithFeedPolicy(feed.NewPolicy(cfg.Feed)),
		orchestrator.WithPublisher(bus),
		orchestrator.WithAlertDispatcher(dispatcher),
		orchestrator.WithFallbackPrices(market),
		orchestrator.WithChatLimit(cfg.RateLimit.ChatPerWindow),
		orchestrator.WithMaxTokens(cfg.LLM.MaxTokens),
	)

	history, err := conversation.NewHistory(
		conversation.WithMaxTurns(cfg.Memory.HistoryTurns),
		conversation.WithTurnMaxRunes(cfg.Memory.TurnMaxRunes),
		conversation.WithMaxChats(cfg.Memory.MaxChats),
	)
	if err != nil {
		return err
	}
	relay := conversation.NewRelay(orch, history, conversation.WithReplyMaxRunes(cfg.Memory.ReplyMaxRunes))

	verifier := auth.NewVerifier(cfg.Auth.ResolveBotToken(), auth.WithMaxAge(cfg.Auth.MaxAge))
	if !verifier.Enforcing() {
		log.Warn("未配置 bot token，签名头将不做校验")
	}

	serverOpts := []api.Option{
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		api.WithRelaySecret(cfg.Auth.ResolveRelaySecret()),
	}
	if cfg.Auth.ResolveRelaySecret() == "" {
		log.Info("未配置 relay 共享密钥，/api/relay 仅接受已认证用户的私聊")
	}
	if cfg.Metrics.Enabled {
		serverOpts = append(serverOpts, api.WithMetricsPath(cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Store:        store,
		Orchestrator: orch,
		Relay:        relay,
		Market:       market,
		Verifier:     verifier,
	}, serverOpts...)

	worker := feed.NewWorker(bus, store, &feed.AuditNotifier{}, feed.WithWorkerCount(cfg.Events.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		return worker.Start(gctx)
	})
	if l, ok := limiter.(*ratelimit.MemoryLimiter); ok {
		g.Go(func() error {
			l.Start(gctx)
			return nil
		})
	}

	log.Info("agntd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("chain", chains.DefaultName()),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agntd 已退出")
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		ids, err := storage.NewIDGenerator(cfg.NodeID)
		if err != nil {
			return nil, err
		}
		return storage.NewMemoryStore(ids), nil
	case "mysql", "sqlite3", "sqlite":
		return openSQLStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openSQLStore(ctx context.Context, cfg config.StorageConfig) (*sqlstore.Store, error) {
	ids, err := storage.NewIDGenerator(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return sqlstore.Open(ctx, sqlstore.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		AutoMigrate:     cfg.AutoMigrate,
	}, ids)
}

func loadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if strings.TrimSpace(cfg.Source) == "" {
		return catalog.Default()
	}
	return catalog.Load(cfg.Source)
}

// newModelClient 优先使用配置的服务商，凭据缺失时退回另一家；都没有时返回 nil。
func newModelClient(cfg config.LLMConfig) (llm.Client, error) {
	order := []string{"anthropic", "openai"}
	if strings.EqualFold(strings.TrimSpace(cfg.Provider), "openai") {
		order = []string{"openai", "anthropic"}
	}
	for _, name := range order {
		switch name {
		case "anthropic":
			if key := cfg.Anthropic.ResolveAPIKey(); key != "" {
				return anthropic.NewClient(anthropic.Config{
					APIKey:  key,
					BaseURL: cfg.Anthropic.BaseURL,
					Model:   cfg.Anthropic.Model,
					Timeout: cfg.Timeout,
				})
			}
		case "openai":
			if key := cfg.OpenAI.ResolveAPIKey(); key != "" {
				return openai.NewClient(openai.Config{
					APIKey:  key,
					BaseURL: cfg.OpenAI.BaseURL,
					Model:   cfg.OpenAI.Model,
					Timeout: cfg.Timeout,
				})
			}
		}
	}
	return nil, nil
}

func newLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Limiter, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return ratelimit.NewMemoryLimiter(
			ratelimit.WithWindow(cfg.Window),
			ratelimit.WithSweepInterval(cfg.SweepInterval),
		), func() {}, nil
	case "redis":
		limiter, err := ratelimit.NewRedisLimiter(ctx, ratelimit.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Window:   cfg.Window,
		})
		if err != nil {
			return nil, nil, err
		}
		return limiter, func() { _ = limiter.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的限流驱动: %s", cfg.Driver)
	}
}
