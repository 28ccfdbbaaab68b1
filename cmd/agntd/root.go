package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"agnt-platform/internal/catalog"
	"agnt-platform/internal/config"
	"agnt-platform/pkg/logger"
)

// envConfigPath 允许不带参数启动时通过环境变量指定配置文件。
const envConfigPath = "AGNT_CONFIG"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "agntd",
		Short:         "AGNT agent platform daemon",
		Long:          "agntd serves the agent platform API, seeds agent templates and manages the database schema.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(envConfigPath), "配置文件路径 (yaml/json/toml)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := initLogger(cfg.Logging); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newSeedCmd(load),
		newMigrateCmd(load),
	)
	return rootCmd
}

type configLoader func() (*config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API、动态分发与限流回收",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func newSeedCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "写入内置 Agent 与模板目录，已存在的记录保持不变",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			cat, err := loadCatalog(cfg.Catalog)
			if err != nil {
				return err
			}
			inserted, err := catalog.Seed(ctx, store, cat)
			if err != nil {
				return err
			}
			logger.L().Info("模板播种完成", slog.Int("inserted", inserted), slog.Int("templates", len(cat.Templates)))
			return nil
		},
	}
}

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "对 SQL 存储执行尚未应用的迁移",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			storeCfg := cfg.Storage
			storeCfg.AutoMigrate = false
			store, err := openSQLStore(cmd.Context(), storeCfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.L().Info("数据库迁移完成", slog.String("driver", storeCfg.Driver))
			return nil
		},
	}
}

func initLogger(cfg config.LoggingConfig) error {
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	})
}
