package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 AGNT_LLM_PROVIDER。
const EnvPrefix = "AGNT"

// Config 描述 agntd 启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Market    MarketConfig    `mapstructure:"market"`
	Web3      Web3Config      `mapstructure:"web3"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Events    EventsConfig    `mapstructure:"events"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// ServerConfig 控制 REST API 的监听参数。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig 选择持久化后端：memory、mysql 或 sqlite3。
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	NodeID          int64         `mapstructure:"node_id"`
}

// LLMConfig 配置大模型推理后端。
type LLMConfig struct {
	Provider  string         `mapstructure:"provider"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	MaxTokens int            `mapstructure:"max_tokens"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
}

// ProviderConfig 描述单个模型服务商的凭据与端点。
type ProviderConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
}

// ResolveAPIKey 优先使用显式配置的密钥，其次读取 APIKeyEnv 指向的环境变量。
func (p ProviderConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(p.APIKey); key != "" {
		return key
	}
	if p.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
	}
	return ""
}

// MarketConfig 配置行情源与缓存新鲜度窗口。
type MarketConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Web3Config 包含钱包与链状态查询所需的端点。
type Web3Config struct {
	ChainConfig  string        `mapstructure:"chain_config"`
	DefaultChain string        `mapstructure:"default_chain"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig 配置固定窗口限流。
type RateLimitConfig struct {
	Driver        string        `mapstructure:"driver"`
	ChatPerWindow int           `mapstructure:"chat_per_window"`
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig 为 Redis 连接参数。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// MemoryConfig 配置短期对话窗口与长期记忆。
type MemoryConfig struct {
	HistoryTurns  int `mapstructure:"history_turns"`
	TurnMaxRunes  int `mapstructure:"turn_max_runes"`
	MaxChats      int `mapstructure:"max_chats"`
	LongTermLimit int `mapstructure:"long_term_limit"`
	EntryMaxRunes int `mapstructure:"entry_max_runes"`
	RecallLimit   int `mapstructure:"recall_limit"`
	ReplyMaxRunes int `mapstructure:"reply_max_runes"`
}

// FeedConfig 配置动态发布的概率与阈值。
type FeedConfig struct {
	Probability float64 `mapstructure:"probability"`
	MinRunes    int     `mapstructure:"min_runes"`
	MaxRunes    int     `mapstructure:"max_runes"`
}

// EventsConfig 选择动态事件总线：memory、redis 或 rabbitmq。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver"`
	Workers  int            `mapstructure:"workers"`
	Buffer   int            `mapstructure:"buffer"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
	Durable  bool   `mapstructure:"durable"`
}

// CatalogConfig 指向 Agent 模板目录文件。
type CatalogConfig struct {
	Source      string `mapstructure:"source"`
	SeedOnStart bool   `mapstructure:"seed_on_start"`
}

// AuthConfig 配置聊天平台签名校验。
type AuthConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	BotTokenEnv    string        `mapstructure:"bot_token_env"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	RelaySecret    string        `mapstructure:"relay_secret"`
	RelaySecretEnv string        `mapstructure:"relay_secret_env"`
}

// ResolveBotToken 返回签名校验所用的 bot token。
func (a AuthConfig) ResolveBotToken() string {
	if token := strings.TrimSpace(a.BotToken); token != "" {
		return token
	}
	if a.BotTokenEnv != "" {
		return strings.TrimSpace(os.Getenv(a.BotTokenEnv))
	}
	return ""
}

// ResolveRelaySecret 返回聊天机器人进程调用 relay 所需的共享密钥。
func (a AuthConfig) ResolveRelaySecret() string {
	if secret := strings.TrimSpace(a.RelaySecret); secret != "" {
		return secret
	}
	if a.RelaySecretEnv != "" {
		return strings.TrimSpace(os.Getenv(a.RelaySecretEnv))
	}
	return ""
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	OutputPaths []string    `mapstructure:"output_paths"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig 控制指标端点。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AlertingConfig 配置告警通知渠道。
type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

var defaults = map[string]any{
	"server.address":             ":8080",
	"server.shutdown_timeout":    "10s",
	"storage.driver":             "memory",
	"storage.max_open_conns":     20,
	"storage.max_idle_conns":     10,
	"storage.conn_max_lifetime":  "30m",
	"storage.conn_max_idle_time": "5m",
	"storage.auto_migrate":       true,
	"storage.node_id":            1,
	"llm.provider":               "anthropic",
	"llm.timeout":                "25s",
	"llm.max_tokens":             600,
	"llm.anthropic.api_key_env":  "ANTHROPIC_API_KEY",
	"llm.anthropic.base_url":     "https://api.anthropic.com",
	"llm.anthropic.model":        "claude-sonnet-4-20250514",
	"llm.openai.api_key_env":     "OPENAI_API_KEY",
	"llm.openai.model":           "gpt-4o-mini",
	"market.base_url":            "https://api.coingecko.com/api/v3",
	"market.ttl":                 "30s",
	"market.timeout":             "8s",
	"web3.default_chain":         "ton",
	"web3.timeout":               "8s",
	"rate_limit.driver":          "memory",
	"rate_limit.chat_per_window": 30,
	"rate_limit.window":          "60s",
	"rate_limit.sweep_interval":  "5m",
	"rate_limit.redis.prefix":    "agnt:rl:",
	"memory.history_turns":       6,
	"memory.turn_max_runes":      500,
	"memory.max_chats":           1000,
	"memory.long_term_limit":     10,
	"memory.entry_max_runes":     200,
	"memory.recall_limit":        0,
	"memory.reply_max_runes":     4000,
	"feed.probability":           0.3,
	"feed.min_runes":             100,
	"feed.max_runes":             500,
	"events.driver":              "memory",
	"events.workers":             2,
	"events.buffer":              256,
	"events.redis.prefix":        "agnt:feed-events",
	"events.rabbitmq.queue":      "agnt.feed",
	"events.rabbitmq.prefetch":   8,
	"events.rabbitmq.durable":    true,
	"catalog.seed_on_start":      true,
	"auth.bot_token_env":         "BOT_TOKEN",
	"auth.max_age":               "24h",
	"auth.relay_secret_env":      "RELAY_SECRET",
	"logging.level":              "info",
	"logging.format":             "json",
	"metrics.enabled":            true,
	"metrics.path":               "/metrics",
	"alerting.timeout":           "5s",
}

// Load 依次读取 .env、配置文件（可选）与 AGNT_ 前缀的环境变量，返回合并后的配置。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// 仅在 defaults 中出现过的键才能被环境变量覆盖，这里补齐没有默认值的键。
	for _, key := range []string{
		"storage.dsn", "llm.anthropic.api_key", "llm.openai.api_key", "llm.openai.base_url",
		"market.api_key", "web3.chain_config", "rate_limit.redis.address", "rate_limit.redis.password",
		"rate_limit.redis.db", "events.redis.address", "events.redis.password", "events.redis.db",
		"events.rabbitmq.url", "catalog.source", "auth.bot_token", "auth.relay_secret", "logging.output_paths",
		"logging.audit.enabled", "logging.audit.path", "alerting.webhook_url",
	} {
		_ = v.BindEnv(key)
	}

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 处理 viper 无法表达的默认值，并把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "sqlite3" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(baseDir, "data", "agnt.db")
	}
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	c.Catalog.Source = resolvePath(baseDir, c.Catalog.Source)
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else {
			c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
		}
	}
}

// Validate 检查配置取值是否落在可接受范围内。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql", "sqlite3":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("mysql 存储需要配置 storage.dsn")
	}
	switch c.RateLimit.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的限流驱动: %s", c.RateLimit.Driver)
	}
	switch c.Events.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的事件总线驱动: %s", c.Events.Driver)
	}
	if c.Feed.Probability < 0 || c.Feed.Probability > 1 {
		return fmt.Errorf("feed.probability 必须位于 [0,1]: %v", c.Feed.Probability)
	}
	if c.RateLimit.ChatPerWindow <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.chat_per_window 与 rate_limit.window 必须为正数")
	}
	return nil
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
