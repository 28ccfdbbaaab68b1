// Package catalog 加载 Agent 模板目录并把模板与内置 Agent 播种到存储中。
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"agnt-platform/internal/storage"
	"agnt-platform/pkg/logger"
)

//go:embed templates.yaml
var defaultCatalog []byte

// Tools 是模板文件中的工具开关。
type Tools struct {
	Prices bool `yaml:"prices" json:"prices"`
	Wallet bool `yaml:"wallet" json:"wallet"`
	TonAPI bool `yaml:"tonapi" json:"tonapi"`
}

// Template 描述一个可播种的 Agent。
type Template struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Icon        string   `yaml:"icon" json:"icon"`
	Color       string   `yaml:"color" json:"color"`
	Description string   `yaml:"description" json:"description"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	Tools       Tools    `yaml:"tools" json:"tools"`
	Knowledge   string   `yaml:"knowledge" json:"knowledge"`
	Price       float64  `yaml:"price" json:"price"`
	Tags        []string `yaml:"tags" json:"tags"`
}

// Agent 把模板转换为公开的非内置 Agent，知识附录拼接在提示词之后。
func (t Template) Agent() storage.Agent {
	return storage.Agent{
		ID:            strings.TrimSpace(t.ID),
		Name:          t.Name,
		Icon:          t.Icon,
		Color:         t.Color,
		Description:   t.Description,
		SystemPrompt:  storage.ComposePrompt(strings.TrimSpace(t.Prompt), t.Knowledge),
		Capabilities:  storage.Capabilities{PriceData: t.Tools.Prices, WalletData: t.Tools.Wallet, ChainData: t.Tools.TonAPI},
		PricePerQuery: t.Price,
		IsPublic:      true,
		Tags:          append([]string(nil), t.Tags...),
	}
}

// Catalog 包含内置 Agent 与模板列表。
type Catalog struct {
	Core      Template   `yaml:"core" json:"core"`
	Templates []Template `yaml:"templates" json:"templates"`
}

// CoreAgent 返回内置 Agent：全部能力开启、免费、不可修改。
func (c *Catalog) CoreAgent() storage.Agent {
	agent := c.Core.Agent()
	agent.ID = storage.CoreAgentID
	agent.IsCore = true
	agent.PricePerQuery = 0
	agent.Capabilities = storage.Capabilities{PriceData: true, WalletData: true, ChainData: true}
	return agent
}

// Default 返回随二进制发布的目录。
func Default() (*Catalog, error) {
	return parse(defaultCatalog, "yaml")
}

// Load 从 YAML 或 JSON 文件加载目录，path 为空时返回内置目录。
// 文件中未给出内置 Agent 时沿用内置目录中的定义。
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模板目录失败: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	cat, err := parse(data, format)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cat.Core.Prompt) == "" {
		builtin, err := Default()
		if err != nil {
			return nil, err
		}
		cat.Core = builtin.Core
	}
	return cat, nil
}

func parse(data []byte, format string) (*Catalog, error) {
	var cat Catalog
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cat); err != nil {
			return nil, fmt.Errorf("解析模板目录失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cat); err != nil {
			return nil, fmt.Errorf("解析模板目录失败: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(cat.Templates))
	for i, t := range cat.Templates {
		id := strings.TrimSpace(t.ID)
		if id == "" || strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Prompt) == "" {
			return nil, fmt.Errorf("模板 #%d 缺少 id、name 或 prompt", i)
		}
		if id == storage.CoreAgentID {
			return nil, fmt.Errorf("模板 %s 与内置 Agent 冲突", id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("模板 %s 重复", id)
		}
		seen[id] = struct{}{}
	}
	return &cat, nil
}

// Seeder 由 storage.AgentRepository 实现。
type Seeder interface {
	InsertAgentIfAbsent(ctx context.Context, agent *storage.Agent) (bool, error)
}

// EnsureCore 写入内置 Agent，已存在时保持不变。
func EnsureCore(ctx context.Context, repo Seeder, cat *Catalog) (bool, error) {
	core := cat.CoreAgent()
	inserted, err := repo.InsertAgentIfAbsent(ctx, &core)
	if err != nil {
		return false, fmt.Errorf("写入内置 Agent 失败: %w", err)
	}
	return inserted, nil
}

// Seed 写入内置 Agent 与全部模板，已存在的 ID 跳过，返回新写入的数量。
func Seed(ctx context.Context, repo Seeder, cat *Catalog) (int, error) {
	log := logger.Named("catalog")
	inserted := 0
	ok, err := EnsureCore(ctx, repo, cat)
	if err != nil {
		return 0, err
	}
	if ok {
		inserted++
	}
	for _, t := range cat.Templates {
		agent := t.Agent()
		ok, err := repo.InsertAgentIfAbsent(ctx, &agent)
		if err != nil {
			return inserted, fmt.Errorf("写入模板 %s 失败: %w", t.ID, err)
		}
		if ok {
			inserted++
			log.Info("模板已写入", slog.String("agent_id", agent.ID), slog.String("name", agent.Name))
		}
	}
	return inserted, nil
}
