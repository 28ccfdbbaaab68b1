package storage

import (
	"strings"
	"time"
)

// CoreAgentID 是平台内置 Agent 的 ID，外部无法修改或删除。
const CoreAgentID = "agnt_core"

// knowledgeHeader 分隔系统提示词与知识附录。
const knowledgeHeader = "\n\n[KNOWLEDGE]\n"

// Capabilities 描述 Agent 允许使用的数据工具。
type Capabilities struct {
	PriceData  bool `json:"prices"`
	WalletData bool `json:"wallet"`
	ChainData  bool `json:"tonapi"`
}

// Agent 是可被查询的角色配置。
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Icon          string       `json:"icon"`
	Description   string       `json:"description"`
	Color         string       `json:"color"`
	SystemPrompt  string       `json:"system_prompt,omitempty"`
	Capabilities  Capabilities `json:"tools"`
	PricePerQuery float64      `json:"price_per_query"`
	CreatorID     int64        `json:"creator_id,omitempty"`
	CreatorWallet string       `json:"creator_wallet,omitempty"`
	IsCore        bool         `json:"is_core"`
	IsPublic      bool         `json:"is_public"`
	Tags          []string     `json:"tags"`
	TotalQueries  int64        `json:"total_queries"`
	RatingSum     int64        `json:"rating_sum"`
	RatingCount   int64        `json:"rating_count"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Rating 返回平均评分，没有评分时为 0。
func (a Agent) Rating() float64 {
	if a.RatingCount == 0 {
		return 0
	}
	return float64(a.RatingSum) / float64(a.RatingCount)
}

// ComposePrompt 把知识附录追加到系统提示词之后。
func ComposePrompt(prompt, knowledge string) string {
	knowledge = strings.TrimSpace(knowledge)
	if knowledge == "" {
		return prompt
	}
	return prompt + knowledgeHeader + knowledge
}

// AgentPatch 描述一次部分更新，nil 字段保持不变。
type AgentPatch struct {
	Name          *string
	Icon          *string
	Description   *string
	SystemPrompt  *string
	PriceData     *bool
	WalletData    *bool
	ChainData     *bool
	PricePerQuery *float64
	Tags          *[]string
	IsPublic      *bool
}

// Apply 在 Agent 副本上应用补丁。
func (p AgentPatch) Apply(a *Agent) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Icon != nil {
		a.Icon = *p.Icon
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.SystemPrompt != nil {
		a.SystemPrompt = *p.SystemPrompt
	}
	if p.PriceData != nil {
		a.Capabilities.PriceData = *p.PriceData
	}
	if p.WalletData != nil {
		a.Capabilities.WalletData = *p.WalletData
	}
	if p.ChainData != nil {
		a.Capabilities.ChainData = *p.ChainData
	}
	if p.PricePerQuery != nil {
		a.PricePerQuery = *p.PricePerQuery
	}
	if p.Tags != nil {
		a.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.IsPublic != nil {
		a.IsPublic = *p.IsPublic
	}
}

// User 是通过聊天平台签名识别的调用方。
type User struct {
	ID            int64     `json:"id"`
	TelegramID    string    `json:"telegram_id"`
	Username      string    `json:"username"`
	FirstName     string    `json:"first_name"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Profile 是 /me 接口返回的用户概要。
type Profile struct {
	User
	AgentsCreated int64 `json:"agents_created"`
	TotalQueries  int64 `json:"total_queries"`
}

// QueryLogEntry 记录一次成功的编排，写入后不可修改。UserID 为 0 表示匿名调用。
type QueryLogEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	UserID    int64     `json:"user_id,omitempty"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	ToolsUsed []string  `json:"tools_used"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedItem 是公开动态中的一条内容。
type FeedItem struct {
	ID            int64     `json:"id"`
	AgentID       string    `json:"agent_id"`
	AgentName     string    `json:"agent_name,omitempty"`
	AgentIcon     string    `json:"agent_icon,omitempty"`
	AgentColor    string    `json:"agent_color,omitempty"`
	Content       string    `json:"content"`
	ToolsUsed     []string  `json:"tools_used"`
	SourceQueryID int64     `json:"source_query_id"`
	Likes         int64     `json:"likes"`
	CreatedAt     time.Time `json:"created_at"`
}

// MemoryEntry 是按 (Agent, User) 保存的长期记忆。
type MemoryEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats 是健康检查返回的计数。
type Stats struct {
	Agents int64 `json:"agents"`
	Users  int64 `json:"users"`
}

// JoinTags 把标签序列化为逗号分隔的存储格式。
func JoinTags(tags []string) string {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return strings.Join(clean, ",")
}

// SplitTags 是 JoinTags 的逆操作。
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
