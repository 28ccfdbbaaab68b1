// Package agnt is a small Go client for the AGNT platform HTTP API.
package agnt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Chat calls wait on a model, so it is longer than a plain REST timeout.
const DefaultHTTPTimeout = 40 * time.Second

// HeaderInitData carries the signed chat-platform init data.
const HeaderInitData = "X-Telegram-Init-Data"

// Client wraps the HTTP interactions with the AGNT REST and tool APIs.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu       sync.RWMutex
	initData string
}

// Tools mirrors the capability switches of an agent.
type Tools struct {
	Prices bool `json:"prices"`
	Wallet bool `json:"wallet"`
	TonAPI bool `json:"tonapi"`
}

// Agent is the public view of an agent.
type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Icon          string   `json:"icon"`
	Description   string   `json:"description"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	Tools         Tools    `json:"tools"`
	PricePerQuery float64  `json:"price_per_query"`
	IsCore        bool     `json:"is_core"`
	IsPublic      bool     `json:"is_public"`
	Tags          []string `json:"tags"`
	TotalQueries  int64    `json:"total_queries"`
	Rating        *float64 `json:"rating"`
}

// NewAgent is the payload for deploying an agent.
type NewAgent struct {
	Name          string   `json:"name"`
	Icon          string   `json:"icon,omitempty"`
	Description   string   `json:"description,omitempty"`
	SystemPrompt  string   `json:"system_prompt"`
	Knowledge     string   `json:"knowledge,omitempty"`
	Tools         *Tools   `json:"tools,omitempty"`
	PricePerQuery *float64 `json:"price_per_query,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	IsPublic      *bool    `json:"is_public,omitempty"`
}

// Deployment is returned after an agent is created.
type Deployment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ChatReply is the answer of one orchestrated query.
type ChatReply struct {
	Text      string   `json:"text"`
	ToolsUsed []string `json:"tools_used"`
	Agent     struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"agent"`
}

// FeedItem is one entry of the public feed.
type FeedItem struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Content   string    `json:"content"`
	ToolsUsed []string  `json:"tools_used"`
	Likes     int64     `json:"likes"`
	CreatedAt time.Time `json:"created_at"`
}

// Tool describes one entry of the tool manifest.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Fallback   string `json:"fallback"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agnt api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agnt api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetInitData stores the signed init data sent with every request.
func (c *Client) SetInitData(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initData = raw
}

// InitData returns the stored init data.
func (c *Client) InitData() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initData
}

// ListAgents lists public agents. sort is one of popular, rating, new or empty.
func (c *Client) ListAgents(ctx context.Context, sort, tag string, limit int) ([]Agent, error) {
	q := url.Values{}
	if sort != "" {
		q.Set("sort", sort)
	}
	if tag != "" {
		q.Set("tag", tag)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var agents []Agent
	err := c.call(ctx, http.MethodGet, "/api/agents", q, nil, &agents)
	return agents, err
}

// GetAgent fetches one agent including its prompt.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	err := c.call(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, nil, &agent)
	return agent, err
}

// CreateAgent deploys a new agent.
func (c *Client) CreateAgent(ctx context.Context, agent NewAgent) (Deployment, error) {
	var out Deployment
	err := c.call(ctx, http.MethodPost, "/api/agents", nil, agent, &out)
	return out, err
}

// DeleteAgent removes an agent owned by the caller.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id), nil, nil, nil)
}

// Chat sends one message to an agent. An empty agentID targets the core agent.
func (c *Client) Chat(ctx context.Context, agentID, message, walletAddress string) (ChatReply, error) {
	var out ChatReply
	err := c.call(ctx, http.MethodPost, "/api/chat", nil, map[string]string{
		"agent_id":       agentID,
		"message":        message,
		"wallet_address": walletAddress,
	}, &out)
	return out, err
}

// Rate scores an agent from 1 to 5 and returns the new average.
func (c *Client) Rate(ctx context.Context, agentID string, score int) (string, error) {
	var out struct {
		Rating string `json:"rating"`
	}
	err := c.call(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/rate", nil, map[string]int{"score": score}, &out)
	return out.Rating, err
}

// Follow toggles following an agent and reports whether the caller now follows it.
func (c *Client) Follow(ctx context.Context, agentID string) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.call(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/follow", nil, nil, &out)
	return out.Status == "followed", err
}

// Feed returns feed items older than before (zero means newest).
func (c *Client) Feed(ctx context.Context, before time.Time, limit int) ([]FeedItem, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var items []FeedItem
	err := c.call(ctx, http.MethodGet, "/api/feed", q, nil, &items)
	return items, err
}

// Tools returns the tool manifest.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	err := c.call(ctx, http.MethodGet, "/mcp", nil, nil, &out)
	return out.Tools, err
}

// Execute runs a tool and returns its raw result.
func (c *Client) Execute(ctx context.Context, tool string, params map[string]string) (json.RawMessage, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	err := c.call(ctx, http.MethodPost, "/execute", nil, map[string]any{
		"tool":       tool,
		"parameters": params,
	}, &out)
	return out.Result, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if raw := c.InitData(); raw != "" {
		req.Header.Set(HeaderInitData, raw)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
