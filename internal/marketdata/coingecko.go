package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agnt-platform/pkg/logger"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	defaultTimeout = 8 * time.Second

	coinTON = "the-open-network"
	coinBTC = "bitcoin"
	coinETH = "ethereum"
)

// Config 描述行情源的访问参数。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CoinGecko 通过 simple/price 接口拉取 TON、BTC、ETH 行情。
type CoinGecko struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCoinGecko 创建行情客户端。
func NewCoinGecko(cfg Config) *CoinGecko {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &CoinGecko{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type coinQuote struct {
	USD          float64 `json:"usd"`
	USD24hChange float64 `json:"usd_24h_change"`
	USDMarketCap float64 `json:"usd_market_cap"`
	USD24hVol    float64 `json:"usd_24h_vol"`
}

// Fetch 拉取一次行情。任何失败都只返回 false，由调用方决定如何降级。
func (c *CoinGecko) Fetch(ctx context.Context) (Snapshot, bool) {
	snap, err := c.fetch(ctx)
	if err != nil {
		logger.Named("marketdata").Debug("行情源不可用", slog.Any("error", err))
		return Snapshot{}, false
	}
	return snap, true
}

func (c *CoinGecko) fetch(ctx context.Context) (Snapshot, error) {
	query := url.Values{}
	query.Set("ids", strings.Join([]string{coinTON, coinBTC, coinETH}, ","))
	query.Set("vs_currencies", "usd")
	query.Set("include_24hr_change", "true")
	query.Set("include_market_cap", "true")
	query.Set("include_24hr_vol", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+query.Encode(), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("构建行情请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("请求行情失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("行情源返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded map[string]coinQuote
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Snapshot{}, fmt.Errorf("解析行情响应失败: %w", err)
	}
	ton, ok := decoded[coinTON]
	if !ok {
		return Snapshot{}, fmt.Errorf("行情响应缺少 %s", coinTON)
	}

	return Snapshot{
		TON: Quote{
			Price:     ton.USD,
			Change24h: ton.USD24hChange,
			MarketCap: ton.USDMarketCap,
			Volume24h: ton.USD24hVol,
		},
		BTC:        Quote{Price: decoded[coinBTC].USD},
		ETH:        Quote{Price: decoded[coinETH].USD},
		CapturedAt: time.Now().UTC(),
	}, nil
}
