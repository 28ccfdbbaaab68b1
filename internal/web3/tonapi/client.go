package tonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agnt-platform/internal/web3"
	"agnt-platform/pkg/logger"
)

const (
	defaultBaseURL  = "https://tonapi.io"
	defaultTimeout  = 8 * time.Second
	nativeDecimals  = 9
	defaultDecimals = 9
)

// Config describes how to reach a TON indexer API.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client inspects TON wallets and the masterchain head over HTTP.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ web3.Inspector = (*Client)(nil)

// NewClient returns a TON inspector. It does not contact the API.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "ton"
	}
	return &Client{
		name:       name,
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type accountResponse struct {
	Balance json.Number `json:"balance"`
}

type jettonsResponse struct {
	Balances []struct {
		Balance string `json:"balance"`
		Jetton  struct {
			Symbol   string `json:"symbol"`
			Decimals *int   `json:"decimals"`
		} `json:"jetton"`
	} `json:"balances"`
}

type headResponse struct {
	Seqno uint64 `json:"seqno"`
}

// InspectWallet fetches the native balance and jetton balances concurrently.
// A failing jetton lookup degrades to an empty token list.
func (c *Client) InspectWallet(ctx context.Context, address string) (web3.WalletSnapshot, bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return web3.WalletSnapshot{}, false
	}
	log := logger.Named("tonapi")
	escaped := url.PathEscape(address)

	var (
		native web3.TokenBalance
		tokens []web3.TokenBalance
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var acc accountResponse
		if err := c.getJSON(gctx, "/v2/accounts/"+escaped, &acc); err != nil {
			return err
		}
		raw, ok := new(big.Int).SetString(acc.Balance.String(), 10)
		if !ok {
			return fmt.Errorf("tonapi: malformed balance %q", acc.Balance.String())
		}
		native = web3.TokenBalance{Symbol: "TON", Raw: raw, Decimals: nativeDecimals}
		return nil
	})
	g.Go(func() error {
		var jettons jettonsResponse
		if err := c.getJSON(gctx, "/v2/accounts/"+escaped+"/jettons", &jettons); err != nil {
			log.Debug("jetton 余额不可用，按空列表处理", slog.String("address", address), slog.Any("error", err))
			return nil
		}
		for _, b := range jettons.Balances {
			raw, ok := new(big.Int).SetString(strings.TrimSpace(b.Balance), 10)
			if !ok {
				continue
			}
			decimals := defaultDecimals
			if b.Jetton.Decimals != nil {
				decimals = *b.Jetton.Decimals
			}
			tokens = append(tokens, web3.TokenBalance{Symbol: b.Jetton.Symbol, Raw: raw, Decimals: decimals})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Debug("钱包数据不可用", slog.String("address", address), slog.Any("error", err))
		return web3.WalletSnapshot{}, false
	}

	return web3.WalletSnapshot{
		Address: address,
		Native:  native,
		Tokens:  web3.RankTokens(tokens),
	}, true
}

// InspectChain reads the masterchain head sequence number.
func (c *Client) InspectChain(ctx context.Context) (web3.ChainStatus, bool) {
	var head headResponse
	if err := c.getJSON(ctx, "/v2/blockchain/masterchain-head", &head); err != nil {
		logger.Named("tonapi").Debug("链状态不可用", slog.Any("error", err))
		return web3.ChainStatus{Network: c.name, Health: web3.HealthUnknown}, false
	}
	return web3.ChainStatus{Network: c.name, BlockHeight: head.Seqno, Health: web3.HealthOperational}, true
}

// Close is a no-op; the HTTP transport is shared.
func (c *Client) Close() {}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
