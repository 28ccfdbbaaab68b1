package ethereum

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agnt-platform/internal/web3"
)

const (
	holder = "0x00000000000000000000000000000000000000aa"
	usdc   = "0x00000000000000000000000000000000000000c1"
	broken = "0x00000000000000000000000000000000000000c2"
	dai    = "0x00000000000000000000000000000000000000c3"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func word(v *big.Int) string {
	return fmt.Sprintf("0x%064x", v)
}

// newRPCServer answers the handful of JSON-RPC methods the inspector uses.
func newRPCServer(t *testing.T, syncing bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		var result any
		var rpcErr any
		switch req.Method {
		case "eth_getBalance":
			result = "0x1bc16d674ec80000" // 2 ETH
		case "eth_blockNumber":
			result = "0x1312d00"
		case "eth_syncing":
			if syncing {
				result = map[string]string{"startingBlock": "0x0", "currentBlock": "0x10", "highestBlock": "0x20"}
			} else {
				result = false
			}
		case "eth_call":
			var call struct {
				To string `json:"to"`
			}
			_ = json.Unmarshal(req.Params[0], &call)
			switch strings.ToLower(call.To) {
			case usdc:
				result = word(big.NewInt(1_500_000))
			case dai:
				result = word(new(big.Int).Mul(big.NewInt(25), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
			default:
				rpcErr = map[string]any{"code": -32000, "message": "execution reverted"}
			}
		default:
			rpcErr = map[string]any{"code": -32601, "message": "method not found"}
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, Config{
		Name:   "ethereum",
		RPCURL: url,
		Tokens: []Token{
			{Symbol: "USDC", Address: common.HexToAddress(usdc), Decimals: 6},
			{Symbol: "BRK", Address: common.HexToAddress(broken), Decimals: 18},
			{Symbol: "DAI", Address: common.HexToAddress(dai), Decimals: 18},
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestInspectWalletReadsNativeAndTokens(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, newRPCServer(t, false).URL)

	snap, ok := client.InspectWallet(context.Background(), holder)
	if !ok {
		t.Fatal("expected wallet snapshot")
	}
	if got := snap.Native.Float64(); got != 2 {
		t.Fatalf("unexpected native balance %v", got)
	}
	if snap.Native.Symbol != "ETH" {
		t.Fatalf("unexpected native symbol %s", snap.Native.Symbol)
	}
	if len(snap.Tokens) != 2 {
		t.Fatalf("reverted token should be skipped, got %+v", snap.Tokens)
	}
	if snap.Tokens[0].Symbol != "DAI" || snap.Tokens[1].Symbol != "USDC" {
		t.Fatalf("tokens should be ordered by amount: %+v", snap.Tokens)
	}
	if got := snap.Tokens[1].Float64(); got != 1.5 {
		t.Fatalf("unexpected usdc amount %v", got)
	}
}

func TestInspectWalletRejectsInvalidAddress(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, newRPCServer(t, false).URL)

	if _, ok := client.InspectWallet(context.Background(), "EQD-not-evm"); ok {
		t.Fatal("expected invalid address to be unavailable")
	}
}

func TestInspectChainHealth(t *testing.T) {
	t.Parallel()

	status, ok := newTestClient(t, newRPCServer(t, false).URL).InspectChain(context.Background())
	if !ok || status.BlockHeight != 20_000_000 || status.Health != web3.HealthOperational {
		t.Fatalf("unexpected status %+v ok=%v", status, ok)
	}

	status, ok = newTestClient(t, newRPCServer(t, true).URL).InspectChain(context.Background())
	if !ok || status.Health != web3.HealthSyncing {
		t.Fatalf("expected syncing status, got %+v", status)
	}
}

func TestInspectChainUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	status, ok := newTestClient(t, srv.URL).InspectChain(context.Background())
	if ok || status.Health != web3.HealthUnknown {
		t.Fatalf("expected unavailable status, got %+v ok=%v", status, ok)
	}
}
