package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agnt-platform/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateJoinsTextBlocks(t *testing.T) {
	var (
		headers http.Header
		body    messagesRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"there"}],"usage":{"input_tokens":20,"output_tokens":2}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{System: "system block", Message: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hello there" || resp.InputTokens != 20 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if headers.Get("x-api-key") != "sk-test" || headers.Get("anthropic-version") != apiVersion {
		t.Fatalf("missing auth headers: %v", headers)
	}
	if body.System != "system block" || body.MaxTokens != llm.DefaultMaxTokens || len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Fatalf("unexpected request %+v", body)
	}
}

func TestGenerateNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, 529)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Message: "hi"}); err == nil {
		t.Fatal("expected error for non-success status")
	}
}
