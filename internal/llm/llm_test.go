package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "agnt-platform/internal/errors"
)

type stubClient struct {
	resp  *Response
	err   error
	delay time.Duration
	calls int
	last  Request
}

func (s *stubClient) Generate(ctx context.Context, req Request) (*Response, error) {
	s.calls++
	s.last = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.resp, s.err
}

func TestInvokeNotConfigured(t *testing.T) {
	inv := NewInvoker(nil)
	_, err := inv.Invoke(context.Background(), "sys", "ctx", "hi", 0)
	if xerrors.CodeOf(err) != CodeModelNotConfigured {
		t.Fatalf("expected not configured, got %v", err)
	}
	if !IsModelError(err) {
		t.Fatal("not configured should be a model error")
	}
}

func TestInvokeComposesSystemBlock(t *testing.T) {
	client := &stubClient{resp: &Response{Text: "answer"}}
	inv := NewInvoker(client)

	text, err := inv.Invoke(context.Background(), "You are AGNT.", "[TIME] now", "hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "answer" {
		t.Fatalf("unexpected text %q", text)
	}
	if client.last.System != "You are AGNT.\n\n[TIME] now" || client.last.Message != "hello" {
		t.Fatalf("unexpected request %+v", client.last)
	}
	if client.last.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected default budget, got %d", client.last.MaxTokens)
	}
}

func TestInvokeTimeout(t *testing.T) {
	client := &stubClient{resp: &Response{Text: "late"}, delay: time.Second}
	inv := NewInvoker(client, WithTimeout(20*time.Millisecond))

	text, err := inv.Invoke(context.Background(), "sys", "ctx", "hi", 100)
	if xerrors.CodeOf(err) != CodeModelTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if text != "" {
		t.Fatalf("timeout must not return partial text, got %q", text)
	}
}

func TestInvokeBackendFailureAndEmptyText(t *testing.T) {
	inv := NewInvoker(&stubClient{err: errors.New("AI error: 500")})
	if _, err := inv.Invoke(context.Background(), "sys", "ctx", "hi", 0); xerrors.CodeOf(err) != CodeModelBackendFailure {
		t.Fatalf("expected backend failure, got %v", err)
	}

	inv = NewInvoker(&stubClient{resp: &Response{Text: "   "}})
	if _, err := inv.Invoke(context.Background(), "sys", "ctx", "hi", 0); xerrors.CodeOf(err) != CodeModelBackendFailure {
		t.Fatalf("expected backend failure for empty text, got %v", err)
	}
}
