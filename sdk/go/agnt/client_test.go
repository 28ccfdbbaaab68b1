package agnt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"agnt-platform/internal/api"
	"agnt-platform/internal/auth"
	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/orchestrator"
	"agnt-platform/internal/storage"
)

const botToken = "42:SDK"

type echoOrchestrator struct{}

func (echoOrchestrator) Orchestrate(_ context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, orchestrator.ErrMessageRequired
	}
	if req.AgentID == "" {
		req.AgentID = storage.CoreAgentID
	}
	return &orchestrator.Result{Text: "re: " + req.Message, AgentID: req.AgentID, AgentName: "AGNT", ToolsUsed: []string{"Live Prices"}}, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ids, err := storage.NewIDGenerator(3)
	if err != nil {
		t.Fatalf("NewIDGenerator: %v", err)
	}
	store := storage.NewMemoryStore(ids)
	if err := store.CreateAgent(context.Background(), &storage.Agent{
		ID: storage.CoreAgentID, Name: "AGNT", SystemPrompt: "core", IsCore: true, IsPublic: true,
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	server := api.NewServer(":0", api.Dependencies{
		Store:        store,
		Orchestrator: echoOrchestrator{},
		Verifier:     auth.NewVerifier(botToken),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func initData(telegramID int) string {
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("user", `{"id":`+strconv.Itoa(telegramID)+`}`)
	values.Set("hash", auth.Sign(botToken, values))
	return values.Encode()
}

func TestDeployAndChat(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	client.SetInitData(initData(7))

	dep, err := client.CreateAgent(ctx, NewAgent{Name: "Gas", SystemPrompt: "fees", Tools: &Tools{Prices: true}})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if dep.Status != "deployed" || !strings.HasPrefix(dep.ID, "ag_") {
		t.Fatalf("unexpected deployment %+v", dep)
	}

	agent, err := client.GetAgent(ctx, dep.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !agent.Tools.Prices || agent.Icon != "🤖" || agent.Rating != nil {
		t.Fatalf("unexpected agent %+v", agent)
	}

	reply, err := client.Chat(ctx, dep.ID, "gm", "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Text != "re: gm" || reply.Agent.ID != dep.ID {
		t.Fatalf("unexpected reply %+v", reply)
	}

	rating, err := client.Rate(ctx, dep.ID, 4)
	if err != nil || rating != "4.0" {
		t.Fatalf("Rate: %q %v", rating, err)
	}
	following, err := client.Follow(ctx, dep.ID)
	if err != nil || !following {
		t.Fatalf("Follow: %v %v", following, err)
	}
	if err := client.DeleteAgent(ctx, dep.ID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
}

func TestAPIErrorsAreDecoded(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.Chat(ctx, "", "  ", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	_, err = client.Rate(ctx, storage.CoreAgentID, 5)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("rating without identity should be unauthorized, got %v", err)
	}

	if err := client.DeleteAgent(ctx, storage.CoreAgentID); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("core agent delete should be forbidden, got %v", err)
	}
}

func TestToolsAndExecute(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	tools, err := client.Tools(ctx)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 3 || tools[0].Name != "agnt_"+storage.CoreAgentID {
		t.Fatalf("unexpected tools %+v", tools)
	}

	raw, err := client.Execute(ctx, "agnt_"+storage.CoreAgentID, map[string]string{"message": "price?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(raw) != `"re: price?"` {
		t.Fatalf("unexpected result %s", raw)
	}

	items, err := client.Feed(ctx, time.Time{}, 5)
	if err != nil || len(items) != 0 {
		t.Fatalf("Feed: %v %v", items, err)
	}
}
