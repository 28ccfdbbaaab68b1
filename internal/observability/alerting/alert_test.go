package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agnt-platform/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFromErrorHonoursAlertFlag(t *testing.T) {
	_, ok := FromError(xerrors.New(xerrors.CodeNotFound, "agent not found"), "ag_1", "req")
	assert.False(t, ok)
	_, ok = FromError(errors.New("plain"), "ag_1", "req")
	assert.False(t, ok)

	err := xerrors.New(xerrors.CodeStorageFailure, "db down", xerrors.WithMetadata("table", "agents"))
	event, ok := FromError(err, "ag_1", "req-1")
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeStorageFailure, event.Code)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, "ag_1", event.AgentID)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, "agents", event.Metadata["table"])
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	d := NewFanout(ok, nil, failing)

	assert.Equal(t, []Channel{ChannelLog, ChannelWebhook}, d.Channels())
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeTimeout})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel webhook")
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)

	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}

func TestLogNotifierWritesRecord(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, n.Notify(context.Background(), Event{
		Code: xerrors.CodeTimeout, Message: "model slow", AgentID: "agnt_core",
		Metadata: map[string]string{"fallback": "TON $5.00"},
	}))
	out := buf.String()
	assert.Contains(t, out, `"msg":"model slow"`)
	assert.Contains(t, out, `"agent_id":"agnt_core"`)
	assert.Contains(t, out, `"meta.fallback":"TON $5.00"`)
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "application/json"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), Event{Code: xerrors.CodeQueueFailure, Message: "queue down"}))
	assert.Equal(t, xerrors.CodeQueueFailure, got.Code)
	assert.Equal(t, "queue down", got.Message)
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{})
	require.ErrorContains(t, err, "502")
	assert.Nil(t, NewWebhookNotifier("", time.Second))
}
