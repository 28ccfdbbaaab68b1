package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agnt-platform/internal/auth"
	"agnt-platform/internal/conversation"
	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/orchestrator"
	"agnt-platform/internal/storage"
	"agnt-platform/pkg/logger"
)

const defaultFeedLimit = 20

var errNotReady = xerrors.New(xerrors.CodeInitializationFailure, "Service not ready")

// callerOf 从请求中提取调用方身份。
func callerOf(r *http.Request) orchestrator.Caller {
	caller := orchestrator.Caller{RemoteAddr: remoteIP(r)}
	if user := auth.UserFromContext(r.Context()); user != nil {
		caller.UserID = user.ID
		caller.TelegramID = user.TelegramID
	}
	return caller
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": stats.Agents,
		"users":  stats.Users,
	})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, r, errNotReady)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Market.Get(r.Context()))
}

type chatRequest struct {
	AgentID       string `json:"agent_id"`
	Message       string `json:"message"`
	WalletAddress string `json:"wallet_address"`
}

type chatAgent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type chatResponse struct {
	Text      string    `json:"text"`
	ToolsUsed []string  `json:"tools_used"`
	Agent     chatAgent `json:"agent"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, r, errNotReady)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.deps.Orchestrator.Orchestrate(r.Context(), orchestrator.Request{
		AgentID:       req.AgentID,
		Message:       req.Message,
		WalletAddress: req.WalletAddress,
		Caller:        callerOf(r),
		RequestID:     RequestIDFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	tools := result.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Text:      result.Text,
		ToolsUsed: tools,
		Agent:     chatAgent{ID: result.AgentID, Name: result.AgentName},
	})
}

type relayRequest struct {
	ChatID        int64  `json:"chat_id"`
	Message       string `json:"message"`
	AgentID       string `json:"agent_id"`
	WalletAddress string `json:"wallet_address"`
}

// HeaderRelaySecret 携带聊天机器人进程与服务端之间的共享密钥。
const HeaderRelaySecret = "X-Relay-Secret"

var errRelayForbidden = xerrors.New(xerrors.CodeForbidden, "chat_id does not belong to caller")

// relayCaller 确定 relay 请求可以操作的会话。
// 配置了共享密钥时信任机器人进程给出的 chat_id，按会话限流；
// 否则只允许已认证用户访问自己的私聊会话。
func (s *Server) relayCaller(r *http.Request, chatID int64) (int64, orchestrator.Caller, error) {
	if s.relaySecret != "" {
		got := r.Header.Get(HeaderRelaySecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.relaySecret)) != 1 {
			return 0, orchestrator.Caller{}, xerrors.New(xerrors.CodeUnauthenticated, "Invalid relay secret")
		}
		if chatID == 0 {
			return 0, orchestrator.Caller{}, badRequest("chat_id required")
		}
		return chatID, orchestrator.Caller{ChatID: chatID, RemoteAddr: remoteIP(r)}, nil
	}

	user := auth.UserFromContext(r.Context())
	if user == nil {
		return 0, orchestrator.Caller{}, errAuthRequired
	}
	own, err := strconv.ParseInt(strings.TrimSpace(user.TelegramID), 10, 64)
	if err != nil || own == 0 {
		return 0, orchestrator.Caller{}, errRelayForbidden
	}
	if chatID != 0 && chatID != own {
		return 0, orchestrator.Caller{}, errRelayForbidden
	}
	caller := callerOf(r)
	caller.ChatID = own
	return own, caller, nil
}

// handleRelay 服务聊天机器人进程，回复始终为 200，降级信息在回复文本中。
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relay == nil {
		writeError(w, r, errNotReady)
		return
	}
	var req relayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	chatID, caller, err := s.relayCaller(r, req.ChatID)
	if err != nil {
		logger.Audit().Info("relay rejected",
			slog.Int64("chat_id", req.ChatID),
			slog.String("remote", remoteIP(r)),
			slog.String("code", string(xerrors.CodeOf(err))),
		)
		writeError(w, r, err)
		return
	}
	reply := s.deps.Relay.Handle(r.Context(), conversation.Message{
		ChatID:        chatID,
		Text:          req.Message,
		AgentID:       req.AgentID,
		WalletAddress: req.WalletAddress,
		Caller:        caller,
		RequestID:     RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, reply)
}

// parseBefore 接受 RFC3339 时间或毫秒时间戳。
func parseBefore(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, badRequest("before must be RFC3339 or unix milliseconds")
	}
	return t, nil
}

func (s *Server) handleListFeed(w http.ResponseWriter, r *http.Request) {
	before, err := parseBefore(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := intQuery(r, "limit", defaultFeedLimit)
	if limit > 100 {
		limit = 100
	}
	items, err := s.deps.Store.ListFeed(r.Context(), before, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []storage.FeedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleLikeFeed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, r, badRequest("invalid feed id"))
		return
	}
	likes, err := s.deps.Store.LikeFeed(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"likes": likes})
}
