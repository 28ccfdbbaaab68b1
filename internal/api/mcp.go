package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"agnt-platform/internal/orchestrator"
	"agnt-platform/internal/storage"
)

// 工具网关的命名约定。
const (
	ToolPrefix     = "agnt_"
	ToolListAgents = "agnt_list_agents"
	ToolMarketData = "agnt_market_data"

	mcpAgentLimit = 50
)

// Tool 是一个可被外部模型调用的工具描述。
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  ToolSchema `json:"parameters"`
}

// ToolSchema 是工具参数的 JSON Schema 子集。
type ToolSchema struct {
	Type       string                  `json:"type"`
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required,omitempty"`
}

// ToolProperty 描述单个参数。
type ToolProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

var agentToolSchema = ToolSchema{
	Type: "object",
	Properties: map[string]ToolProperty{
		"message":        {Type: "string", Description: "Your question or request"},
		"wallet_address": {Type: "string", Description: "TON wallet address (optional)"},
	},
	Required: []string{"message"},
}

var emptySchema = ToolSchema{Type: "object", Properties: map[string]ToolProperty{}}

func (s *Server) handleMCPManifest(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgents(r.Context(), storage.WithLimit(mcpAgentLimit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	tools := make([]Tool, 0, len(agents)+2)
	for _, a := range agents {
		tools = append(tools, Tool{
			Name:        ToolPrefix + a.ID,
			Description: a.Name + ": " + a.Description,
			Parameters:  agentToolSchema,
		})
	}
	tools = append(tools,
		Tool{Name: ToolListAgents, Description: "List all available AGNT agents with their capabilities", Parameters: emptySchema},
		Tool{Name: ToolMarketData, Description: "Get live TON/BTC/ETH prices", Parameters: emptySchema},
	)
	writeJSON(w, http.StatusOK, map[string][]Tool{"tools": tools})
}

type executeRequest struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

type agentToolParams struct {
	Message       string `json:"message"`
	WalletAddress string `json:"wallet_address"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	switch req.Tool {
	case ToolListAgents:
		s.executeListAgents(w, r)
	case ToolMarketData:
		if s.deps.Market == nil {
			writeError(w, r, errNotReady)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": s.deps.Market.Get(r.Context())})
	default:
		s.executeAgentTool(w, r, req)
	}
}

func (s *Server) executeListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgents(r.Context(), storage.WithLimit(mcpAgentLimit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	lines := make([]string, 0, len(agents))
	for _, a := range agents {
		lines = append(lines, fmt.Sprintf("%s %s — %s (%d queries)", a.Icon, a.Name, a.Description, a.TotalQueries))
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": strings.Join(lines, "\n")})
}

func (s *Server) executeAgentTool(w http.ResponseWriter, r *http.Request, req executeRequest) {
	agentID, ok := strings.CutPrefix(req.Tool, ToolPrefix)
	if !ok || agentID == "" {
		writeError(w, r, badRequest("Unknown tool"))
		return
	}
	if s.deps.Orchestrator == nil {
		writeError(w, r, errNotReady)
		return
	}
	var params agentToolParams
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			writeError(w, r, badRequest("Invalid parameters"))
			return
		}
	}
	// 工具网关按网络来源限流，不使用登录身份。
	result, err := s.deps.Orchestrator.Orchestrate(r.Context(), orchestrator.Request{
		AgentID:       agentID,
		Message:       params.Message,
		WalletAddress: params.WalletAddress,
		Caller:        orchestrator.Caller{RemoteAddr: remoteIP(r)},
		RequestID:     RequestIDFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result.Text})
}
