package api

import (
	"fmt"
	"net/http"
	"strings"

	"agnt-platform/internal/auth"
	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/storage"
)

const (
	defaultAgentIcon  = "🤖"
	defaultAgentPrice = 0.01
)

var errAuthRequired = xerrors.New(xerrors.CodeUnauthenticated, "Auth required")

// agentView 是对外展示的 Agent，评分为一位小数，无评分时为 null。
type agentView struct {
	storage.Agent
	Rating *float64 `json:"rating"`
}

func viewOf(agent storage.Agent, withPrompt bool) agentView {
	if !withPrompt {
		agent.SystemPrompt = ""
	}
	if agent.Tags == nil {
		agent.Tags = []string{}
	}
	view := agentView{Agent: agent}
	if agent.RatingCount > 0 {
		rating := float64(int(agent.Rating()*10+0.5)) / 10
		view.Rating = &rating
	}
	return view
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := s.deps.Store.ListAgents(r.Context(),
		storage.WithSort(storage.ParseAgentSort(q.Get("sort"))),
		storage.WithTag(q.Get("tag")),
		storage.WithLimit(intQuery(r, "limit", 50)),
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, viewOf(a, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := auth.UserFromContext(r.Context())
	owner := user != nil && agent.CreatorID != 0 && agent.CreatorID == user.ID
	if !agent.IsPublic && !owner {
		writeError(w, r, storage.ErrAgentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*agent, true))
}

type toolsInput struct {
	Prices *bool `json:"prices"`
	Wallet *bool `json:"wallet"`
	TonAPI *bool `json:"tonapi"`
}

type createAgentRequest struct {
	Name          string      `json:"name"`
	Icon          string      `json:"icon"`
	Description   string      `json:"description"`
	Color         string      `json:"color"`
	SystemPrompt  string      `json:"system_prompt"`
	Knowledge     string      `json:"knowledge"`
	Tools         *toolsInput `json:"tools"`
	PricePerQuery *float64    `json:"price_per_query"`
	Tags          []string    `json:"tags"`
	IsPublic      *bool       `json:"is_public"`
	CreatorWallet string      `json:"creator_wallet"`
}

func (req createAgentRequest) agent() (*storage.Agent, error) {
	name := strings.TrimSpace(req.Name)
	prompt := strings.TrimSpace(req.SystemPrompt)
	if name == "" || prompt == "" {
		return nil, badRequest("Name and system_prompt required")
	}
	agent := &storage.Agent{
		ID:            storage.NewAgentID(),
		Name:          name,
		Icon:          req.Icon,
		Description:   strings.TrimSpace(req.Description),
		Color:         req.Color,
		SystemPrompt:  storage.ComposePrompt(prompt, req.Knowledge),
		PricePerQuery: defaultAgentPrice,
		IsPublic:      true,
		Tags:          storage.SplitTags(storage.JoinTags(req.Tags)),
		CreatorWallet: req.CreatorWallet,
	}
	if agent.Icon == "" {
		agent.Icon = defaultAgentIcon
	}
	if agent.Description == "" {
		agent.Description = name
	}
	if req.PricePerQuery != nil {
		if *req.PricePerQuery < 0 {
			return nil, badRequest("price_per_query must not be negative")
		}
		agent.PricePerQuery = *req.PricePerQuery
	}
	if req.IsPublic != nil {
		agent.IsPublic = *req.IsPublic
	}
	if t := req.Tools; t != nil {
		agent.Capabilities = storage.Capabilities{
			PriceData:  t.Prices != nil && *t.Prices,
			WalletData: t.Wallet != nil && *t.Wallet,
			ChainData:  t.TonAPI != nil && *t.TonAPI,
		}
	}
	return agent, nil
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := req.agent()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if user := auth.UserFromContext(r.Context()); user != nil {
		agent.CreatorID = user.ID
	}
	if err := s.deps.Store.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     agent.ID,
		"name":   agent.Name,
		"status": "deployed",
	})
}

type updateAgentRequest struct {
	Name          *string     `json:"name"`
	Icon          *string     `json:"icon"`
	Description   *string     `json:"description"`
	SystemPrompt  *string     `json:"system_prompt"`
	Tools         *toolsInput `json:"tools"`
	PricePerQuery *float64    `json:"price_per_query"`
	Tags          *[]string   `json:"tags"`
	IsPublic      *bool       `json:"is_public"`
}

func (req updateAgentRequest) patch() (storage.AgentPatch, error) {
	patch := storage.AgentPatch{
		Name:          req.Name,
		Icon:          req.Icon,
		Description:   req.Description,
		SystemPrompt:  req.SystemPrompt,
		PricePerQuery: req.PricePerQuery,
		IsPublic:      req.IsPublic,
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return patch, badRequest("name must not be empty")
	}
	if req.SystemPrompt != nil && strings.TrimSpace(*req.SystemPrompt) == "" {
		return patch, badRequest("system_prompt must not be empty")
	}
	if req.PricePerQuery != nil && *req.PricePerQuery < 0 {
		return patch, badRequest("price_per_query must not be negative")
	}
	if req.Tags != nil {
		tags := storage.SplitTags(storage.JoinTags(*req.Tags))
		patch.Tags = &tags
	}
	if t := req.Tools; t != nil {
		patch.PriceData = t.Prices
		patch.WalletData = t.Wallet
		patch.ChainData = t.TonAPI
	}
	return patch, nil
}

// authorizeOwner 核心 Agent 一律拒绝；有创建者的 Agent 只允许创建者修改。
func (s *Server) authorizeOwner(r *http.Request, id string) error {
	agent, err := s.deps.Store.GetAgent(r.Context(), id)
	if err != nil {
		return err
	}
	if agent.IsCore {
		return storage.ErrCoreAgentImmutable
	}
	if agent.CreatorID == 0 {
		return nil
	}
	user := auth.UserFromContext(r.Context())
	if user == nil {
		return errAuthRequired
	}
	if user.ID != agent.CreatorID {
		return xerrors.New(xerrors.CodeForbidden, "Only the creator can modify this agent")
	}
	return nil
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authorizeOwner(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := s.deps.Store.UpdateAgent(r.Context(), id, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*agent, true))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authorizeOwner(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteAgent(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRateAgent(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, r, errAuthRequired)
		return
	}
	var req struct {
		Score int `json:"score"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Score < 1 || req.Score > 5 {
		writeError(w, r, badRequest("Score must be 1-5"))
		return
	}
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetAgent(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	sum, count, err := s.deps.Store.RateAgent(r.Context(), id, user.ID, req.Score)
	if err != nil {
		writeError(w, r, err)
		return
	}
	avg := 0.0
	if count > 0 {
		avg = float64(sum) / float64(count)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "rated",
		"rating": fmt.Sprintf("%.1f", avg),
	})
}

func (s *Server) handleFollowAgent(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, r, errAuthRequired)
		return
	}
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetAgent(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	following, err := s.deps.Store.ToggleFollow(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := "unfollowed"
	if following {
		status = "followed"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		return
	}
	profile, err := s.deps.Store.GetProfile(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*storage.Profile
		Authenticated bool `json:"authenticated"`
	}{Profile: profile, Authenticated: true})
}

func (s *Server) handleMyAgents(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, r, errAuthRequired)
		return
	}
	agents, err := s.deps.Store.ListAgents(r.Context(),
		storage.WithCreator(user.ID),
		storage.WithSort(storage.SortNew),
		storage.WithLimit(100),
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, viewOf(a, true))
	}
	writeJSON(w, http.StatusOK, views)
}
