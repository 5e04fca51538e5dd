package handlers

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/router"
	"github.com/BaSui01/agentfabric/api"
	"github.com/BaSui01/agentfabric/types"
)

// =============================================================================
// Agent Directory Handler
// =============================================================================

// AgentDirectory is the part of the fabric the agent endpoints drive.
// *agentfabric.Fabric satisfies it.
type AgentDirectory interface {
	RegisterAgent(card *types.AgentCard) error
	UnregisterAgent(id string)
	UpdateAgentMetrics(id string, update types.AgentMetricsUpdate) error
	GetAgent(id string) (*router.RoutingEntry, bool)
	GetRoutingTable() []*router.RoutingEntry
	FindRoute(ctx context.Context, from, to string, strategy types.RoutingStrategy) (*types.Route, error)
}

// AgentHandler serves the agent directory and route lookups.
type AgentHandler struct {
	directory AgentDirectory
	selfID    string
	logger    *zap.Logger
}

// NewAgentHandler creates an agent handler. selfID is the fabric's own
// agent, published at /.well-known/agent.json.
func NewAgentHandler(directory AgentDirectory, selfID string, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		directory: directory,
		selfID:    selfID,
		logger:    logger.With(zap.String("handler", "agent")),
	}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleListAgents lists the routing table, sorted by agent id.
// @Summary List agents
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=[]api.AgentInfo} "Agent list"
// @Security ApiKeyAuth
// @Router /v1/agents [get]
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	entries := h.directory.GetRoutingTable()
	slices.SortFunc(entries, func(a, b *router.RoutingEntry) int {
		return cmp.Compare(a.Card.ID, b.Card.ID)
	})

	result := make([]api.AgentInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, toAgentInfo(e))
	}
	WriteSuccess(w, r, result)
}

// HandleGetAgent returns one routing table entry.
// @Summary Get agent
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=api.AgentInfo} "Agent info"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /v1/agents/{id} [get]
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := h.directory.GetAgent(id)
	if !ok {
		h.notFound(w, r, id)
		return
	}
	WriteSuccess(w, r, toAgentInfo(entry))
}

// HandleRegisterAgent adds an agent card to the routing table.
// @Summary Register agent
// @Tags agent
// @Accept json
// @Produce json
// @Param card body types.AgentCard true "Agent card"
// @Success 201 {object} Response{data=api.AgentInfo} "Registered"
// @Failure 400 {object} Response "Invalid card or duplicate id"
// @Security ApiKeyAuth
// @Router /v1/agents [post]
func (h *AgentHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var card types.AgentCard
	if err := DecodeJSONBody(w, r, &card, h.logger); err != nil {
		return
	}
	if err := h.directory.RegisterAgent(&card); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("agent registered", zap.String("agent_id", card.ID))
	data := any(card)
	if entry, ok := h.directory.GetAgent(card.ID); ok {
		data = toAgentInfo(entry)
	}
	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// HandleUnregisterAgent removes an agent and any handlers forwarded to it.
// @Summary Unregister agent
// @Tags agent
// @Param id path string true "Agent ID"
// @Success 200 {object} Response "Removed"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /v1/agents/{id} [delete]
func (h *AgentHandler) HandleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.directory.GetAgent(id); !ok {
		h.notFound(w, r, id)
		return
	}
	h.directory.UnregisterAgent(id)
	h.logger.Info("agent unregistered", zap.String("agent_id", id))
	WriteSuccess(w, r, map[string]string{"id": id})
}

// HandleUpdateMetrics applies a partial metrics update. An empty body
// object only refreshes the agent's last-seen time.
// @Summary Update agent metrics
// @Tags agent
// @Accept json
// @Param id path string true "Agent ID"
// @Param update body api.MetricsUpdateRequest true "Partial update"
// @Success 200 {object} Response{data=api.AgentInfo} "Updated"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /v1/agents/{id}/metrics [patch]
func (h *AgentHandler) HandleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.directory.GetAgent(id); !ok {
		h.notFound(w, r, id)
		return
	}
	var req api.MetricsUpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.directory.UpdateAgentMetrics(id, req.Update()); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	entry, ok := h.directory.GetAgent(id)
	if !ok {
		h.notFound(w, r, id)
		return
	}
	WriteSuccess(w, r, toAgentInfo(entry))
}

// HandleFindRoute resolves a route without sending anything.
// @Summary Find route
// @Tags routing
// @Produce json
// @Param from query string false "Origin agent"
// @Param to query string false "Target agent; empty for capability routing"
// @Param strategy query string false "Routing strategy"
// @Success 200 {object} Response{data=api.RouteResponse} "Route"
// @Failure 502 {object} Response "No route"
// @Security ApiKeyAuth
// @Router /v1/routes [get]
func (h *AgentHandler) HandleFindRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	strategy := types.RoutingStrategy(q.Get("strategy"))
	if strategy != "" && !strategy.Valid() {
		WriteErrorMessage(w, r, types.KindValidation, "unknown strategy "+string(strategy), h.logger)
		return
	}

	route, err := h.directory.FindRoute(r.Context(), q.Get("from"), q.Get("to"), strategy)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.RouteResponse{Route: route})
}

// HandleAgentCard publishes the fabric's own card for peer discovery.
// The body is the bare card, which is what remote clients expect.
func (h *AgentHandler) HandleAgentCard(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.directory.GetAgent(h.selfID)
	if !ok {
		WriteErrorMessage(w, r, types.KindAgentUnavailable, "fabric is not running", h.logger)
		return
	}
	w.Header().Set("Cache-Control", "max-age=60")
	WriteJSON(w, http.StatusOK, entry.Card)
}

func (h *AgentHandler) notFound(w http.ResponseWriter, r *http.Request, id string) {
	err := types.Errorf(types.KindCapabilityNotFound, "agent %q not registered", id).
		WithCause(router.ErrAgentNotFound).WithSource("http")
	WriteError(w, r, err, h.logger)
}

func toAgentInfo(e *router.RoutingEntry) api.AgentInfo {
	return api.AgentInfo{
		Card:              *e.Card,
		ConnectionQuality: e.ConnectionQuality,
		RegisteredAt:      e.RegisteredAt,
		LastUpdated:       e.LastUpdated,
	}
}
