package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/protocol/mcp"
)

// MCPBackend answers MCP JSON-RPC messages. *agentfabric.Fabric satisfies it.
type MCPBackend interface {
	HandleMCP(ctx context.Context, msg *mcp.MCPMessage) *mcp.MCPMessage
}

// MCPHandler exposes the fabric's bridged tools over streamable HTTP.
type MCPHandler struct {
	backend MCPBackend
	logger  *zap.Logger
}

// NewMCPHandler creates an MCP handler.
func NewMCPHandler(backend MCPBackend, logger *zap.Logger) *MCPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCPHandler{backend: backend, logger: logger.With(zap.String("handler", "mcp"))}
}

// HandleMCP accepts one JSON-RPC message. Protocol errors travel in the
// JSON-RPC body with status 200; notifications get 202 and no body.
// @Summary MCP JSON-RPC endpoint
// @Tags mcp
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Router /v1/mcp [post]
func (h *MCPHandler) HandleMCP(w http.ResponseWriter, r *http.Request) {
	var msg mcp.MCPMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		h.logger.Debug("invalid MCP message", zap.Error(err))
		WriteJSON(w, http.StatusOK, mcp.NewMCPError(nil, mcp.ErrorCodeParseError, "parse error: "+err.Error(), nil))
		return
	}

	resp := h.backend.HandleMCP(r.Context(), &msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
