package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/protocol/mcp"
)

type fakeMCP struct {
	got *mcp.MCPMessage
}

func (f *fakeMCP) HandleMCP(_ context.Context, msg *mcp.MCPMessage) *mcp.MCPMessage {
	f.got = msg
	if msg.IsNotification() {
		return nil
	}
	return mcp.NewMCPResponse(msg.ID, map[string]any{"tools": []any{}})
}

func TestMCPHandler_HandleMCP(t *testing.T) {
	backend := &fakeMCP{}
	h := NewMCPHandler(backend, zap.NewNop())

	t.Run("request", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/mcp",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
		h.HandleMCP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, mcp.MethodToolsList, backend.got.Method)

		var resp map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "2.0", resp["jsonrpc"])
		assert.Equal(t, float64(1), resp["id"])
		assert.Contains(t, resp, "result")
	})

	t.Run("notification", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/mcp",
			strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		h.HandleMCP(w, r)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Zero(t, w.Body.Len())
	})

	t.Run("parse error", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/mcp", strings.NewReader(`{`))
		h.HandleMCP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp mcp.MCPMessage
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.ErrorCodeParseError, resp.Error.Code)
	})
}
