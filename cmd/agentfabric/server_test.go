package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentfabric"
	"github.com/BaSui01/agentfabric/agent/protocol/a2a"
	"github.com/BaSui01/agentfabric/api/handlers"
	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/internal/metrics"
	"github.com/BaSui01/agentfabric/types"
)

// newTestServer serves the full middleware chain over httptest without
// binding the configured ports.
func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.MetricsPort = 0
	cfg.Manager.Retry.MaxAttempts = 1
	cfg.Manager.DefaultTimeout = 2 * time.Second
	cfg.Agents = []types.AgentCard{{
		ID:           "weather",
		Capabilities: []types.Capability{{Name: "forecast", Version: "1.0"}},
	}}
	if mutate != nil {
		mutate(cfg)
	}

	logger := zaptest.NewLogger(t)
	s := NewServer(cfg, "", logger)
	s.collector = metrics.NewCollector("srvtest", prometheus.NewRegistry(), logger)

	f, err := agentfabric.New(cfg, logger, agentfabric.WithCollector(s.collector))
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	s.fabric = f

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(s.handler(ctx))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		_ = f.Shutdown(context.Background())
	})
	return ts
}

func do(t *testing.T, method, url string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestServer_HealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz", "/version"} {
		resp, _ := do(t, http.MethodGet, ts.URL+path, nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, _ := do(t, http.MethodPost, ts.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/ready", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status handlers.HealthStatus
	require.NoError(t, json.Unmarshal(body, &status))
	fabric := status.Checks["fabric"]
	assert.Equal(t, "pass", fabric.Status)
	assert.Equal(t, "running", fabric.Details["state"])
	assert.Equal(t, float64(1000), fabric.Details["max_backlog"])
	assert.GreaterOrEqual(t, fabric.Details["agents"], float64(2))
}

func TestServer_AgentCard(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/.well-known/agent.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var card types.AgentCard
	require.NoError(t, json.Unmarshal(body, &card))
	assert.Equal(t, "fabric", card.ID)
}

func TestServer_RPCRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)

	client := a2a.NewClient(a2a.DefaultClientConfig(), zaptest.NewLogger(t))
	env := types.NewEnvelope("tester", types.To("fabric"), a2a.MethodPing, nil)
	resp, err := client.Send(context.Background(), ts.URL, env)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, env.ID, resp.ID)
}

func TestServer_AgentDirectory(t *testing.T) {
	ts := newTestServer(t, nil)

	card := types.AgentCard{
		ID:           "billing",
		Capabilities: []types.Capability{{Name: "invoice", Version: "1.0"}},
	}
	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/agents", card, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/agents/billing", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/routes?from=tester&to=billing", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "billing")

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/agents/billing", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/agents/billing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_EventsDisabledWithoutJournal(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/stats", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), `"journal"`)
}

func TestServer_MetricsOnMainPort(t *testing.T) {
	ts := newTestServer(t, nil)

	do(t, http.MethodGet, ts.URL+"/v1/agents", nil, nil)
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "srvtest_http_requests_total")
}

func TestServer_APIKeyAuth(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.APIKeys = []string{"k1"}
	})

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/agents", nil, http.Header{"X-Api-Key": {"k1"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/.well-known/agent.json", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_JWTSubjectBinding(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.JWTSecret = "s3cret"
	})
	token := signHS256(t, "s3cret", validClaims("tester"))
	auth := http.Header{"Authorization": {"Bearer " + token}}

	env := types.NewEnvelope("tester", types.To("fabric"), a2a.MethodPing, nil)
	resp, _ := do(t, http.MethodPost, ts.URL+a2a.RPCPath, env, auth)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	spoofed := types.NewEnvelope("billing", types.To("fabric"), a2a.MethodPing, nil)
	resp, body := do(t, http.MethodPost, ts.URL+a2a.RPCPath, spoofed, auth)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), string(types.KindAuthorization)))

	resp, _ = do(t, http.MethodPost, ts.URL+a2a.RPCPath, env, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired := validClaims("tester")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/agents", nil,
		http.Header{"Authorization": {"Bearer " + signHS256(t, "s3cret", expired)}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ShutdownIsIdempotent(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewServer(cfg, "", zaptest.NewLogger(t))
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Empty(t, s.Addr())
}
