package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentfabric/types"
)

func TestClient_Discover(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, DiscoveryPath, r.URL.Path)
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(types.AgentCard{
			ID:           "remote",
			Capabilities: []types.Capability{{Name: "search", Version: "1.0.0"}},
		})
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.Headers["Authorization"] = "Bearer t"
	client := NewClient(cfg, zaptest.NewLogger(t))

	card, err := client.Discover(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "remote", card.ID)
	assert.Equal(t, server.URL, card.Endpoint)

	_, err = client.Discover(context.Background(), server.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second lookup is cached")

	client.ClearCache()
	_, err = client.Discover(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_DiscoverErrors(t *testing.T) {
	client := NewClient(DefaultClientConfig(), nil)

	_, err := client.Discover(context.Background(), "")
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))
	assert.ErrorIs(t, err, ErrRemoteUnavailable)

	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	_, err = client.Discover(context.Background(), notFound.URL)
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))

	invalid := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(types.AgentCard{})
	}))
	defer invalid.Close()
	_, err = client.Discover(context.Background(), invalid.URL)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestClient_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RPCPath, r.URL.Path)
		var env types.Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.NoError(t, VerifyEnvelope(&env, []byte("k")))

		switch env.Method {
		case "echo":
			_ = json.NewEncoder(w).Encode(types.NewResultResponse(&env, "remote", env.Params))
		case "busy":
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(types.NewErrorResponse(&env, "remote",
				types.NewError(types.KindResourceExhausted, "busy")))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.SigningSecret = "k"
	client := NewClient(cfg, zaptest.NewLogger(t))

	env := types.NewEnvelope("local", types.To("remote"), "echo", map[string]any{"q": "hi"})
	resp, err := client.Send(context.Background(), server.URL, env)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"q": "hi"}, resp.Result)
	assert.Empty(t, env.Signature, "caller envelope is not mutated")

	_, err = client.Send(context.Background(), server.URL, types.NewEnvelope("local", types.To("remote"), "busy", nil))
	terr := types.AsError(err)
	assert.Equal(t, types.KindResourceExhausted, terr.Kind)
	assert.True(t, terr.Retryable)

	_, err = client.Send(context.Background(), server.URL, types.NewEnvelope("local", types.To("remote"), "other", nil))
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))
}

func TestClient_RemoteHandlerThroughManager(t *testing.T) {
	remote := newTestManager(t, func(c *Config) { c.AgentID = "remote" })
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env types.Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		resp, err := remote.SendMessage(r.Context(), &env)
		if err != nil {
			resp = types.NewErrorResponse(&env, "remote", types.AsError(err))
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	local := newTestManager(t, nil)
	client := NewClient(DefaultClientConfig(), zaptest.NewLogger(t))
	require.NoError(t, local.RegisterMessageHandler("remote.echo", HandlerFunc(func(ctx context.Context, env *types.Envelope) (any, error) {
		fwd := env.Clone()
		fwd.Method = MethodEcho
		return client.RemoteHandler(server.URL).Handle(ctx, fwd)
	})))

	resp, err := local.SendMessage(context.Background(), request("remote.echo"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, resp.Result)
}
