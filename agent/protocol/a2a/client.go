package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/internal/tlsutil"
	"github.com/BaSui01/agentfabric/types"
)

// Carrier paths served by api/handlers.
const (
	RPCPath       = "/v1/rpc"
	DiscoveryPath = "/.well-known/agent.json"
)

// ClientConfig 是远程 Agent 客户端配置。
type ClientConfig struct {
	// Timeout 是单次 HTTP 请求超时。
	Timeout time.Duration
	// CardTTL 是已发现 AgentCard 的缓存时长。
	CardTTL time.Duration
	// Headers 会附加到每个请求，例如 Authorization。
	Headers map[string]string
	// SigningSecret 非空时对发出的消息签名。
	SigningSecret string
}

// DefaultClientConfig 返回默认客户端配置。
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout: 30 * time.Second,
		CardTTL: 5 * time.Minute,
		Headers: make(map[string]string),
	}
}

// Client 通过 HTTP carrier 与远程 Agent 通信。它不做重试，重试由
// Manager 的重试策略负责。
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *zap.Logger

	cacheMu   sync.RWMutex
	cardCache map[string]cachedCard
}

type cachedCard struct {
	card      *types.AgentCard
	expiresAt time.Time
}

// NewClient 创建客户端。
func NewClient(config ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultClientConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.CardTTL <= 0 {
		config.CardTTL = def.CardTTL
	}
	return &Client{
		config:     config,
		httpClient: tlsutil.SecureHTTPClient(config.Timeout),
		logger:     logger.With(zap.String("component", "a2a_client")),
		cardCache:  make(map[string]cachedCard),
	}
}

// Discover 获取远程 Agent 的 AgentCard，结果按 CardTTL 缓存。
func (c *Client) Discover(ctx context.Context, endpoint string) (*types.AgentCard, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		return nil, types.NewError(types.KindAgentUnavailable, "empty endpoint").
			WithCause(ErrRemoteUnavailable).WithSource("a2a_client")
	}

	c.cacheMu.RLock()
	if cached, ok := c.cardCache[endpoint]; ok && time.Now().Before(cached.expiresAt) {
		c.cacheMu.RUnlock()
		return cached.card.Clone(), nil
	}
	c.cacheMu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+DiscoveryPath, nil)
	if err != nil {
		return nil, types.NewError(types.KindInternal, "build discovery request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(endpoint, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode))
	}

	var card types.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, types.NewError(types.KindSerialization, "decode agent card").
			WithCause(fmt.Errorf("%w: %v", ErrInvalidResponse, err)).WithSource("a2a_client")
	}
	if err := card.Validate(); err != nil {
		return nil, types.NewError(types.KindValidation, err.Error()).WithCause(err).WithSource("a2a_client")
	}
	if card.Endpoint == "" {
		card.Endpoint = endpoint
	}

	c.cacheMu.Lock()
	c.cardCache[endpoint] = cachedCard{card: card.Clone(), expiresAt: time.Now().Add(c.config.CardTTL)}
	c.cacheMu.Unlock()
	return &card, nil
}

// Send posts env to the remote agent's RPC endpoint and returns its
// response. A remote error response is returned as its *types.Error so the
// caller sees the remote kind and retry flag.
func (c *Client) Send(ctx context.Context, endpoint string, env *types.Envelope) (*types.Response, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		return nil, types.NewError(types.KindAgentUnavailable, "empty endpoint").
			WithCause(ErrRemoteUnavailable).WithSource("a2a_client")
	}
	if c.config.SigningSecret != "" && env.Signature == "" {
		env = env.Clone()
		if err := SignEnvelope(env, []byte(c.config.SigningSecret)); err != nil {
			return nil, types.NewError(types.KindInternal, "sign envelope").WithCause(err)
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, types.NewError(types.KindSerialization, "encode envelope").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+RPCPath, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.KindInternal, "build rpc request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.AsError(ctx.Err())
		}
		return nil, unavailable(endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(endpoint, err)
	}
	var out types.Response
	if err := json.Unmarshal(raw, &out); err != nil || (out.Result == nil && out.Error == nil && resp.StatusCode >= 400) {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, unavailable(endpoint, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode))
		}
		return nil, types.Errorf(types.KindSerialization, "unexpected response from %s (status %d)", endpoint, resp.StatusCode).
			WithCause(ErrInvalidResponse).WithSource("a2a_client")
	}
	if out.Error != nil {
		return nil, out.Error
	}
	c.logger.Debug("remote call succeeded",
		zap.String("message_id", env.ID),
		zap.String("method", env.Method),
		zap.String("endpoint", endpoint))
	return &out, nil
}

// ClearCache drops every cached agent card.
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	c.cardCache = make(map[string]cachedCard)
	c.cacheMu.Unlock()
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
}

// RemoteHandler returns a Handler that forwards every envelope to the agent
// at endpoint and yields the remote result.
func (c *Client) RemoteHandler(endpoint string) Handler {
	return HandlerFunc(func(ctx context.Context, env *types.Envelope) (any, error) {
		resp, err := c.Send(ctx, endpoint, env)
		if err != nil {
			return nil, err
		}
		return resp.Result, nil
	})
}

func unavailable(endpoint string, err error) *types.Error {
	return types.Errorf(types.KindAgentUnavailable, "remote agent %s unavailable", endpoint).
		WithCause(err).WithSource("a2a_client")
}
