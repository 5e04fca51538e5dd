package a2a

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentfabric/agent/retry"
	"github.com/BaSui01/agentfabric/types"
)

// TransportConfig names one carrier the local agent is reachable on.
type TransportConfig struct {
	// Name 是传输名称，例如 "http"、"ws"。
	Name string `json:"name" yaml:"name"`
	// Endpoint 是可选的对外地址。
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`
}

// SecurityConfig 控制信任、签名与防重放校验。
type SecurityConfig struct {
	// Enabled 开启信任名单、签名与消息时效校验。
	Enabled bool `json:"enabled" yaml:"enabled"`
	// TrustedAgents 是允许发送消息的 Agent ID 列表。
	TrustedAgents []string `json:"trusted_agents" yaml:"trusted_agents"`
	// SigningSecret 是 HS256 签名密钥。
	SigningSecret string `json:"-" yaml:"signing_secret"`
	// RequireSignature 要求每条消息都携带签名。
	RequireSignature bool `json:"require_signature" yaml:"require_signature"`
	// MessageTimeout 是消息允许的最大时龄（防重放）。
	MessageTimeout time.Duration `json:"message_timeout" yaml:"message_timeout"`
	// RateLimit 是每个发送方每秒允许的消息数，0 表示不限流。
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	// RateBurst 是限流桶容量。
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`
}

// Config 是 Protocol Manager 的配置。
type Config struct {
	// AgentID 是本地 Agent 身份，必填。
	AgentID string `json:"agent_id" yaml:"agent_id"`
	// Transports 是本地 Agent 可用的传输，至少一个。
	Transports []TransportConfig `json:"transports" yaml:"transports"`
	// DefaultTransport 必须出现在 Transports 中。
	DefaultTransport string `json:"default_transport" yaml:"default_transport"`
	// MaxConcurrentMessages 是并发处理器调用上限。
	MaxConcurrentMessages int `json:"max_concurrent_messages" yaml:"max_concurrent_messages"`
	// DefaultTimeout 在消息未指定 context.timeout 时使用。
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	// PollInterval 是调度循环空闲时的轮询间隔。
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// DrainTimeout 是关闭时等待在途消息完成的上限。
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	// RetryPolicy 是默认重试策略，消息可在 context 中覆盖。
	RetryPolicy types.RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
	// Security 是安全配置。
	Security SecurityConfig `json:"security" yaml:"security"`
	// MetricsSamples 是计算 p95/p99 时保留的最近样本数。
	MetricsSamples int `json:"metrics_samples" yaml:"metrics_samples"`
}

// DefaultConfig 返回带有合理默认值的配置。
func DefaultConfig(agentID string) Config {
	return Config{
		AgentID:               agentID,
		Transports:            []TransportConfig{{Name: "http"}},
		DefaultTransport:      "http",
		MaxConcurrentMessages: 10,
		DefaultTimeout:        30 * time.Second,
		PollInterval:          10 * time.Millisecond,
		DrainTimeout:          5 * time.Second,
		RetryPolicy:           retry.DefaultPolicy(),
		Security: SecurityConfig{
			MessageTimeout: 5 * time.Minute,
		},
		MetricsSamples: 1000,
	}
}

// Validate 校验配置，所有问题合并为一个 protocol_error。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AgentID) == "" {
		errs = append(errs, errors.New("agent id is required"))
	}
	if len(c.Transports) == 0 {
		errs = append(errs, errors.New("at least one transport is required"))
	}
	found := false
	for _, t := range c.Transports {
		if t.Name == "" {
			errs = append(errs, errors.New("transport name is required"))
		}
		if t.Name == c.DefaultTransport {
			found = true
		}
	}
	if c.DefaultTransport == "" {
		errs = append(errs, errors.New("default transport is required"))
	} else if !found {
		errs = append(errs, fmt.Errorf("default transport %q is not configured", c.DefaultTransport))
	}
	if c.MaxConcurrentMessages <= 0 {
		errs = append(errs, errors.New("max concurrent messages must be positive"))
	}
	if c.Security.Enabled && c.Security.RequireSignature && c.Security.SigningSecret == "" {
		errs = append(errs, errors.New("signing secret is required when signatures are required"))
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	return types.NewError(types.KindProtocol, "invalid manager config: "+joined.Error()).
		WithCause(joined).WithSource("a2a")
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.AgentID)
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.MetricsSamples <= 0 {
		c.MetricsSamples = def.MetricsSamples
	}
	c.RetryPolicy = retry.Normalize(&c.RetryPolicy, def.RetryPolicy)
	return c
}
