package agentfabric

import (
	"github.com/BaSui01/agentfabric/agent/protocol/a2a"
	"github.com/BaSui01/agentfabric/agent/protocol/bridge"
	"github.com/BaSui01/agentfabric/agent/router"
	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/internal/cache"
	"github.com/BaSui01/agentfabric/types"
)

// ManagerConfig converts the manager section of the file configuration.
func ManagerConfig(c config.ManagerConfig) a2a.Config {
	transports := make([]a2a.TransportConfig, 0, len(c.Transports))
	for _, name := range c.Transports {
		transports = append(transports, a2a.TransportConfig{Name: name})
	}
	return a2a.Config{
		AgentID:               c.AgentID,
		Transports:            transports,
		DefaultTransport:      c.DefaultTransport,
		MaxConcurrentMessages: c.MaxConcurrentMessages,
		DefaultTimeout:        c.DefaultTimeout,
		PollInterval:          c.PollInterval,
		DrainTimeout:          c.DrainTimeout,
		RetryPolicy: types.RetryPolicy{
			MaxAttempts:     c.Retry.MaxAttempts,
			BackoffStrategy: types.BackoffStrategy(c.Retry.Backoff),
			BaseDelay:       c.Retry.BaseDelay,
			MaxDelay:        c.Retry.MaxDelay,
			Jitter:          c.Retry.Jitter,
		},
		Security: a2a.SecurityConfig{
			Enabled:          c.Security.Enabled,
			TrustedAgents:    c.Security.TrustedAgents,
			SigningSecret:    c.Security.SigningSecret,
			RequireSignature: c.Security.RequireSignature,
			MessageTimeout:   c.Security.MessageTimeout,
			RateLimit:        c.Security.RateLimit,
			RateBurst:        c.Security.RateBurst,
		},
	}
}

// RouterConfig converts the router section of the file configuration.
func RouterConfig(c config.RouterConfig) router.Config {
	return router.Config{
		LoadThreshold:   c.LoadThreshold,
		MaxHops:         c.MaxHops,
		TableTTL:        c.TableTTL,
		CleanupInterval: c.CleanupInterval,
		FullMesh:        c.FullMesh,
	}
}

// BridgeConfig converts the bridge section. Translated envelopes are sent
// as agentID.
func BridgeConfig(c config.BridgeConfig, agentID string) bridge.Config {
	return bridge.Config{
		AgentID:       agentID,
		CacheTTL:      c.CacheTTL,
		CacheSize:     c.CacheSize,
		EvictFraction: c.EvictFraction,
		SweepInterval: c.SweepInterval,
	}
}

// CacheConfig converts the redis section for the shared transform cache.
func CacheConfig(c config.RedisConfig) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = c.Addr
	cc.Password = c.Password
	cc.DB = c.DB
	if c.KeyPrefix != "" {
		cc.KeyPrefix = c.KeyPrefix
	}
	if c.PoolSize > 0 {
		cc.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		cc.MinIdleConns = c.MinIdleConns
	}
	cc.TLSEnabled = c.TLS
	return cc
}
