// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfabric/types"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "fabric", cfg.Manager.AgentID)
	assert.Equal(t, []string{"http"}, cfg.Manager.Transports)
	assert.Equal(t, 10, cfg.Manager.MaxConcurrentMessages)
	assert.Equal(t, 3, cfg.Manager.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Manager.Retry.Backoff)

	assert.Equal(t, 10, cfg.Router.MaxHops)
	assert.Equal(t, 5*time.Minute, cfg.Router.TableTTL)

	assert.Equal(t, 5*time.Minute, cfg.Bridge.CacheTTL)
	assert.Equal(t, 1000, cfg.Bridge.CacheSize)
	assert.Equal(t, 0.1, cfg.Bridge.EvictFraction)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)

	assert.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agentfabric.yaml")
	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
manager:
  agent_id: "gateway"
  transports: ["http", "ws"]
  default_transport: "ws"
  retry:
    max_attempts: 5
    backoff: linear
  security:
    enabled: true
    trusted_agents: ["billing"]
router:
  max_hops: 4
bridge:
  cache_size: 50
  mappings_file: "mappings.yaml"
agents:
  - id: billing
    capabilities:
      - name: payments
        version: "2.1.0"
    services:
      billing.charge: 3
    metadata:
      load: 0.2
      status: active
log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "gateway", cfg.Manager.AgentID)
	assert.Equal(t, []string{"http", "ws"}, cfg.Manager.Transports)
	assert.Equal(t, "ws", cfg.Manager.DefaultTransport)
	assert.Equal(t, 5, cfg.Manager.Retry.MaxAttempts)
	assert.Equal(t, "linear", cfg.Manager.Retry.Backoff)
	assert.Equal(t, 100*time.Millisecond, cfg.Manager.Retry.BaseDelay, "unset nested values keep defaults")
	assert.Equal(t, []string{"billing"}, cfg.Manager.Security.TrustedAgents)
	assert.Equal(t, 4, cfg.Router.MaxHops)
	assert.Equal(t, 50, cfg.Bridge.CacheSize)
	assert.Equal(t, "mappings.yaml", cfg.Bridge.MappingsFile)

	require.Len(t, cfg.Agents, 1)
	card := cfg.Agents[0]
	assert.Equal(t, "billing", card.ID)
	assert.Equal(t, []types.Capability{{Name: "payments", Version: "2.1.0"}}, card.Capabilities)
	assert.Equal(t, 3.0, card.Services["billing.charge"])
	assert.Equal(t, types.AgentStatusActive, card.Metadata.Status)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTFABRIC_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTFABRIC_MANAGER_AGENT_ID", "env-agent")
	t.Setenv("AGENTFABRIC_MANAGER_TRANSPORTS", "http, grpc ,")
	t.Setenv("AGENTFABRIC_MANAGER_DEFAULT_TIMEOUT", "2s")
	t.Setenv("AGENTFABRIC_MANAGER_RETRY_JITTER", "false")
	t.Setenv("AGENTFABRIC_MANAGER_SECURITY_RATE_LIMIT", "2.5")
	t.Setenv("AGENTFABRIC_ROUTER_LOAD_THRESHOLD", "0.6")
	t.Setenv("AGENTFABRIC_REDIS_ADDR", "env-redis:6379")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "env-agent", cfg.Manager.AgentID)
	assert.Equal(t, []string{"http", "grpc"}, cfg.Manager.Transports)
	assert.Equal(t, 2*time.Second, cfg.Manager.DefaultTimeout)
	assert.False(t, cfg.Manager.Retry.Jitter)
	assert.Equal(t, 2.5, cfg.Manager.Security.RateLimit)
	assert.Equal(t, 0.6, cfg.Router.LoadThreshold)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agentfabric.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  http_port: 8888
manager:
  agent_id: "yaml-agent"
  max_concurrent_messages: 4
`), 0644))
	t.Setenv("AGENTFABRIC_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTFABRIC_MANAGER_AGENT_ID", "env-agent")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-agent", cfg.Manager.AgentID)
	assert.Equal(t, 4, cfg.Manager.MaxConcurrentMessages)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYFABRIC_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYFABRIC").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTFABRIC_SERVER_HTTP_PORT", "not-a-port")

	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "AGENTFABRIC_SERVER_HTTP_PORT")
}

func TestLoader_Validators(t *testing.T) {
	t.Setenv("AGENTFABRIC_MANAGER_AGENT_ID", " ")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	assert.ErrorContains(t, err, "manager.agent_id is required")
}

func TestMustLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agentfabric.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 0\n"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid HTTP port"},
		{"half tls", func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, "tls_key_file"},
		{"no transports", func(c *Config) { c.Manager.Transports = nil }, "manager.transports"},
		{"unknown default transport", func(c *Config) { c.Manager.DefaultTransport = "ws" }, "not a configured transport"},
		{"no concurrency", func(c *Config) { c.Manager.MaxConcurrentMessages = 0 }, "max_concurrent_messages"},
		{"bad backoff", func(c *Config) { c.Manager.Retry.Backoff = "random" }, "manager.retry.backoff"},
		{"signature without secret", func(c *Config) {
			c.Manager.Security.Enabled = true
			c.Manager.Security.RequireSignature = true
		}, "signing_secret"},
		{"load threshold", func(c *Config) { c.Router.LoadThreshold = 1.5 }, "load_threshold"},
		{"evict fraction", func(c *Config) { c.Bridge.EvictFraction = -1 }, "evict_fraction"},
		{"watch without file", func(c *Config) { c.Bridge.WatchMappings = true }, "mappings_file"},
		{"bad driver", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Driver = "oracle"
		}, "database.driver"},
		{"invalid agent", func(c *Config) { c.Agents = []types.AgentCard{{}} }, "agents[0]"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []types.AgentCard{{ID: "a"}, {ID: "a"}}
		}, "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Manager.AgentID = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "manager.agent_id is required")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DefaultDatabaseConfig()
	pg.Password = "pw"
	assert.Equal(t, "host=localhost port=5432 user=agentfabric password=pw dbname=agentfabric sslmode=disable", pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "journal.db"}
	assert.Equal(t, "journal.db", lite.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "mysql"}).DSN())
}
