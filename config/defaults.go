// =============================================================================
// AgentFabric 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Manager:   DefaultManagerConfig(),
		Router:    DefaultRouterConfig(),
		Bridge:    DefaultBridgeConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		JWTIssuer:       "agentfabric",
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultManagerConfig 返回默认协议管理器配置
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AgentID:               "fabric",
		Transports:            []string{"http"},
		DefaultTransport:      "http",
		MaxConcurrentMessages: 10,
		DefaultTimeout:        30 * time.Second,
		PollInterval:          10 * time.Millisecond,
		DrainTimeout:          5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     "exponential",
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      true,
		},
		Security: SecurityConfig{
			MessageTimeout: 5 * time.Minute,
		},
		RouteMessages: true,
	}
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		LoadThreshold:   0.8,
		MaxHops:         10,
		TableTTL:        5 * time.Minute,
		CleanupInterval: time.Minute,
		FullMesh:        true,
	}
}

// DefaultBridgeConfig 返回默认协议桥配置
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		CacheTTL:      5 * time.Minute,
		CacheSize:     1000,
		EvictFraction: 0.1,
		SweepInterval: time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "agentfabric:",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentfabric",
		Name:            "agentfabric",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		JournalBuffer:   1024,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
		MaxSizeMB:        100,
		MaxBackups:       5,
		MaxAgeDays:       30,
		Compress:         true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentfabric",
		SampleRate:   0.1,
	}
}
