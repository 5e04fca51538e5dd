// =============================================================================
// AgentFabric 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentfabric.yaml").
//	    WithEnvPrefix("AGENTFABRIC").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentfabric/types"
)

// DefaultEnvPrefix 是环境变量覆盖的默认前缀。
const DefaultEnvPrefix = "AGENTFABRIC"

// Config 是 AgentFabric 的完整配置结构
type Config struct {
	// Server HTTP 载体配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Manager 协议管理器配置
	Manager ManagerConfig `yaml:"manager" env:"MANAGER"`

	// Router 消息路由配置
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Bridge 协议桥配置
	Bridge BridgeConfig `yaml:"bridge" env:"BRIDGE"`

	// Redis 共享缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 事件日志数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Agents 启动时注册到路由表的 Agent 名片
	Agents []types.AgentCard `yaml:"agents" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TLS 证书与私钥，均为空时使用明文 HTTP
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// API Key 列表，为空时不校验
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT HS256 密钥，为空时不校验
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT RS256 公钥（PEM），与 JWTSecret 可同时配置
	JWTPublicKey string `yaml:"jwt_public_key" env:"JWT_PUBLIC_KEY"`
	// JWT 签发者
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// JWT 受众，为空时不校验
	JWTAudience string `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
	// 允许跨域的来源，为空时拒绝跨域预检
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每个客户端每秒请求数
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流桶容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// ManagerConfig 协议管理器配置
type ManagerConfig struct {
	// 本地 Agent ID
	AgentID string `yaml:"agent_id" env:"AGENT_ID"`
	// 可用传输名称
	Transports []string `yaml:"transports" env:"TRANSPORTS"`
	// 默认传输
	DefaultTransport string `yaml:"default_transport" env:"DEFAULT_TRANSPORT"`
	// 并发处理上限
	MaxConcurrentMessages int `yaml:"max_concurrent_messages" env:"MAX_CONCURRENT_MESSAGES"`
	// 默认消息超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 调度轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 关闭时等待在途消息的上限
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	// 默认重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
	// 安全配置
	Security SecurityConfig `yaml:"security" env:"SECURITY"`
	// 是否在发送前解析路由
	RouteMessages bool `yaml:"route_messages" env:"ROUTE_MESSAGES"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// linear, exponential, fixed
	Backoff   string        `yaml:"backoff" env:"BACKOFF"`
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay  time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Jitter    bool          `yaml:"jitter" env:"JITTER"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	TrustedAgents    []string      `yaml:"trusted_agents" env:"TRUSTED_AGENTS"`
	SigningSecret    string        `yaml:"signing_secret" env:"SIGNING_SECRET"`
	RequireSignature bool          `yaml:"require_signature" env:"REQUIRE_SIGNATURE"`
	MessageTimeout   time.Duration `yaml:"message_timeout" env:"MESSAGE_TIMEOUT"`
	RateLimit        float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst        int           `yaml:"rate_burst" env:"RATE_BURST"`
}

// RouterConfig 路由配置
type RouterConfig struct {
	LoadThreshold   float64       `yaml:"load_threshold" env:"LOAD_THRESHOLD"`
	MaxHops         int           `yaml:"max_hops" env:"MAX_HOPS"`
	TableTTL        time.Duration `yaml:"table_ttl" env:"TABLE_TTL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	FullMesh        bool          `yaml:"full_mesh" env:"FULL_MESH"`
}

// BridgeConfig 协议桥配置
type BridgeConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	CacheSize     int           `yaml:"cache_size" env:"CACHE_SIZE"`
	EvictFraction float64       `yaml:"evict_fraction" env:"EVICT_FRACTION"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 是否使用 Redis 作为二级转换缓存
	SharedCache bool `yaml:"shared_cache" env:"SHARED_CACHE"`
	// 映射声明文件路径
	MappingsFile string `yaml:"mappings_file" env:"MAPPINGS_FILE"`
	// 映射文件变更时自动重载
	WatchMappings bool `yaml:"watch_mappings" env:"WATCH_MAPPINGS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 是否把事件写入数据库
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 事件写入缓冲
	JournalBuffer int `yaml:"journal_buffer" env:"JOURNAL_BUFFER"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径，stdout/stderr 以外的路径按文件滚动
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
	// 单个日志文件大小上限（MB）
	MaxSizeMB int `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	// 保留的旧文件数量
	MaxBackups int `yaml:"max_backups" env:"MAX_BACKUPS"`
	// 旧文件保留天数
	MaxAgeDays int `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	// 是否压缩旧文件
	Compress bool `yaml:"compress" env:"COMPRESS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置，所有问题合并为一个错误
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("invalid HTTP port"))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("invalid metrics port"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}

	if strings.TrimSpace(c.Manager.AgentID) == "" {
		errs = append(errs, errors.New("manager.agent_id is required"))
	}
	if len(c.Manager.Transports) == 0 {
		errs = append(errs, errors.New("manager.transports must not be empty"))
	} else if c.Manager.DefaultTransport != "" && !contains(c.Manager.Transports, c.Manager.DefaultTransport) {
		errs = append(errs, fmt.Errorf("manager.default_transport %q is not a configured transport", c.Manager.DefaultTransport))
	}
	if c.Manager.MaxConcurrentMessages <= 0 {
		errs = append(errs, errors.New("manager.max_concurrent_messages must be positive"))
	}
	switch types.BackoffStrategy(c.Manager.Retry.Backoff) {
	case "", types.BackoffLinear, types.BackoffExponential, types.BackoffFixed:
	default:
		errs = append(errs, fmt.Errorf("manager.retry.backoff %q is not linear, exponential or fixed", c.Manager.Retry.Backoff))
	}
	if c.Manager.Security.Enabled && c.Manager.Security.RequireSignature && c.Manager.Security.SigningSecret == "" {
		errs = append(errs, errors.New("manager.security.signing_secret is required when signatures are required"))
	}

	if c.Router.LoadThreshold < 0 || c.Router.LoadThreshold > 1 {
		errs = append(errs, errors.New("router.load_threshold must be within [0,1]"))
	}
	if c.Bridge.EvictFraction < 0 || c.Bridge.EvictFraction > 1 {
		errs = append(errs, errors.New("bridge.evict_fraction must be within [0,1]"))
	}
	if c.Bridge.WatchMappings && c.Bridge.MappingsFile == "" {
		errs = append(errs, errors.New("bridge.watch_mappings requires bridge.mappings_file"))
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		card := &c.Agents[i]
		if err := card.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			continue
		}
		if seen[card.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, card.ID))
		}
		seen[card.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
