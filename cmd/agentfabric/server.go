package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric"
	"github.com/BaSui01/agentfabric/agent/protocol/bridge"
	"github.com/BaSui01/agentfabric/api/handlers"
	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/internal/cache"
	"github.com/BaSui01/agentfabric/internal/database"
	"github.com/BaSui01/agentfabric/internal/journal"
	"github.com/BaSui01/agentfabric/internal/metrics"
	"github.com/BaSui01/agentfabric/internal/server"
	"github.com/BaSui01/agentfabric/internal/telemetry"
)

// =============================================================================
// 🚀 Server
// =============================================================================

// skipAuthPaths are served without credentials.
var skipAuthPaths = []string{
	"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics",
	"/.well-known/agent.json",
}

// Server 是 AgentFabric 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	fabric    *agentfabric.Fabric
	collector *metrics.Collector
	telemetry *telemetry.Providers
	db        *database.PoolManager
	journal   *journal.Journal
	cache     *cache.Manager
	watcher   *config.FileWatcher

	healthHandler *handlers.HealthHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// Run starts every component, blocks until ctx ends or the HTTP server
// fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return errors.Join(err, s.Shutdown(context.WithoutCancel(ctx)))
	}

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested", zap.Error(context.Cause(ctx)))
	case serveErr = <-s.httpManager.Errors():
		s.logger.Error("HTTP server exited unexpectedly", zap.Error(serveErr))
	}
	return errors.Join(serveErr, s.Shutdown(context.WithoutCancel(ctx)))
}

// Start 启动所有服务（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	// 1. 遥测
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger, telemetry.WithServiceVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	s.telemetry = providers

	// 2. 指标收集器
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.collector = metrics.NewCollector("agentfabric", reg, s.logger)

	// 3. 存储与 Fabric
	opts, err := s.initStorage()
	if err != nil {
		return err
	}
	opts = append(opts, agentfabric.WithCollector(s.collector))

	s.fabric, err = agentfabric.New(s.cfg, s.logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to build fabric: %w", err)
	}
	if err := s.fabric.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fabric: %w", err)
	}

	// 4. 映射热更新
	if err := s.initMappingsWatcher(ctx); err != nil {
		return fmt.Errorf("failed to watch mappings: %w", err)
	}

	// 5. HTTP 与 Metrics 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("agent_id", s.cfg.Manager.AgentID),
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Bool("journal_enabled", s.journal != nil),
		zap.Bool("shared_cache", s.cache != nil),
		zap.Bool("watch_mappings", s.watcher != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage opens the event journal database and the shared transform
// cache when they are enabled.
func (s *Server) initStorage() ([]agentfabric.Option, error) {
	var opts []agentfabric.Option

	if s.cfg.Database.Enabled {
		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db

		jcfg := journal.DefaultConfig()
		if s.cfg.Database.JournalBuffer > 0 {
			jcfg.Buffer = s.cfg.Database.JournalBuffer
		}
		j, err := journal.New(db.DB(), jcfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init event journal: %w", err)
		}
		s.journal = j
		opts = append(opts, agentfabric.WithEventSink(j))
	}

	if s.cfg.Bridge.SharedCache {
		c, err := cache.NewManager(agentfabric.CacheConfig(s.cfg.Redis), s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect shared cache: %w", err)
		}
		s.cache = c
		opts = append(opts, agentfabric.WithStore(bridge.NewRedisStore(c)))
	}
	return opts, nil
}

// initMappingsWatcher reloads the bridge mappings whenever the mappings
// file changes. A failed reload keeps the previous mappings.
func (s *Server) initMappingsWatcher(ctx context.Context) error {
	path := s.cfg.Bridge.MappingsFile
	if path == "" || !s.cfg.Bridge.WatchMappings {
		return nil
	}
	w, err := config.NewFileWatcher([]string{path}, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnChange(func(ev config.FileEvent) {
		if ev.Op == config.FileOpRemove {
			s.logger.Warn("mappings file removed, keeping current mappings", zap.String("path", ev.Path))
			return
		}
		if err := s.fabric.LoadMappingsFile(ev.Path); err != nil {
			s.logger.Error("mappings reload failed", zap.String("path", ev.Path), zap.Error(err))
			return
		}
		s.logger.Info("mappings reloaded", zap.String("path", ev.Path))
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// readyBacklogPerWorker bounds the dispatch backlog, per concurrent
// handler slot, above which the instance reports not ready.
const readyBacklogPerWorker = 100

func (s *Server) fabricStatus() handlers.FabricStatus {
	m := s.fabric.Manager()
	return handlers.FabricStatus{
		State:       string(m.State()),
		QueueDepth:  m.QueueLength(),
		Concurrency: m.Config().MaxConcurrentMessages,
		Agents:      s.fabric.Router().Len(),
		Mappings:    len(s.fabric.Bridge().Mappings()),
	}
}

// routes builds the HTTP API without middleware.
func (s *Server) routes() *http.ServeMux {
	agentID := s.cfg.Manager.AgentID

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.FabricCheck("fabric", s.fabricStatus,
		s.cfg.Manager.MaxConcurrentMessages*readyBacklogPerWorker))
	if s.db != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("database", s.db.Ping))
	}
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("redis", s.cache.Ping))
	}

	rpcHandler := handlers.NewRPCHandler(s.fabric.Manager(), agentID, s.logger)
	mcpHandler := handlers.NewMCPHandler(s.fabric, s.logger)
	agentHandler := handlers.NewAgentHandler(s.fabric, agentID, s.logger)

	var events handlers.EventStore
	if s.journal != nil {
		events = s.journal
	}
	statsHandler := handlers.NewStatsHandler(func() any { return s.fabric.Stats() }, events, s.logger)

	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// A2A carrier
	mux.HandleFunc("POST /v1/rpc", rpcHandler.HandleRPC)
	mux.HandleFunc("GET /v1/ws", rpcHandler.HandleStream)
	mux.HandleFunc("GET /.well-known/agent.json", agentHandler.HandleAgentCard)

	// MCP bridge
	mux.HandleFunc("POST /v1/mcp", mcpHandler.HandleMCP)

	// Agent directory and routing
	mux.HandleFunc("GET /v1/agents", agentHandler.HandleListAgents)
	mux.HandleFunc("POST /v1/agents", agentHandler.HandleRegisterAgent)
	mux.HandleFunc("GET /v1/agents/{id}", agentHandler.HandleGetAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", agentHandler.HandleUnregisterAgent)
	mux.HandleFunc("PATCH /v1/agents/{id}/metrics", agentHandler.HandleUpdateMetrics)
	mux.HandleFunc("GET /v1/routes", agentHandler.HandleFindRoute)

	// Stats and journal
	mux.HandleFunc("GET /v1/stats", statsHandler.HandleStats)
	mux.HandleFunc("GET /v1/events", statsHandler.HandleEvents)

	// 未配置独立端口时，在主端口暴露 /metrics
	if _, ok := server.MetricsConfig(s.cfg.Server); !ok {
		mux.Handle("GET /metrics", s.collector.Handler())
	}
	return mux
}

// handler wraps the routes in the middleware chain. Authentication runs
// before the rate limiter so limits apply per subject.
func (s *Server) handler(ctx context.Context) http.Handler {
	sc := s.cfg.Server
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
	}
	if len(sc.APIKeys) > 0 {
		middlewares = append(middlewares, APIKeyAuth(sc.APIKeys, skipAuthPaths, s.logger))
	}
	if sc.JWTSecret != "" || sc.JWTPublicKey != "" {
		middlewares = append(middlewares, JWTAuth(sc, skipAuthPaths, s.logger))
	}
	if sc.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger))
	}
	if len(sc.APIKeys) == 0 && sc.JWTSecret == "" && sc.JWTPublicKey == "" {
		s.logger.Warn("no API keys or JWT configured, HTTP API is unauthenticated")
	}
	return Chain(s.routes(), middlewares...)
}

// startHTTPServer 启动主 HTTP 服务器
func (s *Server) startHTTPServer() error {
	serverConfig, err := server.FromServerConfig(s.cfg.Server)
	if err != nil {
		return err
	}

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	s.httpManager = server.NewManager(s.handler(rateLimiterCtx), serverConfig, s.logger)
	return s.httpManager.Start()
}

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	metricsConfig, ok := server.MetricsConfig(s.cfg.Server)
	if !ok {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())

	s.metricsManager = server.NewManager(mux, metricsConfig, s.logger)
	return s.metricsManager.Start()
}

// Addr 返回主服务器监听地址
func (s *Server) Addr() string {
	if s.httpManager == nil {
		return ""
	}
	return s.httpManager.Addr()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown drains the HTTP servers and then stops the fabric and its
// storage in reverse start order. It is safe to call more than once and
// after a partial Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpManager != nil {
		errs = append(errs, s.httpManager.Shutdown(shutdownCtx))
	}
	if s.metricsManager != nil {
		errs = append(errs, s.metricsManager.Shutdown(shutdownCtx))
	}
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.fabric != nil && s.fabric.Running() {
		errs = append(errs, s.fabric.Shutdown(shutdownCtx))
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close(shutdownCtx))
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(shutdownCtx))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
	} else {
		s.logger.Info("Graceful shutdown completed")
	}
	return err
}
