package agentfabric

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/events"
	"github.com/BaSui01/agentfabric/agent/protocol/a2a"
	"github.com/BaSui01/agentfabric/agent/protocol/bridge"
	"github.com/BaSui01/agentfabric/agent/protocol/mcp"
	"github.com/BaSui01/agentfabric/agent/router"
	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/internal/metrics"
	"github.com/BaSui01/agentfabric/internal/telemetry"
	"github.com/BaSui01/agentfabric/types"
)

// ErrAlreadyStarted is returned by Start on a running fabric.
var ErrAlreadyStarted = errors.New("agentfabric: already started")

// Option configures a Fabric.
type Option func(*Fabric)

// WithCollector records manager, router and bridge measurements and counts
// every bus event in c.
func WithCollector(c *metrics.Collector) Option {
	return func(f *Fabric) { f.collector = c }
}

// WithEventSink forwards every bus event to sink on its own goroutine.
func WithEventSink(sink types.EventSink) Option {
	return func(f *Fabric) {
		if sink != nil {
			f.sinks = append(f.sinks, sink)
		}
	}
}

// WithStore adds a shared second-level transform cache to the bridge.
func WithStore(s bridge.Store) Option {
	return func(f *Fabric) { f.store = s }
}

// WithTransforms replaces the bridge transform registry.
func WithTransforms(reg *bridge.TransformRegistry) Option {
	return func(f *Fabric) { f.transforms = reg }
}

// WithClientConfig sets the client used to forward methods to remote agents.
func WithClientConfig(c a2a.ClientConfig) Option {
	return func(f *Fabric) { f.clientConfig = c }
}

// Fabric is the system object that owns the bus, router, manager and
// bridge. Build one with New; there is no package-level instance.
type Fabric struct {
	config config.Config
	logger *zap.Logger

	bus     *events.Bus
	router  *router.Router
	manager *a2a.Manager
	bridge  *bridge.Bridge
	client  *a2a.Client
	mcp     *mcp.Server

	collector    *metrics.Collector
	sinks        []types.EventSink
	subs         []*events.Subscription
	store        bridge.Store
	transforms   *bridge.TransformRegistry
	clientConfig a2a.ClientConfig

	fwdMu     sync.Mutex
	forwarded map[string][]string

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

var _ mcp.Backend = (*Fabric)(nil)

// New validates cfg and builds every component. Agents declared in cfg are
// registered with the router; an agent with an endpoint also gets each of
// its service methods forwarded to that endpoint.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Fabric, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fabric{
		config:       *cfg,
		logger:       logger.With(zap.String("component", "fabric")),
		clientConfig: a2a.DefaultClientConfig(),
		forwarded:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.clientConfig.SigningSecret == "" {
		f.clientConfig.SigningSecret = cfg.Manager.Security.SigningSecret
	}

	f.bus = events.NewBus(logger)

	routerOpts := []router.Option{router.WithEventSink(f.bus)}
	managerOpts := []a2a.Option{a2a.WithEventSink(f.bus)}
	bridgeOpts := []bridge.Option{bridge.WithEventSink(f.bus)}
	if f.collector != nil {
		routerOpts = append(routerOpts, router.WithRecorder(f.collector))
		managerOpts = append(managerOpts, a2a.WithRecorder(f.collector))
		bridgeOpts = append(bridgeOpts, bridge.WithRecorder(f.collector))
	}
	if f.store != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithStore(f.store))
	}
	if f.transforms != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithTransforms(f.transforms))
	}

	f.router = router.New(RouterConfig(cfg.Router), logger, routerOpts...)
	if cfg.Manager.RouteMessages {
		managerOpts = append(managerOpts, a2a.WithRouter(f.router))
	}
	f.manager = a2a.New(ManagerConfig(cfg.Manager), logger, managerOpts...)
	f.bridge = bridge.New(BridgeConfig(cfg.Bridge, cfg.Manager.AgentID), logger, bridgeOpts...)
	f.client = a2a.NewClient(f.clientConfig, logger)
	f.mcp = mcp.NewServer(cfg.Manager.AgentID, telemetry.BuildVersion(), f, logger)

	for i := range cfg.Agents {
		if err := f.RegisterAgent(&cfg.Agents[i]); err != nil {
			return nil, fmt.Errorf("register agent %q: %w", cfg.Agents[i].ID, err)
		}
	}
	if cfg.Bridge.MappingsFile != "" {
		if err := f.LoadMappingsFile(cfg.Bridge.MappingsFile); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Config returns the configuration the fabric was built from.
func (f *Fabric) Config() config.Config { return f.config }

// Bus returns the event bus.
func (f *Fabric) Bus() *events.Bus { return f.bus }

// Router returns the message router.
func (f *Fabric) Router() *router.Router { return f.router }

// Manager returns the protocol manager.
func (f *Fabric) Manager() *a2a.Manager { return f.manager }

// Bridge returns the protocol bridge.
func (f *Fabric) Bridge() *bridge.Bridge { return f.bridge }

// MCPServer returns the MCP endpoint backed by this fabric.
func (f *Fabric) MCPServer() *mcp.Server { return f.mcp }

// Start attaches event sinks, initializes the manager, registers the local
// agent with the router and starts the periodic sweeps.
func (f *Fabric) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return ErrAlreadyStarted
	}

	if f.collector != nil {
		f.subs = append(f.subs, f.bus.SubscribeFunc(f.collector.Publish))
	}
	for _, sink := range f.sinks {
		f.subs = append(f.subs, f.bus.SubscribeFunc(sink.Publish))
	}

	if err := f.manager.Initialize(ctx); err != nil {
		f.closeSubs()
		return err
	}
	if err := f.registerSelf(); err != nil {
		_ = f.manager.Shutdown(ctx)
		f.closeSubs()
		return err
	}

	f.router.Start(ctx)
	f.bridge.Start(ctx)
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.heartbeat(f.stop, f.done)

	f.started = true
	f.logger.Info("fabric started",
		zap.String("agent_id", f.config.Manager.AgentID),
		zap.Int("agents", f.router.Len()),
		zap.Int("mappings", len(f.bridge.Mappings())))
	return nil
}

// Shutdown drains the manager, stops the sweeps and closes the bus. Events
// already buffered for a sink are still delivered to it.
func (f *Fabric) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false

	err := f.manager.Shutdown(ctx)
	close(f.stop)
	<-f.done
	f.bridge.Stop()
	f.router.Stop()
	f.router.UnregisterAgent(f.config.Manager.AgentID)
	f.bus.Close()
	f.subs = nil

	f.logger.Info("fabric stopped")
	return err
}

// Running reports whether Start has completed and Shutdown has not run.
func (f *Fabric) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *Fabric) closeSubs() {
	for _, s := range f.subs {
		s.Close()
	}
	f.subs = nil
}

// registerSelf advertises the local agent with its handler methods as
// capabilities so routed messages can target it.
func (f *Fabric) registerSelf() error {
	methods := f.manager.HandlerMethods()
	caps := make([]types.Capability, 0, len(methods))
	for _, m := range methods {
		caps = append(caps, types.Capability{Name: m})
	}
	card := &types.AgentCard{
		ID:           f.config.Manager.AgentID,
		Name:         f.config.Manager.AgentID,
		Capabilities: caps,
		Metadata:     types.AgentMetadata{Type: "fabric", Status: types.AgentStatusActive},
	}
	f.router.UnregisterAgent(card.ID)
	return f.router.RegisterAgent(card)
}

// heartbeat keeps the local agent's routing entry fresh.
func (f *Fabric) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := f.router.Config().TableTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := f.router.UpdateAgentMetrics(f.config.Manager.AgentID, types.AgentMetricsUpdate{}); err != nil {
				f.logger.Warn("heartbeat failed", zap.Error(err))
				if err := f.registerSelf(); err != nil {
					f.logger.Error("re-registering local agent failed", zap.Error(err))
				}
			}
		}
	}
}

// RegisterAgent adds card to the routing table. When the card has an
// endpoint, each of its service methods without a local handler is
// forwarded there.
func (f *Fabric) RegisterAgent(card *types.AgentCard) error {
	if err := f.router.RegisterAgent(card); err != nil {
		return err
	}
	if card.Endpoint == "" {
		return nil
	}
	methods := make([]string, 0, len(card.Services))
	for m := range card.Services {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	var added []string
	for _, m := range methods {
		if err := f.Forward(m, card.Endpoint); err != nil {
			if errors.Is(err, a2a.ErrHandlerExists) {
				f.logger.Debug("method already handled, not forwarding",
					zap.String("method", m), zap.String("agent_id", card.ID))
				continue
			}
			for _, a := range added {
				f.manager.UnregisterMessageHandler(a)
			}
			f.router.UnregisterAgent(card.ID)
			return err
		}
		added = append(added, m)
	}
	f.fwdMu.Lock()
	f.forwarded[card.ID] = added
	f.fwdMu.Unlock()
	return nil
}

// UnregisterAgent removes the agent from the routing table along with the
// handlers RegisterAgent installed for it.
func (f *Fabric) UnregisterAgent(id string) {
	f.fwdMu.Lock()
	methods := f.forwarded[id]
	delete(f.forwarded, id)
	f.fwdMu.Unlock()

	for _, m := range methods {
		f.manager.UnregisterMessageHandler(m)
	}
	f.router.UnregisterAgent(id)
}

// UpdateAgentMetrics forwards to the router.
func (f *Fabric) UpdateAgentMetrics(id string, update types.AgentMetricsUpdate) error {
	return f.router.UpdateAgentMetrics(id, update)
}

// GetAgent forwards to the router.
func (f *Fabric) GetAgent(id string) (*router.RoutingEntry, bool) {
	return f.router.GetAgent(id)
}

// GetRoutingTable forwards to the router.
func (f *Fabric) GetRoutingTable() []*router.RoutingEntry {
	return f.router.GetRoutingTable()
}

// FindRoute forwards to the router.
func (f *Fabric) FindRoute(ctx context.Context, from, to string, strategy types.RoutingStrategy) (*types.Route, error) {
	return f.router.FindRoute(ctx, from, to, strategy)
}

// Forward registers a handler that relays method to the remote agent at
// endpoint over the HTTP carrier.
func (f *Fabric) Forward(method, endpoint string) error {
	if err := f.manager.RegisterMessageHandler(method, f.client.RemoteHandler(endpoint)); err != nil {
		return err
	}
	f.logger.Info("forwarding method",
		zap.String("method", method), zap.String("endpoint", endpoint))
	return nil
}

// LoadMappingsFile replaces the bridge mappings with those declared in the
// YAML file at path. On error the current mappings stay in place.
func (f *Fabric) LoadMappingsFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mapping file: %w", err)
	}
	defer file.Close()

	ms, err := bridge.LoadMappingsYAML(file)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := f.bridge.ReplaceMappings(ms); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	f.logger.Info("mappings loaded", zap.String("path", path), zap.Int("count", len(ms)))
	return nil
}

// HandleMCP answers one MCP JSON-RPC message. Notifications yield nil.
func (f *Fabric) HandleMCP(ctx context.Context, msg *mcp.MCPMessage) *mcp.MCPMessage {
	return f.mcp.HandleMessage(ctx, msg)
}

// ListTools implements mcp.Backend. Every mapping is exposed as a tool
// whose input schema lists the top-level argument names it reads.
func (f *Fabric) ListTools(context.Context) []mcp.ToolDefinition {
	mappings := f.bridge.Mappings()
	tools := make([]mcp.ToolDefinition, 0, len(mappings))
	for _, m := range mappings {
		tools = append(tools, mcp.ToolDefinition{
			Name:        m.SourceMethod,
			Description: fmt.Sprintf("Calls %s", m.TargetMethod),
			InputSchema: inputSchema(m.ParameterMapping),
		})
	}
	return tools
}

// CallTool implements mcp.Backend: translate, send, translate back.
func (f *Fabric) CallTool(ctx context.Context, msg *mcp.MCPMessage) *mcp.MCPMessage {
	env, err := f.bridge.TranslateRequest(ctx, msg)
	if err != nil {
		return mcpError(msg.ID, err)
	}
	resp, err := f.manager.SendMessage(ctx, env)
	if err != nil {
		return mcpError(msg.ID, err)
	}
	name, _ := msg.Params["name"].(string)
	return f.bridge.ToolResponse(ctx, msg.ID, name, resp)
}

func mcpError(id any, err error) *mcp.MCPMessage {
	e := bridge.TranslateError(err)
	return mcp.NewMCPError(id, e.Code, e.Message, e.Data)
}

func inputSchema(fields []bridge.FieldMapping) map[string]any {
	props := make(map[string]any)
	var required []string
	for _, fm := range fields {
		name, _, _ := strings.Cut(fm.SourcePath, ".")
		if name == "" {
			continue
		}
		if _, seen := props[name]; !seen {
			props[name] = map[string]any{}
		}
		if fm.Required && !containsString(required, name) {
			required = append(required, name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Stats is a point-in-time view of every component.
type Stats struct {
	Manager a2a.Metrics    `json:"manager"`
	Router  router.Metrics `json:"router"`
	Bridge  bridge.Metrics `json:"bridge"`
	Events  events.Stats   `json:"events"`
	Agents  int            `json:"agents"`
	Queue   int            `json:"queue"`
}

// Stats returns current metrics snapshots.
func (f *Fabric) Stats() Stats {
	return Stats{
		Manager: f.manager.GetMetrics(),
		Router:  f.router.GetRoutingMetrics(),
		Bridge:  f.bridge.GetBridgeMetrics(),
		Events:  f.bus.Stats(),
		Agents:  f.router.Len(),
		Queue:   f.manager.QueueLength(),
	}
}
