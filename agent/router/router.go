package router

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/events"
	"github.com/BaSui01/agentfabric/types"
)

// Sentinel errors for directory operations.
var (
	ErrAgentExists   = errors.New("agent already registered")
	ErrAgentNotFound = errors.New("agent not registered")
)

// Recorder receives per-route measurements. internal/metrics.Collector
// satisfies it.
type Recorder interface {
	RecordRoute(strategy, status string, hops int, duration time.Duration)
	SetRegisteredAgents(n int)
}

// RoutingEntry wraps an AgentCard with router-local derived state.
type RoutingEntry struct {
	Card              *types.AgentCard `json:"card"`
	ConnectionQuality float64          `json:"connectionQuality"`
	Distance          float64          `json:"distance"`
	LastUpdated       time.Time        `json:"lastUpdated"`
	RegisteredAt      time.Time        `json:"registeredAt"`
}

func (e *RoutingEntry) clone() *RoutingEntry {
	c := *e
	c.Card = e.Card.Clone()
	return &c
}

func (e *RoutingEntry) online() bool {
	return e.Card.Metadata.Status != types.AgentStatusOffline
}

// stale reports whether the last update or the last sighting is older
// than ttl. A zero sighting is ignored.
func (e *RoutingEntry) stale(now time.Time, ttl time.Duration) bool {
	if now.Sub(e.LastUpdated) > ttl {
		return true
	}
	seen := e.Card.Metadata.Metrics.LastSeen
	return !seen.IsZero() && now.Sub(seen) > ttl
}

// Option configures a Router.
type Option func(*Router)

// WithEventSink publishes router events to sink.
func WithEventSink(sink types.EventSink) Option {
	return func(r *Router) { r.events.Sink = sink }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// Router is the message router: a live routing table, a weighted network
// graph over it, and the routing strategies.
type Router struct {
	mu      sync.RWMutex
	entries map[string]*RoutingEntry
	graph   *graph

	config   Config
	logger   *zap.Logger
	events   events.Emitter
	recorder Recorder
	metrics  *routingMetrics

	sweepMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

// New creates a router.
func New(config Config, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		entries: make(map[string]*RoutingEntry),
		graph:   newGraph(),
		config:  config.withDefaults(),
		logger:  logger.With(zap.String("component", "router")),
		events:  events.Emitter{Source: "router"},
		metrics: newRoutingMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Router) Config() Config {
	return r.config
}

// RegisterAgent adds an agent to the routing table and wires its graph edges.
func (r *Router) RegisterAgent(card *types.AgentCard) error {
	if card == nil {
		return types.NewError(types.KindValidation, "agent card is required").WithSource("router")
	}
	if err := card.Validate(); err != nil {
		return types.NewError(types.KindValidation, err.Error()).WithCause(err).WithSource("router")
	}

	now := r.config.Now()
	stored := card.Clone()
	if stored.Metadata.Status == "" {
		stored.Metadata.Status = types.AgentStatusActive
	}
	if stored.Metadata.Metrics.LastSeen.IsZero() {
		stored.Metadata.Metrics.LastSeen = now
	}

	r.mu.Lock()
	if _, exists := r.entries[stored.ID]; exists {
		r.mu.Unlock()
		return types.Errorf(types.KindValidation, "agent %s already registered", stored.ID).
			WithCause(ErrAgentExists).WithSource("router")
	}
	entry := &RoutingEntry{Card: stored, RegisteredAt: now, LastUpdated: now}
	refreshDerived(entry)
	r.entries[stored.ID] = entry
	r.graph.addNode(stored.ID)
	if r.config.FullMesh {
		for id, other := range r.entries {
			if id == stored.ID {
				continue
			}
			r.graph.setEdge(id, stored.ID, edgeWeight(stored), entry.ConnectionQuality, false)
			r.graph.setEdge(stored.ID, id, edgeWeight(other.Card), other.ConnectionQuality, false)
		}
	}
	count := len(r.entries)
	r.mu.Unlock()

	r.setAgentGauge(count)
	r.logger.Info("agent registered",
		zap.String("agent_id", stored.ID),
		zap.Int("capabilities", len(stored.Capabilities)),
		zap.Float64("connection_quality", entry.ConnectionQuality))
	r.events.Emit(types.Event{Type: types.EventAgentRegistered, AgentID: stored.ID})
	return nil
}

// UnregisterAgent removes an agent and every edge referencing it. Removing an
// unknown id is a no-op.
func (r *Router) UnregisterAgent(id string) {
	if r.removeAgent(id) {
		r.logger.Info("agent unregistered", zap.String("agent_id", id))
		r.events.Emit(types.Event{Type: types.EventAgentUnregistered, AgentID: id})
	}
}

func (r *Router) removeAgent(id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.graph.removeNode(id)
	}
	count := len(r.entries)
	r.mu.Unlock()
	if ok {
		r.setAgentGauge(count)
	}
	return ok
}

// UpdateAgentMetrics merges a partial update into the stored card and
// refreshes derived quality and inbound edge weights.
func (r *Router) UpdateAgentMetrics(id string, update types.AgentMetricsUpdate) error {
	if update.Load != nil && (*update.Load < 0 || *update.Load > 1) {
		return types.Errorf(types.KindValidation, "load %.3f outside [0,1]", *update.Load).WithSource("router")
	}
	if update.Status != nil && !update.Status.Valid() {
		return types.Errorf(types.KindValidation, "unknown status %q", *update.Status).WithSource("router")
	}

	now := r.config.Now()
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return r.notFound(id)
	}
	card := entry.Card
	if update.Load != nil {
		card.Metadata.Load = *update.Load
	}
	if update.Status != nil {
		card.Metadata.Status = *update.Status
	}
	if update.ResponseTime != nil {
		card.Metadata.Metrics.AvgResponseTime = *update.ResponseTime
	}
	if update.SuccessRate != nil {
		card.Metadata.Metrics.SuccessRate = clamp01(*update.SuccessRate)
	}
	if update.Uptime != nil {
		card.Metadata.Metrics.Uptime = clamp01(*update.Uptime)
	}
	if update.LastSeen != nil {
		card.Metadata.Metrics.LastSeen = *update.LastSeen
	} else {
		card.Metadata.Metrics.LastSeen = now
	}
	entry.LastUpdated = now
	r.refreshLocked(entry)
	quality := entry.ConnectionQuality
	r.mu.Unlock()

	r.events.Emit(types.Event{
		Type:    types.EventAgentMetricsUpdated,
		AgentID: id,
		Data:    map[string]any{"connection_quality": quality},
	})
	return nil
}

// RecordDelivery folds one delivery outcome into the agent's success rate
// and average response time using an exponential moving average.
func (r *Router) RecordDelivery(id string, success bool, latency time.Duration) error {
	const alpha = 0.2

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return r.notFound(id)
	}
	m := &entry.Card.Metadata.Metrics
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	m.SuccessRate = m.SuccessRate*(1-alpha) + outcome*alpha
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = latency
	} else {
		m.AvgResponseTime = time.Duration(float64(m.AvgResponseTime)*(1-alpha) + float64(latency)*alpha)
	}
	now := r.config.Now()
	m.LastSeen = now
	entry.LastUpdated = now
	r.refreshLocked(entry)
	return nil
}

// Link adds or pins a directed edge with an explicit weight.
func (r *Router) Link(from, to string, weight float64) error {
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return types.Errorf(types.KindValidation, "link weight must be positive, got %v", weight).WithSource("router")
	}
	if from == to {
		return types.NewError(types.KindValidation, "self links are not allowed").WithSource("router")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[from]; !ok {
		return r.notFound(from)
	}
	target, ok := r.entries[to]
	if !ok {
		return r.notFound(to)
	}
	r.graph.setEdge(from, to, weight, target.ConnectionQuality, true)
	return nil
}

// Unlink removes a directed edge.
func (r *Router) Unlink(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph.removeEdge(from, to)
}

// GetAgent returns a copy of an agent's routing entry.
func (r *Router) GetAgent(id string) (*RoutingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// GetRoutingTable returns a snapshot of all entries ordered by id.
func (r *Router) GetRoutingTable() []*RoutingEntry {
	r.mu.RLock()
	out := make([]*RoutingEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Card.ID < out[j].Card.ID })
	return out
}

// Graph returns a snapshot of the adjacency lists.
func (r *Router) Graph() map[string][]Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.snapshot()
}

// Len returns the number of registered agents.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// refreshLocked recomputes an entry's derived fields and the weights of the
// edges pointing at it. Caller holds r.mu.
func (r *Router) refreshLocked(entry *RoutingEntry) {
	refreshDerived(entry)
	r.graph.reweightInbound(entry.Card.ID, edgeWeight(entry.Card), entry.ConnectionQuality)
}

func (r *Router) notFound(id string) *types.Error {
	return types.Errorf(types.KindAgentUnavailable, "agent %s not registered", id).
		WithCause(ErrAgentNotFound).WithSource("router")
}

func (r *Router) setAgentGauge(n int) {
	if r.recorder != nil {
		r.recorder.SetRegisteredAgents(n)
	}
}

func refreshDerived(entry *RoutingEntry) {
	entry.ConnectionQuality = connectionQuality(entry.Card)
	entry.Distance = 1 + (1 - entry.ConnectionQuality) + entry.Card.Metadata.Load
}

// connectionQuality blends reliability, latency and uptime into [0,1].
func connectionQuality(card *types.AgentCard) float64 {
	m := card.Metadata.Metrics
	latency := 1 / (1 + m.AvgResponseTime.Seconds())
	q := 0.5*clamp01(m.SuccessRate) + 0.3*latency + 0.2*clamp01(m.Uptime)
	switch card.Metadata.Status {
	case types.AgentStatusOffline:
		return 0
	case types.AgentStatusOverloaded:
		q *= 0.5
	}
	return clamp01(q)
}

// edgeWeight is the cost of hopping onto the target agent, bounded to [1,4].
func edgeWeight(target *types.AgentCard) float64 {
	m := target.Metadata.Metrics
	latency := math.Min(m.AvgResponseTime.Seconds(), 1)
	return 1 + latency + clamp01(target.Metadata.Load) + (1 - clamp01(m.SuccessRate))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
