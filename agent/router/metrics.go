package router

import (
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// Metrics is a snapshot of routing statistics.
type Metrics struct {
	TotalRoutes      int64              `json:"totalRoutes"`
	SucceededRoutes  int64              `json:"succeededRoutes"`
	FailedRoutes     int64              `json:"failedRoutes"`
	FallbackRoutes   int64              `json:"fallbackRoutes"`
	AvgRoutingTime   time.Duration      `json:"avgRoutingTime"`
	StrategyUsage    map[string]int64   `json:"strategyUsage"`
	HopHistogram     map[string]int64   `json:"hopHistogram"`
	FailureKinds     map[string]int64   `json:"failureKinds"`
	AgentLoad        map[string]float64 `json:"agentLoad"`
	RegisteredAgents int                `json:"registeredAgents"`
	StaleRemoved     int64              `json:"staleRemoved"`
}

type routingMetrics struct {
	mu           sync.Mutex
	total        int64
	succeeded    int64
	failed       int64
	fallbacks    int64
	staleRemoved int64
	totalTime    time.Duration
	strategies   map[string]int64
	hops         map[string]int64
	failures     map[string]int64
}

func newRoutingMetrics() *routingMetrics {
	return &routingMetrics{
		strategies: make(map[string]int64),
		hops:       make(map[string]int64),
		failures:   make(map[string]int64),
	}
}

func (m *routingMetrics) recordSuccess(route *types.Route, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.succeeded++
	m.totalTime += d
	m.strategies[string(route.Strategy)]++
	m.hops[strconv.Itoa(route.Hops)]++
}

func (m *routingMetrics) recordFailure(strategy types.RoutingStrategy, kind types.ErrorKind, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.failed++
	m.totalTime += d
	m.strategies[string(strategy)]++
	m.failures[string(kind)]++
}

func (m *routingMetrics) recordFallback() {
	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
}

func (m *routingMetrics) recordStale(n int) {
	m.mu.Lock()
	m.staleRemoved += int64(n)
	m.mu.Unlock()
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// GetRoutingMetrics returns a snapshot of routing statistics plus the
// current per-agent load.
func (r *Router) GetRoutingMetrics() Metrics {
	r.mu.RLock()
	load := make(map[string]float64, len(r.entries))
	for id, e := range r.entries {
		load[id] = e.Card.Metadata.Load
	}
	registered := len(r.entries)
	r.mu.RUnlock()

	m := r.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		TotalRoutes:      m.total,
		SucceededRoutes:  m.succeeded,
		FailedRoutes:     m.failed,
		FallbackRoutes:   m.fallbacks,
		StrategyUsage:    copyCounts(m.strategies),
		HopHistogram:     copyCounts(m.hops),
		FailureKinds:     copyCounts(m.failures),
		AgentLoad:        load,
		RegisteredAgents: registered,
		StaleRemoved:     m.staleRemoved,
	}
	if m.total > 0 {
		out.AvgRoutingTime = m.totalTime / time.Duration(m.total)
	}
	return out
}
