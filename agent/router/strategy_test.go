package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfabric/types"
)

func withCaps(c *types.AgentCard, caps ...types.Capability) *types.AgentCard {
	c.Capabilities = caps
	return c
}

func withServices(c *types.AgentCard, services map[string]float64) *types.AgentCard {
	c.Services = services
	return c
}

func TestSelectStrategy(t *testing.T) {
	maxCost := 5.0
	tests := []struct {
		name string
		env  *types.Envelope
		want types.RoutingStrategy
	}{
		{"explicit hint", &types.Envelope{To: types.To("b"), Priority: types.PriorityCritical, Route: &types.RouteHints{Strategy: types.StrategyShortestPath}}, types.StrategyShortestPath},
		{"critical", &types.Envelope{To: types.To("b"), Priority: types.PriorityCritical}, types.StrategyDirect},
		{"high", &types.Envelope{To: types.To("b"), Priority: types.PriorityHigh}, types.StrategyDirect},
		{"capabilities", &types.Envelope{To: types.Broadcast(), Context: &types.MessageContext{RequiredCapabilities: []string{"nlp"}}}, types.StrategyCapabilityAware},
		{"cost ceiling", &types.Envelope{To: types.To("b"), Context: &types.MessageContext{MaxCost: &maxCost}}, types.StrategyCostOptimized},
		{"broadcast", &types.Envelope{To: types.Broadcast()}, types.StrategyDirect},
		{"multi", &types.Envelope{To: types.To("b", "c")}, types.StrategyDirect},
		{"default", &types.Envelope{To: types.To("b")}, types.StrategyLoadBalanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(tt.env))
		})
	}
}

func TestRoute_DirectOfflineTarget(t *testing.T) {
	r, _ := newTestRouter(t)
	offline := card("b", 0.1)
	offline.Metadata.Status = types.AgentStatusOffline
	require.NoError(t, r.RegisterAgent(card("a", 0.1)))
	require.NoError(t, r.RegisterAgent(offline))

	_, err := r.FindRoute(context.Background(), "a", "b", types.StrategyDirect)
	require.Error(t, err)
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))

	route, err := r.FindRoute(context.Background(), "b", "a", types.StrategyDirect)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, route.Path)
	assert.Equal(t, 1, route.Hops)
}

func TestRoute_DirectFanOut(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.RegisterAgent(card(id, 0.1)))
	}

	env := types.NewEnvelope("a", types.Broadcast(), "task.run", nil)
	route, err := r.RouteMessage(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyDirect, route.Strategy)
	assert.Equal(t, []string{"b", "c"}, route.Targets)

	env = types.NewEnvelope("a", types.To("b", "missing"), "task.run", nil)
	_, err = r.RouteMessage(context.Background(), env)
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))
}

func TestRoute_LoadBalanced(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(card("a", 0.1)))
	require.NoError(t, r.RegisterAgent(card("b", 0.7)))
	require.NoError(t, r.RegisterAgent(card("c", 0.3)))

	env := types.NewEnvelope("a", types.To("b", "c"), "task.run", nil)
	env.Route = &types.RouteHints{Strategy: types.StrategyLoadBalanced}
	route, err := r.RouteMessage(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "c", route.Target)

	// everyone above the threshold still routes to the least loaded
	hot1, hot2 := 0.95, 0.9
	require.NoError(t, r.UpdateAgentMetrics("b", types.AgentMetricsUpdate{Load: &hot1}))
	require.NoError(t, r.UpdateAgentMetrics("c", types.AgentMetricsUpdate{Load: &hot2}))
	route, err = r.RouteMessage(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "c", route.Target)
}

func TestRoute_CapabilityAwareDeterminism(t *testing.T) {
	required := []string{"nlp@1.0", "vision@1.0", "speech@2.1"}

	// x: 1.0 + 1.0 + 0.7 (speech 2.4) = 0.9
	// y: 1.0 + 0.8 (vision 1.2) + 0 = 0.6
	x := func() *types.AgentCard {
		return withCaps(card("x", 0.6),
			types.Capability{Name: "nlp", Version: "1.0.0"},
			types.Capability{Name: "vision", Version: "1.0.3"},
			types.Capability{Name: "speech", Version: "2.4.0"})
	}
	y := func() *types.AgentCard {
		return withCaps(card("y", 0.1),
			types.Capability{Name: "nlp", Version: "1.0"},
			types.Capability{Name: "vision", Version: "1.2"})
	}

	reqs := make([]Requirement, len(required))
	for i, s := range required {
		reqs[i] = ParseRequirement(s)
	}
	assert.InDelta(t, 0.9, CapabilityScore(x(), reqs), 1e-9)
	assert.InDelta(t, 0.6, CapabilityScore(y(), reqs), 1e-9)

	for _, order := range [][]func() *types.AgentCard{{x, y}, {y, x}} {
		r, _ := newTestRouter(t)
		require.NoError(t, r.RegisterAgent(card("sender", 0)))
		for _, mk := range order {
			require.NoError(t, r.RegisterAgent(mk()))
		}

		env := types.NewEnvelope("sender", types.Broadcast(), "task.run", nil)
		env.Context = &types.MessageContext{RequiredCapabilities: required}
		route, err := r.RouteMessage(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, "x", route.Target)
		assert.Equal(t, types.StrategyCapabilityAware, route.Strategy)
	}
}

func TestRoute_CapabilityNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(card("a", 0)))
	require.NoError(t, r.RegisterAgent(withCaps(card("b", 0), types.Capability{Name: "nlp", Version: "1.0"})))

	// The direct fallback to an unregistered target fails, so the
	// capability error surfaces.
	env := types.NewEnvelope("a", types.To("ghost"), "task.run", nil)
	env.Context = &types.MessageContext{RequiredCapabilities: []string{"nlp@2.0"}}
	_, err := r.RouteMessage(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, types.KindCapabilityNotFound, types.KindOf(err))
}

func TestRoute_CapabilityMissFallsBackToDirect(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(card("a", 0)))
	require.NoError(t, r.RegisterAgent(card("b", 0)))

	env := types.NewEnvelope("a", types.To("b"), "task.run", nil)
	env.Context = &types.MessageContext{RequiredCapabilities: []string{"nlp@1.0"}}
	route, err := r.RouteMessage(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, route.Fallback)
	assert.Equal(t, types.StrategyDirect, route.Strategy)
	assert.Equal(t, "b", route.Target)

	maxCost := 5.0
	env = types.NewEnvelope("a", types.To("b"), "task.run", nil)
	env.Context = &types.MessageContext{MaxCost: &maxCost}
	_, err = r.RouteMessage(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, types.KindResourceExhausted, types.KindOf(err))
}

func TestRoute_CostCeiling(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(card("a", 0)))
	require.NoError(t, r.RegisterAgent(withServices(card("b", 0), map[string]float64{"task.run": 10})))
	require.NoError(t, r.RegisterAgent(withServices(card("c", 0), map[string]float64{"task.run": 20})))

	maxCost := 5.0
	env := types.NewEnvelope("a", types.Broadcast(), "task.run", nil)
	env.Context = &types.MessageContext{MaxCost: &maxCost}
	_, err := r.RouteMessage(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, types.KindResourceExhausted, types.KindOf(err))

	maxCost = 15
	route, err := r.RouteMessage(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "b", route.Target)
	assert.Equal(t, 10.0, route.Cost)

	env.Context = nil
	env.Route = &types.RouteHints{Strategy: types.StrategyCostOptimized}
	env.Method = "unknown.method"
	_, err = r.RouteMessage(context.Background(), env)
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))
}

func TestRoute_ShortestPath(t *testing.T) {
	r, _ := newTestRouter(t, func(c *Config) { c.FullMesh = false })
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, r.RegisterAgent(card(id, 0)))
	}
	require.NoError(t, r.Link("A", "B", 1))
	require.NoError(t, r.Link("B", "C", 1))
	require.NoError(t, r.Link("A", "C", 5))

	route, err := r.FindRoute(context.Background(), "A", "C", types.StrategyShortestPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, route.Path)
	assert.Equal(t, 2, route.Hops)
	assert.Equal(t, 2.0, route.Cost)
	assert.False(t, route.Fallback)
}

func TestRoute_ShortestPathHopLimitFallsBackToDirect(t *testing.T) {
	r, _ := newTestRouter(t, func(c *Config) { c.FullMesh = false })
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, r.RegisterAgent(card(id, 0)))
	}
	require.NoError(t, r.Link("A", "B", 1))
	require.NoError(t, r.Link("B", "C", 1))

	env := types.NewEnvelope("A", types.To("C"), "task.run", nil)
	env.Route = &types.RouteHints{Strategy: types.StrategyShortestPath, MaxHops: 1}
	route, err := r.RouteMessage(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, route.Fallback)
	assert.Equal(t, types.StrategyDirect, route.Strategy)

	m := r.GetRoutingMetrics()
	assert.Equal(t, int64(1), m.FallbackRoutes)
}

func TestRoute_ShortestPathNoPath(t *testing.T) {
	r, _ := newTestRouter(t, func(c *Config) { c.FullMesh = false })
	require.NoError(t, r.RegisterAgent(card("A", 0)))
	offline := card("C", 0)
	offline.Metadata.Status = types.AgentStatusOffline
	require.NoError(t, r.RegisterAgent(offline))
	require.NoError(t, r.RegisterAgent(card("D", 0)))

	// no edges at all: shortest_path fails, direct fallback succeeds
	route, err := r.FindRoute(context.Background(), "A", "D", types.StrategyShortestPath)
	require.NoError(t, err)
	assert.True(t, route.Fallback)

	// offline target never falls back
	_, err = r.FindRoute(context.Background(), "A", "C", types.StrategyShortestPath)
	assert.Equal(t, types.KindAgentUnavailable, types.KindOf(err))
}

func TestGetRoutingMetrics(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(card("a", 0.1)))
	require.NoError(t, r.RegisterAgent(card("b", 0.4)))

	_, err := r.FindRoute(context.Background(), "a", "b", types.StrategyDirect)
	require.NoError(t, err)
	_, err = r.FindRoute(context.Background(), "a", "missing", types.StrategyDirect)
	require.Error(t, err)

	m := r.GetRoutingMetrics()
	assert.Equal(t, int64(2), m.TotalRoutes)
	assert.Equal(t, int64(1), m.SucceededRoutes)
	assert.Equal(t, int64(1), m.FailedRoutes)
	assert.Equal(t, int64(2), m.StrategyUsage["direct"])
	assert.Equal(t, int64(1), m.HopHistogram["1"])
	assert.Equal(t, int64(1), m.FailureKinds[string(types.KindAgentUnavailable)])
	assert.Equal(t, 0.4, m.AgentLoad["b"])
	assert.Equal(t, 2, m.RegisteredAgents)
}
