package router

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

var tracer = otel.Tracer("agentfabric/router")

// SelectStrategy derives the routing strategy for an envelope. An explicit
// route hint wins; otherwise urgent messages go direct, capability
// requirements select capability_aware, a cost ceiling selects
// cost_optimized, fan-out goes direct and everything else is load balanced.
func SelectStrategy(env *types.Envelope) types.RoutingStrategy {
	if env.Route != nil && env.Route.Strategy.Valid() {
		return env.Route.Strategy
	}
	switch env.EffectivePriority() {
	case types.PriorityCritical, types.PriorityHigh:
		return types.StrategyDirect
	}
	if env.Context != nil && len(env.Context.RequiredCapabilities) > 0 {
		return types.StrategyCapabilityAware
	}
	if env.Context != nil && env.Context.MaxCost != nil {
		return types.StrategyCostOptimized
	}
	if env.To.IsMulti() {
		return types.StrategyDirect
	}
	return types.StrategyLoadBalanced
}

// RouteMessage resolves the delivery route for env. Failures other than
// agent_unavailable and resource_exhausted get one direct fallback before
// the original error is returned.
func (r *Router) RouteMessage(ctx context.Context, env *types.Envelope) (*types.Route, error) {
	if env == nil {
		return nil, types.NewError(types.KindValidation, "envelope is required").WithSource("router")
	}
	strategy := SelectStrategy(env)

	_, span := tracer.Start(ctx, "router.route",
		trace.WithAttributes(
			attribute.String("a2a.method", env.Method),
			attribute.String("a2a.from", env.From),
			attribute.String("a2a.strategy", string(strategy)),
		))
	defer span.End()

	start := time.Now()
	route, err := r.resolve(env, strategy)
	if err != nil && strategy != types.StrategyDirect && fallbackAllowed(err) {
		r.logger.Debug("strategy failed, falling back to direct",
			zap.String("message_id", env.ID),
			zap.String("strategy", string(strategy)),
			zap.Error(err))
		if fb, fbErr := r.resolve(env, types.StrategyDirect); fbErr == nil {
			fb.Fallback = true
			route, err = fb, nil
			r.metrics.recordFallback()
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		terr := types.AsError(err)
		r.metrics.recordFailure(strategy, terr.Kind, elapsed)
		r.record(strategy, "failure", 0, elapsed)
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Message)
		r.logger.Warn("route failed",
			zap.String("message_id", env.ID),
			zap.String("method", env.Method),
			zap.String("strategy", string(strategy)),
			zap.String("kind", string(terr.Kind)),
			zap.Error(terr))
		r.events.Emit(types.Event{
			Type:      types.EventRouteFailed,
			MessageID: env.ID,
			Method:    env.Method,
			Strategy:  strategy,
			Kind:      terr.Kind,
		})
		return nil, terr
	}

	r.metrics.recordSuccess(route, elapsed)
	r.record(route.Strategy, "success", route.Hops, elapsed)
	span.SetAttributes(attribute.String("a2a.target", route.Target), attribute.Int("a2a.hops", route.Hops))
	r.logger.Debug("route resolved",
		zap.String("message_id", env.ID),
		zap.String("agent_id", route.Target),
		zap.String("strategy", string(route.Strategy)),
		zap.Int("hops", route.Hops),
		zap.Bool("fallback", route.Fallback))
	r.events.Emit(types.Event{
		Type:      types.EventRouteResolved,
		MessageID: env.ID,
		Method:    env.Method,
		AgentID:   route.Target,
		Strategy:  route.Strategy,
		Data:      map[string]any{"hops": route.Hops, "fallback": route.Fallback},
	})
	return route, nil
}

// FindRoute routes a synthetic probe envelope from one agent to another.
func (r *Router) FindRoute(ctx context.Context, from, to string, strategy types.RoutingStrategy) (*types.Route, error) {
	env := types.NewEnvelope(from, types.To(to), "router.find_route", nil)
	if strategy != "" {
		env.Route = &types.RouteHints{Strategy: strategy}
	}
	return r.RouteMessage(ctx, env)
}

func fallbackAllowed(err error) bool {
	switch types.KindOf(err) {
	case types.KindAgentUnavailable, types.KindResourceExhausted:
		return false
	default:
		return true
	}
}

func (r *Router) record(strategy types.RoutingStrategy, status string, hops int, d time.Duration) {
	if r.recorder != nil {
		r.recorder.RecordRoute(string(strategy), status, hops, d)
	}
}

func (r *Router) resolve(env *types.Envelope, strategy types.RoutingStrategy) (*types.Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch strategy {
	case types.StrategyDirect:
		return r.routeDirect(env)
	case types.StrategyLoadBalanced:
		return r.routeLoadBalanced(env)
	case types.StrategyCapabilityAware:
		return r.routeCapabilityAware(env)
	case types.StrategyCostOptimized:
		return r.routeCostOptimized(env)
	case types.StrategyShortestPath:
		return r.routeShortestPath(env)
	default:
		return nil, types.Errorf(types.KindRouting, "unknown routing strategy %q", strategy).WithSource("router")
	}
}

// candidates returns the live entries the envelope may be delivered to,
// excluding the sender. Caller holds r.mu.
func (r *Router) candidates(env *types.Envelope) []*RoutingEntry {
	var out []*RoutingEntry
	if env.To.Broadcast {
		out = make([]*RoutingEntry, 0, len(r.entries))
		for _, e := range r.entries {
			out = append(out, e)
		}
	} else {
		for _, id := range env.To.IDs {
			if e, ok := r.entries[id]; ok {
				out = append(out, e)
			}
		}
	}

	live := out[:0]
	for _, e := range out {
		if e.Card.ID != env.From && e.online() {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Card.ID < live[j].Card.ID })
	return live
}

func singleHop(env *types.Envelope, target string, strategy types.RoutingStrategy) *types.Route {
	return &types.Route{
		Target:   target,
		Path:     []string{env.From, target},
		Hops:     1,
		Strategy: strategy,
	}
}

func (r *Router) routeDirect(env *types.Envelope) (*types.Route, error) {
	if id, ok := env.To.Single(); ok {
		entry, exists := r.entries[id]
		if !exists {
			return nil, types.Errorf(types.KindAgentUnavailable, "agent %s not registered", id).WithSource("router")
		}
		if !entry.online() {
			return nil, types.Errorf(types.KindAgentUnavailable, "agent %s is offline", id).WithSource("router")
		}
		return singleHop(env, id, types.StrategyDirect), nil
	}

	targets := make([]string, 0, len(env.To.IDs))
	if env.To.Broadcast {
		for _, e := range r.candidates(env) {
			targets = append(targets, e.Card.ID)
		}
		if len(targets) == 0 {
			return nil, types.NewError(types.KindAgentUnavailable, "no live agents for broadcast").WithSource("router")
		}
	} else {
		for _, id := range env.To.IDs {
			entry, exists := r.entries[id]
			if !exists || !entry.online() {
				return nil, types.Errorf(types.KindAgentUnavailable, "agent %s is unavailable", id).WithSource("router")
			}
			targets = append(targets, id)
		}
		if len(targets) == 0 {
			return nil, types.NewError(types.KindAgentUnavailable, "no target agents").WithSource("router")
		}
	}
	return &types.Route{
		Target:   env.To.String(),
		Targets:  targets,
		Path:     []string{env.From},
		Hops:     1,
		Strategy: types.StrategyDirect,
	}, nil
}

func (r *Router) routeLoadBalanced(env *types.Envelope) (*types.Route, error) {
	cands := r.candidates(env)
	if len(cands) == 0 {
		return nil, types.Errorf(types.KindAgentUnavailable, "no live agent for %s", env.To).WithSource("router")
	}

	less := func(a, b *RoutingEntry) bool {
		if a.Card.Metadata.Load != b.Card.Metadata.Load {
			return a.Card.Metadata.Load < b.Card.Metadata.Load
		}
		return a.Distance < b.Distance
	}

	var best, leastLoaded *RoutingEntry
	for _, c := range cands {
		if leastLoaded == nil || less(c, leastLoaded) {
			leastLoaded = c
		}
		if c.Card.Metadata.Load < r.config.LoadThreshold && (best == nil || less(c, best)) {
			best = c
		}
	}
	if best == nil {
		r.logger.Warn("all candidates above load threshold",
			zap.String("message_id", env.ID),
			zap.Float64("threshold", r.config.LoadThreshold),
			zap.String("agent_id", leastLoaded.Card.ID))
		best = leastLoaded
	}
	return singleHop(env, best.Card.ID, types.StrategyLoadBalanced), nil
}

// CapabilityScore is the fraction of required capabilities a card covers,
// each weighted by version compatibility.
func CapabilityScore(card *types.AgentCard, required []Requirement) float64 {
	if len(required) == 0 {
		return 1
	}
	total := 0.0
	for _, req := range required {
		best := 0.0
		for _, c := range card.Capabilities {
			if c.Name != req.Name {
				continue
			}
			if s := VersionCompatibility(req.Version, c.Version); s > best {
				best = s
			}
		}
		total += best
	}
	return total / float64(len(required))
}

func (r *Router) routeCapabilityAware(env *types.Envelope) (*types.Route, error) {
	var (
		reqs []Requirement
		raw  []string
	)
	if env.Context != nil {
		raw = env.Context.RequiredCapabilities
		for _, s := range raw {
			if req := ParseRequirement(s); req.Name != "" {
				reqs = append(reqs, req)
			}
		}
	}

	type scored struct {
		entry *RoutingEntry
		score float64
	}
	var matches []scored
	for _, c := range r.candidates(env) {
		if s := CapabilityScore(c.Card, reqs); s > 0 {
			matches = append(matches, scored{entry: c, score: s})
		}
	}
	if len(matches) == 0 {
		return nil, types.Errorf(types.KindCapabilityNotFound,
			"no agent satisfies capabilities %v", raw).WithSource("router")
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		li, lj := matches[i].entry.Card.Metadata.Load, matches[j].entry.Card.Metadata.Load
		if li != lj {
			return li < lj
		}
		return matches[i].entry.Card.ID < matches[j].entry.Card.ID
	})
	return singleHop(env, matches[0].entry.Card.ID, types.StrategyCapabilityAware), nil
}

func (r *Router) routeCostOptimized(env *types.Envelope) (*types.Route, error) {
	var ceiling *float64
	if env.Context != nil {
		ceiling = env.Context.MaxCost
	}

	var (
		best     *RoutingEntry
		bestCost float64
	)
	for _, c := range r.candidates(env) {
		cost, ok := c.Card.ServiceCost(env.Method)
		if !ok {
			continue
		}
		if ceiling != nil && cost > *ceiling {
			continue
		}
		if best == nil || cost < bestCost || (cost == bestCost && c.Card.Metadata.Load < best.Card.Metadata.Load) {
			best, bestCost = c, cost
		}
	}
	if best == nil {
		if ceiling != nil {
			return nil, types.Errorf(types.KindResourceExhausted,
				"no agent offers %s within cost %.2f", env.Method, *ceiling).WithSource("router")
		}
		return nil, types.Errorf(types.KindAgentUnavailable, "no agent offers %s", env.Method).WithSource("router")
	}
	route := singleHop(env, best.Card.ID, types.StrategyCostOptimized)
	route.Cost = bestCost
	return route, nil
}

func (r *Router) routeShortestPath(env *types.Envelope) (*types.Route, error) {
	target, ok := env.To.Single()
	if !ok {
		return nil, types.NewError(types.KindRouting, "shortest_path requires a single target").WithSource("router")
	}
	if target == env.From {
		return nil, types.NewError(types.KindRouting, "sender and target are the same agent").WithSource("router")
	}
	dst, exists := r.entries[target]
	if !exists || !dst.online() {
		return nil, types.Errorf(types.KindAgentUnavailable, "agent %s is unavailable", target).WithSource("router")
	}
	if _, ok := r.entries[env.From]; !ok {
		return nil, types.Errorf(types.KindRouting, "sender %s is not in the network graph", env.From).WithSource("router")
	}

	maxHops := r.config.MaxHops
	if env.Route != nil && env.Route.MaxHops > 0 && env.Route.MaxHops < maxHops {
		maxHops = env.Route.MaxHops
	}

	path, cost := r.graph.shortestPath(env.From, target, func(id string) bool {
		e, ok := r.entries[id]
		return ok && e.online()
	})
	if path == nil {
		return nil, types.Errorf(types.KindRouting, "no path from %s to %s", env.From, target).WithSource("router")
	}
	hops := len(path) - 1
	if hops > maxHops {
		return nil, types.Errorf(types.KindRouting, "path needs %d hops, limit is %d", hops, maxHops).WithSource("router")
	}
	return &types.Route{
		Target:   target,
		Path:     path,
		Hops:     hops,
		Cost:     cost,
		Strategy: types.StrategyShortestPath,
	}, nil
}
