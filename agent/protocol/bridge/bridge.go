package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/events"
	"github.com/BaSui01/agentfabric/types"
)

const source = "bridge"

// Config 是协议桥配置。
type Config struct {
	// AgentID 作为翻译后信封的发送方。
	AgentID string `json:"agent_id" yaml:"agent_id"`
	// CacheTTL 是转换结果缓存时长。
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// CacheSize 是一级缓存的条目上限。
	CacheSize int `json:"cache_size" yaml:"cache_size"`
	// EvictFraction 是容量溢出时淘汰的最旧条目比例。
	EvictFraction float64 `json:"evict_fraction" yaml:"evict_fraction"`
	// SweepInterval 是过期条目清理周期。
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig(agentID string) Config {
	return Config{
		AgentID:       agentID,
		CacheTTL:      5 * time.Minute,
		CacheSize:     1000,
		EvictFraction: 0.1,
		SweepInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.AgentID)
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.EvictFraction <= 0 || c.EvictFraction > 1 {
		c.EvictFraction = def.EvictFraction
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithStore adds a shared second-level transform cache.
func WithStore(s Store) Option {
	return func(b *Bridge) { b.store = s }
}

// WithTransforms replaces the transform registry.
func WithTransforms(reg *TransformRegistry) Option {
	return func(b *Bridge) { b.transforms = reg }
}

// WithEventSink publishes bridge events to sink.
func WithEventSink(sink types.EventSink) Option {
	return func(b *Bridge) { b.events.Sink = sink }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(b *Bridge) { b.recorder = rec }
}

// WithClock overrides the cache time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// Bridge translates between MCP tool calls and A2A envelopes.
type Bridge struct {
	config     Config
	logger     *zap.Logger
	events     events.Emitter
	recorder   Recorder
	transforms *TransformRegistry
	store      Store
	now        func() time.Time

	mu       sync.RWMutex
	bySource map[string]*MethodMapping
	byTarget map[string]*MethodMapping

	cache   *transformCache
	metrics bridgeMetrics

	runMu  sync.Mutex
	stop   chan struct{}
	stopWg sync.WaitGroup
}

// New creates a bridge.
func New(config Config, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		config:   config.withDefaults(),
		logger:   logger.With(zap.String("component", "bridge")),
		events:   events.Emitter{Source: source},
		now:      time.Now,
		bySource: make(map[string]*MethodMapping),
		byTarget: make(map[string]*MethodMapping),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.transforms == nil {
		b.transforms = NewTransformRegistry()
	}
	b.metrics.init()

	b.cache = newTransformCache(b.config, b.store, b.now, b.logger)
	b.cache.onEvict = b.cacheEvicted
	b.cache.onHit = func(level string) {
		if b.recorder != nil {
			b.recorder.RecordCacheHit("bridge_" + level)
		}
	}
	b.cache.onMiss = func(level string) {
		if b.recorder != nil {
			b.recorder.RecordCacheMiss("bridge_" + level)
		}
	}
	return b
}

// Transforms returns the registry used to resolve transform names.
func (b *Bridge) Transforms() *TransformRegistry { return b.transforms }

// RegisterMapping validates and indexes m by source and target method.
// Registering a source method twice fails with ErrMappingExists.
func (b *Bridge) RegisterMapping(m MethodMapping) error {
	if err := m.Validate(b.transforms); err != nil {
		return err
	}
	stored := m.clone()

	b.mu.Lock()
	if _, exists := b.bySource[m.SourceMethod]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMappingExists, m.SourceMethod)
	}
	b.bySource[m.SourceMethod] = stored
	shadowed := false
	if _, exists := b.byTarget[m.TargetMethod]; exists {
		shadowed = true
	} else {
		b.byTarget[m.TargetMethod] = stored
	}
	b.mu.Unlock()

	if shadowed {
		b.logger.Warn("target method already mapped, reverse lookups keep the first mapping",
			zap.String("source_method", m.SourceMethod),
			zap.String("target_method", m.TargetMethod))
	}
	b.logger.Debug("mapping registered",
		zap.String("source_method", m.SourceMethod),
		zap.String("target_method", m.TargetMethod))
	b.events.Emit(types.Event{
		Type:   types.EventMappingRegistered,
		Method: m.SourceMethod,
		Data:   map[string]any{"targetMethod": m.TargetMethod},
	})
	return nil
}

// RegisterMappings registers every mapping, collecting all failures.
func (b *Bridge) RegisterMappings(ms []MethodMapping) error {
	var errs []error
	for _, m := range ms {
		if err := b.RegisterMapping(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReplaceMappings swaps the whole mapping set. Every mapping is validated
// first; on any failure the current set is left untouched. Cached transform
// results survive since they depend only on transform and input.
func (b *Bridge) ReplaceMappings(ms []MethodMapping) error {
	var errs []error
	bySource := make(map[string]*MethodMapping, len(ms))
	byTarget := make(map[string]*MethodMapping, len(ms))
	for i := range ms {
		m := ms[i]
		if err := m.Validate(b.transforms); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := bySource[m.SourceMethod]; exists {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMappingExists, m.SourceMethod))
			continue
		}
		stored := m.clone()
		bySource[m.SourceMethod] = stored
		if _, exists := byTarget[m.TargetMethod]; !exists {
			byTarget[m.TargetMethod] = stored
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	b.mu.Lock()
	previous := len(b.bySource)
	b.bySource = bySource
	b.byTarget = byTarget
	b.mu.Unlock()

	b.logger.Info("mappings replaced",
		zap.Int("previous", previous),
		zap.Int("current", len(bySource)))
	b.events.Emit(types.Event{
		Type: types.EventMappingsReplaced,
		Data: map[string]any{"replaced": previous, "count": len(bySource)},
	})
	return nil
}

// UnregisterMapping removes the mapping for sourceMethod from both
// indexes. It reports whether a mapping was removed.
func (b *Bridge) UnregisterMapping(sourceMethod string) bool {
	b.mu.Lock()
	m, ok := b.bySource[sourceMethod]
	if ok {
		delete(b.bySource, sourceMethod)
		if b.byTarget[m.TargetMethod] == m {
			delete(b.byTarget, m.TargetMethod)
			// Promote another mapping for the same target, if any.
			for _, other := range b.bySource {
				if other.TargetMethod == m.TargetMethod {
					b.byTarget[m.TargetMethod] = other
					break
				}
			}
		}
	}
	b.mu.Unlock()

	if ok {
		b.events.Emit(types.Event{
			Type:   types.EventMappingUnregistered,
			Method: sourceMethod,
			Data:   map[string]any{"targetMethod": m.TargetMethod},
		})
	}
	return ok
}

// Mappings lists registered mappings sorted by source method.
func (b *Bridge) Mappings() []MethodMapping {
	b.mu.RLock()
	out := make([]MethodMapping, 0, len(b.bySource))
	for _, m := range b.bySource {
		out = append(out, *m.clone())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceMethod < out[j].SourceMethod })
	return out
}

// MappingFor returns the mapping registered for a source method.
func (b *Bridge) MappingFor(sourceMethod string) (MethodMapping, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.bySource[sourceMethod]
	if !ok {
		return MethodMapping{}, false
	}
	return *m.clone(), true
}

func (b *Bridge) bySourceMethod(method string) *MethodMapping {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bySource[method]
}

func (b *Bridge) byTargetMethod(method string) *MethodMapping {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byTarget[method]
}

// Start runs the periodic cache sweep until Stop or ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.stop != nil {
		return
	}
	stop := make(chan struct{})
	b.stop = stop
	b.stopWg.Add(1)
	go func() {
		defer b.stopWg.Done()
		ticker := time.NewTicker(b.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n := b.cache.sweep(); n > 0 {
					b.logger.Debug("expired transform results removed", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the background sweep.
func (b *Bridge) Stop() {
	b.runMu.Lock()
	stop := b.stop
	b.stop = nil
	b.runMu.Unlock()
	if stop != nil {
		close(stop)
		b.stopWg.Wait()
	}
}

// SweepCache removes expired transform results and returns how many were
// dropped.
func (b *Bridge) SweepCache() int { return b.cache.sweep() }

// ClearCache empties the local transform cache.
func (b *Bridge) ClearCache() { b.cache.clear() }

func (b *Bridge) cacheEvicted(reason string, n int) {
	if b.recorder != nil {
		b.recorder.RecordCacheEviction("bridge_l1", reason, n)
	}
	b.events.Emit(types.Event{
		Type: types.EventCacheEvicted,
		Data: map[string]any{"reason": reason, "count": n},
	})
}
