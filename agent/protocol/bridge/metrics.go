package bridge

import (
	"sync"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// Recorder receives bridge measurements. internal/metrics.Collector
// satisfies it.
type Recorder interface {
	RecordTranslation(direction, status string, duration time.Duration)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	RecordCacheEviction(cacheType, reason string, n int)
}

// Translation directions.
const (
	DirectionRequest         = "request"
	DirectionResponse        = "response"
	DirectionReverseRequest  = "reverse_request"
	DirectionReverseResponse = "reverse_response"
)

// Metrics is a snapshot of bridge statistics.
type Metrics struct {
	Translations         int64            `json:"translations"`
	ByDirection          map[string]int64 `json:"byDirection"`
	Succeeded            int64            `json:"succeeded"`
	Failed               int64            `json:"failed"`
	FieldFallbacks       int64            `json:"fieldFallbacks"`
	SuccessRate          float64          `json:"successRate"`
	ErrorRate            float64          `json:"errorRate"`
	AvgTranslationTime   time.Duration    `json:"avgTranslationTime"`
	CacheHits            int64            `json:"cacheHits"`
	CacheMisses          int64            `json:"cacheMisses"`
	SharedCacheHits      int64            `json:"sharedCacheHits"`
	CacheEvictions       int64            `json:"cacheEvictions"`
	CacheSize            int              `json:"cacheSize"`
	ErrorsByKind         map[string]int64 `json:"errorsByKind"`
	RegisteredMappings   int              `json:"registeredMappings"`
	RegisteredTransforms int              `json:"registeredTransforms"`
}

type bridgeMetrics struct {
	mu          sync.Mutex
	byDirection map[string]int64
	succeeded   int64
	failed      int64
	fallbacks   int64
	total       time.Duration
	errors      map[string]int64
}

func (m *bridgeMetrics) init() {
	m.byDirection = make(map[string]int64)
	m.errors = make(map[string]int64)
}

func (m *bridgeMetrics) record(direction string, d time.Duration, err *types.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byDirection[direction]++
	m.total += d
	if err != nil {
		m.failed++
		m.errors[string(err.Kind)]++
		return
	}
	m.succeeded++
}

func (m *bridgeMetrics) fallback() {
	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
}

// GetBridgeMetrics returns a snapshot of translation and cache statistics.
func (b *Bridge) GetBridgeMetrics() Metrics {
	b.metrics.mu.Lock()
	out := Metrics{
		ByDirection:    make(map[string]int64, len(b.metrics.byDirection)),
		Succeeded:      b.metrics.succeeded,
		Failed:         b.metrics.failed,
		FieldFallbacks: b.metrics.fallbacks,
		ErrorsByKind:   make(map[string]int64, len(b.metrics.errors)),
	}
	for k, v := range b.metrics.byDirection {
		out.ByDirection[k] = v
	}
	for k, v := range b.metrics.errors {
		out.ErrorsByKind[k] = v
	}
	total := b.metrics.total
	b.metrics.mu.Unlock()

	out.Translations = out.Succeeded + out.Failed
	if out.Translations > 0 {
		out.SuccessRate = float64(out.Succeeded) / float64(out.Translations)
		out.ErrorRate = float64(out.Failed) / float64(out.Translations)
		out.AvgTranslationTime = total / time.Duration(out.Translations)
	}
	out.CacheHits = b.cache.hits.Load()
	out.CacheMisses = b.cache.misses.Load()
	out.SharedCacheHits = b.cache.storeHits.Load()
	out.CacheEvictions = b.cache.evictions.Load()
	out.CacheSize = b.cache.len()

	b.mu.RLock()
	out.RegisteredMappings = len(b.bySource)
	b.mu.RUnlock()
	out.RegisteredTransforms = len(b.transforms.Names())
	return out
}
