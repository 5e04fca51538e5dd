package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentfabric/internal/pool"
)

// Store is a shared second-level cache for transform results.
// Get must return an error wrapping cache.ErrCacheMiss (or any error) when
// the key is absent; every Store error is treated as a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type cacheEntry struct {
	value   any
	created time.Time
	expires time.Time
}

// transformCache memoizes forward transform results.
type transformCache struct {
	ttl      time.Duration
	size     int
	fraction float64
	now      func() time.Time
	logger   *zap.Logger
	store    Store

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	storeHits atomic.Int64
	evictions atomic.Int64

	onEvict func(reason string, n int)
	onHit   func(level string)
	onMiss  func(level string)
}

func newTransformCache(cfg Config, store Store, now func() time.Time, logger *zap.Logger) *transformCache {
	return &transformCache{
		ttl:      cfg.CacheTTL,
		size:     cfg.CacheSize,
		fraction: cfg.EvictFraction,
		now:      now,
		logger:   logger,
		store:    store,
		entries:  make(map[string]*cacheEntry),
		onEvict:  func(string, int) {},
		onHit:    func(string) {},
		onMiss:   func(string) {},
	}
}

// cacheKey builds the key for (transform, param, serialized value).
func cacheKey(transform, param string, value any) (string, error) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	buf.WriteString(transform)
	buf.WriteByte(0)
	buf.WriteString(param)
	buf.WriteByte(0)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// storeKey hashes the local key so arbitrary values fit in a Redis key.
func storeKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "bridge:transform:" + hex.EncodeToString(sum[:])
}

// apply returns the cached result for key or runs compute once across
// concurrent callers and caches its result. Failed computations are not
// cached.
func (c *transformCache) apply(ctx context.Context, key string, compute func() (any, error)) (any, error) {
	if v, ok := c.get(key); ok {
		c.hits.Add(1)
		c.onHit("l1")
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled the entry before this flight.
		if v, ok := c.get(key); ok {
			c.hits.Add(1)
			c.onHit("l1")
			return v, nil
		}
		c.misses.Add(1)
		c.onMiss("l1")

		if v, ok := c.loadStore(ctx, key); ok {
			c.put(key, v)
			return v, nil
		}

		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.put(key, v)
		c.saveStore(ctx, key, v)
		return v, nil
	})
	return v, err
}

func (c *transformCache) get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *transformCache) put(key string, value any) {
	now := c.now()
	c.mu.Lock()
	evicted := 0
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.size {
		evicted = c.evictOldestLocked()
	}
	c.entries[key] = &cacheEntry{value: cloneValue(value), created: now, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		c.onEvict("capacity", evicted)
	}
}

// evictOldestLocked removes the oldest fraction of entries (at least one).
func (c *transformCache) evictOldestLocked() int {
	n := int(float64(len(c.entries)) * c.fraction)
	if n < 1 {
		n = 1
	}
	type aged struct {
		key     string
		created time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.created})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
	return n
}

// sweep drops expired entries. Expired keys are collected under the read
// lock and removed under the write lock after re-checking.
func (c *transformCache) sweep() int {
	now := c.now()
	c.mu.RLock()
	var expired []string
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			expired = append(expired, k)
		}
	}
	c.mu.RUnlock()
	if len(expired) == 0 {
		return 0
	}

	removed := 0
	c.mu.Lock()
	for _, k := range expired {
		if e, ok := c.entries[k]; ok && !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.evictions.Add(int64(removed))
		c.onEvict("expired", removed)
	}
	return removed
}

func (c *transformCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *transformCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

func (c *transformCache) loadStore(ctx context.Context, key string) (any, bool) {
	if c.store == nil {
		return nil, false
	}
	data, err := c.store.Get(ctx, storeKey(key))
	if err != nil {
		c.onMiss("l2")
		return nil, false
	}
	v, err := decodeStored(data)
	if err != nil {
		c.logger.Warn("discarding undecodable shared cache entry", zap.Error(err))
		return nil, false
	}
	c.storeHits.Add(1)
	c.onHit("l2")
	return v, true
}

func (c *transformCache) saveStore(ctx context.Context, key string, value any) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug("transform result not shareable", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, storeKey(key), data, c.ttl); err != nil {
		c.logger.Warn("shared cache write failed", zap.Error(err))
	}
}

// decodeStored decodes a shared entry, keeping integral numbers as int64 so
// values read back match freshly computed ones.
func decodeStored(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
