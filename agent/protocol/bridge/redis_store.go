package bridge

import (
	"context"
	"time"

	"github.com/BaSui01/agentfabric/internal/cache"
)

// RedisStore shares transform results between fabric instances through
// Redis.
type RedisStore struct {
	manager *cache.Manager
}

// NewRedisStore wraps a connected cache manager.
func NewRedisStore(manager *cache.Manager) *RedisStore {
	return &RedisStore{manager: manager}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.manager.Get(ctx, key)
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.manager.Set(ctx, key, value, ttl)
}
