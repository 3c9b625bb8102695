// Package bridge connects terminal workflow executions to the promotion
// platform: status updates, triggered-deal creation, and notification
// dispatch. Every effect is idempotent so overlapping or retried
// executions for the same game and promotion release at most one deal.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyRegistry claims (game, promotion) keys. Acquire reports true
// exactly once per key across all processes sharing the registry.
type IdempotencyRegistry interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

// LocalRegistry is a process-local registry for single-node deployments
// and tests. The database UNIQUE constraint on triggered deals remains
// the backstop either way.
type LocalRegistry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{seen: make(map[string]struct{})}
}

func (r *LocalRegistry) Acquire(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false, nil
	}
	r.seen[key] = struct{}{}
	return true, nil
}

// RedisRegistry claims keys with SET NX across processes. Keys expire so
// an abandoned claim does not block forever; the deal table's UNIQUE
// constraint catches the re-claim case.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, "promogate:idem:"+key, "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("bridge: redis claim %s: %w", key, err)
	}
	return ok, nil
}
