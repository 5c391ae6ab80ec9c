package daraja

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores the short-lived Daraja OAuth token. Implementations must
// treat the cache as best-effort: a miss or a failed write only costs an
// extra token round trip.
type TokenCache interface {
	Get(ctx context.Context) (string, bool)
	Set(ctx context.Context, token string, ttl time.Duration)
}

// MemoryTokenCache is a process-local token cache.
type MemoryTokenCache struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewMemoryTokenCache creates an empty in-process token cache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) Get(_ context.Context) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Now().After(c.expires) {
		return "", false
	}
	return c.token, true
}

func (c *MemoryTokenCache) Set(_ context.Context, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expires = time.Now().Add(ttl)
}

const redisTokenKey = "daraja:access_token"

// RedisTokenCache shares the token across replicas via Redis.
type RedisTokenCache struct {
	client *redis.Client
}

// NewRedisTokenCache creates a Redis-backed token cache.
func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

func (c *RedisTokenCache) Get(ctx context.Context) (string, bool) {
	token, err := c.client.Get(ctx, redisTokenKey).Result()
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}

func (c *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) {
	// Best effort: a failed write only forces the next caller to re-fetch.
	_ = c.client.Set(ctx, redisTokenKey, token, ttl).Err()
}
