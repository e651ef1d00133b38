package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache stores fetched payloads by request key.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*Payload, bool, error)
	Put(ctx context.Context, key string, p Payload, ttl time.Duration) error
	// Cleanup evicts expired entries.
	Cleanup(ctx context.Context) error
}

// =============================================
// IN MEMORY
// =============================================

type cacheEntry struct {
	payload   Payload
	expiresAt time.Time
}

// InMemoryResponseCache is a process local ResponseCache.
type InMemoryResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewInMemoryResponseCache() *InMemoryResponseCache {
	return &InMemoryResponseCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *InMemoryResponseCache) Get(_ context.Context, key string) (*Payload, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	p := e.payload
	return &p, true, nil
}

func (c *InMemoryResponseCache) Put(_ context.Context, key string, p Payload, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{payload: p, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *InMemoryResponseCache) Cleanup(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	return nil
}

// Len returns the number of entries, expired or not.
func (c *InMemoryResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// =============================================
// REDIS
// =============================================

// RedisResponseCache stores payloads as JSON strings with a Redis TTL.
type RedisResponseCache struct {
	client *redis.Client
	prefix string
}

func NewRedisResponseCache(client *redis.Client, prefix string) *RedisResponseCache {
	if prefix == "" {
		prefix = "httpcache"
	}
	return &RedisResponseCache{client: client, prefix: prefix}
}

func (c *RedisResponseCache) key(k string) string {
	sum := sha256.Sum256([]byte(k))
	return c.prefix + ":" + hex.EncodeToString(sum[:])
}

func (c *RedisResponseCache) Get(ctx context.Context, key string) (*Payload, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached response: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &p, true, nil
}

func (c *RedisResponseCache) Put(ctx context.Context, key string, p Payload, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return c.client.Set(ctx, c.key(key), raw, ttl).Err()
}

// Cleanup removes entries that somehow lost their TTL. Redis expires the rest.
func (c *RedisResponseCache) Cleanup(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	pipe := c.client.Pipeline()
	queued := 0
	for iter.Next(ctx) {
		k := iter.Val()
		ttl, err := c.client.TTL(ctx, k).Result()
		if err != nil {
			return fmt.Errorf("failed to read cache ttl: %w", err)
		}
		if ttl == -1 {
			pipe.Del(ctx, k)
			queued++
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache: %w", err)
	}
	if queued == 0 {
		return nil
	}
	_, err := pipe.Exec(ctx)
	return err
}
