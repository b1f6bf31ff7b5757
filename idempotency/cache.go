// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the optional ingress fast path for duplicate detection. It is a
// latency optimization only, never a correctness boundary: the authoritative
// check is the conditional insert in MessageStore. Callers must treat cache
// errors as misses.
type Cache interface {
	// GetMessageID returns the message ID cached for an idempotency key.
	GetMessageID(ctx context.Context, key string) (messageID string, ok bool, err error)

	// SetMessageID records the key -> message ID mapping with a TTL.
	SetMessageID(ctx context.Context, key, messageID string, ttl time.Duration) error
}

// NoopCache disables the fast path; every check falls through to the
// authoritative store.
type NoopCache struct{}

func (NoopCache) GetMessageID(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (NoopCache) SetMessageID(ctx context.Context, key, messageID string, ttl time.Duration) error {
	return nil
}

// MemoryCache is a process-local cache for single-binary deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	messageID string
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) GetMessageID(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return entry.messageID, true, nil
}

func (c *MemoryCache) SetMessageID(ctx context.Context, key, messageID string, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{messageID: messageID, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// RedisCache backs the ingress fast path with Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache. prefix namespaces the keys.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "courier:idem:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) GetMessageID(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) SetMessageID(ctx context.Context, key, messageID string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, messageID, ttl).Err()
}
