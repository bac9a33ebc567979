// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache contains the two-tier read cache in front of the metadata
// database: a small in-process tier backed by an optional shared Redis tier.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/logg"

	"github.com/wharfhub/wharf/internal/wharf"
)

// Namespace identifies a class of cached values. Each namespace has its own
// TTL and its keys cannot collide with those of other namespaces.
type Namespace string

// Possible values for Namespace.
const (
	NamespaceManifest     Namespace = "manifest"
	NamespaceBlobMeta     Namespace = "blob_meta"
	NamespaceRepositories Namespace = "repositories"
	NamespaceTags         Namespace = "tags"
	NamespaceAuthToken    Namespace = "auth_token"
	NamespaceAPIKey       Namespace = "api_key"
	NamespacePermissions  Namespace = "permissions"
	NamespaceSession      Namespace = "session"
)

type memoryEntry struct {
	value      []byte
	expiresAt  time.Time
	insertedAt time.Time
	namespace  Namespace
}

// Cache is a two-tier cache. Reads check the in-process tier first, then
// Redis, then fall through to the caller's data source; Redis hits are
// backfilled into the in-process tier. Writes and invalidations go to both
// tiers.
//
// The Redis tier is optional. Without it, invalidations only take effect in
// the local process, so multi-instance deployments must run with Redis to
// get coherent caching.
type Cache struct {
	cfg   wharf.CacheConfiguration
	redis *redis.Client // optional

	mutex   sync.RWMutex
	entries map[string]memoryEntry

	// can be replaced by a deterministic double for unit tests
	timeNow func() time.Time
}

// NewCache constructs a Cache. `redisClient` may be nil to disable the
// shared tier.
func NewCache(cfg wharf.CacheConfiguration, redisClient *redis.Client) *Cache {
	return &Cache{
		cfg:     cfg,
		redis:   redisClient,
		entries: make(map[string]memoryEntry),
		timeNow: time.Now,
	}
}

// OverrideTimeNow replaces time.Now with a test double.
func (c *Cache) OverrideTimeNow(timeNow func() time.Time) *Cache {
	c.timeNow = timeNow
	return c
}

// TTLFor returns the configured TTL for a namespace.
func (c *Cache) TTLFor(ns Namespace) time.Duration {
	switch ns {
	case NamespaceManifest:
		return c.cfg.ManifestTTL
	case NamespaceBlobMeta:
		return c.cfg.BlobMetaTTL
	case NamespaceRepositories:
		return c.cfg.RepositoriesTTL
	case NamespaceTags:
		return c.cfg.TagsTTL
	case NamespaceAuthToken, NamespaceAPIKey:
		return c.cfg.AuthTokenTTL
	case NamespacePermissions:
		return c.cfg.PermissionsTTL
	case NamespaceSession:
		return c.cfg.SessionTTL
	default:
		return time.Minute
	}
}

func cacheKey(ns Namespace, key string) string {
	return "wharf:" + string(ns) + ":" + key
}

// Get returns the cached value for this key, or (nil, false) on a miss.
// Errors in the Redis tier are logged and degrade into misses.
func (c *Cache) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool) {
	fullKey := cacheKey(ns, key)
	now := c.timeNow()

	c.mutex.RLock()
	entry, exists := c.entries[fullKey]
	c.mutex.RUnlock()
	if exists && entry.expiresAt.After(now) {
		hitCounter.WithLabelValues(string(ns), "memory").Inc()
		return entry.value, true
	}

	if c.redis != nil {
		value, err := c.redis.Get(ctx, fullKey).Bytes()
		switch {
		case err == nil:
			hitCounter.WithLabelValues(string(ns), "redis").Inc()
			c.storeInMemory(ns, fullKey, value, now)
			return value, true
		case !errors.Is(err, redis.Nil):
			logg.Error("cannot read %s from Redis cache: %s", fullKey, err.Error())
		}
	}

	missCounter.WithLabelValues(string(ns)).Inc()
	return nil, false
}

// Set stores a value in both tiers. Errors in the Redis tier are logged, not
// returned; a failed cache write must not fail the request.
func (c *Cache) Set(ctx context.Context, ns Namespace, key string, value []byte) {
	fullKey := cacheKey(ns, key)
	c.storeInMemory(ns, fullKey, value, c.timeNow())

	if c.redis != nil {
		err := c.redis.Set(ctx, fullKey, value, c.TTLFor(ns)).Err()
		if err != nil {
			logg.Error("cannot write %s into Redis cache: %s", fullKey, err.Error())
		}
	}
}

// Delete drops a single key from both tiers. It is called on the write path
// before the success response is sent, so that no request observes the
// pre-write value afterwards.
func (c *Cache) Delete(ctx context.Context, ns Namespace, key string) {
	fullKey := cacheKey(ns, key)

	c.mutex.Lock()
	delete(c.entries, fullKey)
	c.mutex.Unlock()

	if c.redis != nil {
		err := c.redis.Del(ctx, fullKey).Err()
		if err != nil {
			logg.Error("cannot delete %s from Redis cache: %s", fullKey, err.Error())
		}
	}
}

// DeleteNamespace drops all keys in a namespace from both tiers.
func (c *Cache) DeleteNamespace(ctx context.Context, ns Namespace) {
	c.mutex.Lock()
	for fullKey, entry := range c.entries {
		if entry.namespace == ns {
			delete(c.entries, fullKey)
		}
	}
	c.mutex.Unlock()

	if c.redis != nil {
		iter := c.redis.Scan(ctx, 0, cacheKey(ns, "*"), 100).Iterator()
		for iter.Next(ctx) {
			err := c.redis.Del(ctx, iter.Val()).Err()
			if err != nil {
				logg.Error("cannot delete %s from Redis cache: %s", iter.Val(), err.Error())
			}
		}
		if err := iter.Err(); err != nil {
			logg.Error("cannot scan namespace %s in Redis cache: %s", ns, err.Error())
		}
	}
}

// Vacuum drops all expired entries from the in-process tier. The Redis tier
// expires its own keys. This runs periodically from the janitor.
func (c *Cache) Vacuum() {
	now := c.timeNow()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for fullKey, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, fullKey)
		}
	}
}

func (c *Cache) storeInMemory(ns Namespace, fullKey string, value []byte, now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.entries[fullKey]; !exists && len(c.entries) >= c.cfg.MaxMemoryEntries {
		c.evictOneEntry(now)
	}
	c.entries[fullKey] = memoryEntry{
		value:      value,
		expiresAt:  now.Add(c.TTLFor(ns)),
		insertedAt: now,
		namespace:  ns,
	}
}

// evictOneEntry makes room for a new entry. Expired entries go first; when
// none are expired, the oldest manifest entry is sacrificed (manifests are
// the bulkiest values and the cheapest to refetch), falling back to the
// oldest entry overall. Caller must hold the write lock.
func (c *Cache) evictOneEntry(now time.Time) {
	var (
		victimKey          string
		victimInsertedAt   time.Time
		fallbackKey        string
		fallbackInsertedAt time.Time
	)
	for fullKey, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, fullKey)
			evictionCounter.WithLabelValues("expired").Inc()
			return
		}
		if entry.namespace == NamespaceManifest {
			if victimKey == "" || entry.insertedAt.Before(victimInsertedAt) {
				victimKey = fullKey
				victimInsertedAt = entry.insertedAt
			}
		}
		if fallbackKey == "" || entry.insertedAt.Before(fallbackInsertedAt) {
			fallbackKey = fullKey
			fallbackInsertedAt = entry.insertedAt
		}
	}

	if victimKey == "" {
		victimKey = fallbackKey
	}
	if victimKey != "" {
		delete(c.entries, victimKey)
		evictionCounter.WithLabelValues("capacity").Inc()
	}
}
