// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Each NewCache() instance models one API process; sharing the miniredis
// between them exercises the cross-instance behavior of the Redis tier.
func TestCacheRedisTier(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	writer := NewCache(testCacheConfig(), client)
	writer.Set(ctx, NamespaceTags, "library/alpine", []byte(`["latest"]`))

	// a different instance sees the value through Redis
	reader := NewCache(testCacheConfig(), client)
	value, ok := reader.Get(ctx, NamespaceTags, "library/alpine")
	if !ok {
		t.Fatal("expected Redis hit on second instance")
	}
	if string(value) != `["latest"]` {
		t.Errorf("wrong cached value: %q", string(value))
	}

	// a delete reaches instances that have not backfilled the value yet
	writer.Delete(ctx, NamespaceTags, "library/alpine")
	if _, ok := NewCache(testCacheConfig(), client).Get(ctx, NamespaceTags, "library/alpine"); ok {
		t.Error("expected miss after Delete propagated through Redis")
	}

	// a namespace flush clears all matching Redis keys, nothing else
	writer.Set(ctx, NamespacePermissions, "1/1", []byte("a"))
	writer.Set(ctx, NamespacePermissions, "2/1", []byte("b"))
	writer.Set(ctx, NamespaceBlobMeta, "sha256:foo", []byte("c"))
	writer.DeleteNamespace(ctx, NamespacePermissions)
	freshReader := NewCache(testCacheConfig(), client)
	for _, key := range []string{"1/1", "2/1"} {
		if _, ok := freshReader.Get(ctx, NamespacePermissions, key); ok {
			t.Errorf("expected permissions/%s to be flushed from Redis", key)
		}
	}
	if _, ok := freshReader.Get(ctx, NamespaceBlobMeta, "sha256:foo"); !ok {
		t.Error("other namespaces must survive a namespace flush in Redis")
	}

	// Redis expires keys by itself
	mr.FastForward(11 * time.Minute)
	if _, ok := NewCache(testCacheConfig(), client).Get(ctx, NamespaceBlobMeta, "sha256:foo"); ok {
		t.Error("expected miss after Redis-side TTL expiry")
	}
}
