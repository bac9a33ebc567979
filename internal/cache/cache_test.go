// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wharfhub/wharf/internal/wharf"
)

func testCacheConfig() wharf.CacheConfiguration {
	return wharf.CacheConfiguration{
		MaxMemoryEntries: 4,
		ManifestTTL:      5 * time.Minute,
		BlobMetaTTL:      10 * time.Minute,
		RepositoriesTTL:  1 * time.Minute,
		TagsTTL:          2 * time.Minute,
		AuthTokenTTL:     15 * time.Minute,
		PermissionsTTL:   5 * time.Minute,
		SessionTTL:       30 * time.Minute,
	}
}

func TestCacheRoundtripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := NewCache(testCacheConfig(), nil).OverrideTimeNow(func() time.Time { return now })

	if _, ok := c.Get(ctx, NamespaceTags, "library/alpine"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set(ctx, NamespaceTags, "library/alpine", []byte(`["latest"]`))
	value, ok := c.Get(ctx, NamespaceTags, "library/alpine")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if string(value) != `["latest"]` {
		t.Errorf("wrong cached value: %q", string(value))
	}

	// entries expire after their namespace TTL
	now = now.Add(2*time.Minute + time.Second)
	if _, ok := c.Get(ctx, NamespaceTags, "library/alpine"); ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestCacheNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewCache(testCacheConfig(), nil)

	c.Set(ctx, NamespaceManifest, "samekey", []byte("manifest"))
	c.Set(ctx, NamespaceBlobMeta, "samekey", []byte("blobmeta"))

	value, ok := c.Get(ctx, NamespaceManifest, "samekey")
	if !ok || string(value) != "manifest" {
		t.Errorf("manifest namespace corrupted: %q", string(value))
	}
	value, ok = c.Get(ctx, NamespaceBlobMeta, "samekey")
	if !ok || string(value) != "blobmeta" {
		t.Errorf("blob_meta namespace corrupted: %q", string(value))
	}
}

func TestCacheDelete(t *testing.T) {
	ctx := context.Background()
	c := NewCache(testCacheConfig(), nil)

	c.Set(ctx, NamespaceManifest, "library/alpine@sha256:foo", []byte("payload"))
	c.Delete(ctx, NamespaceManifest, "library/alpine@sha256:foo")
	if _, ok := c.Get(ctx, NamespaceManifest, "library/alpine@sha256:foo"); ok {
		t.Error("expected miss after Delete")
	}
}

func TestCacheDeleteNamespace(t *testing.T) {
	ctx := context.Background()
	c := NewCache(testCacheConfig(), nil)

	c.Set(ctx, NamespaceTags, "one", []byte("1"))
	c.Set(ctx, NamespaceTags, "two", []byte("2"))
	c.Set(ctx, NamespacePermissions, "keepme", []byte("3"))

	c.DeleteNamespace(ctx, NamespaceTags)
	if _, ok := c.Get(ctx, NamespaceTags, "one"); ok {
		t.Error("expected miss in flushed namespace")
	}
	if _, ok := c.Get(ctx, NamespaceTags, "two"); ok {
		t.Error("expected miss in flushed namespace")
	}
	if _, ok := c.Get(ctx, NamespacePermissions, "keepme"); !ok {
		t.Error("other namespaces must survive a namespace flush")
	}
}

func TestCacheEvictionPrefersExpiredThenManifests(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := NewCache(testCacheConfig(), nil).OverrideTimeNow(func() time.Time { return now })

	// fill to capacity (4 entries), with one manifest entry inserted first
	c.Set(ctx, NamespaceManifest, "oldest-manifest", []byte("m1"))
	now = now.Add(time.Second)
	c.Set(ctx, NamespaceManifest, "newer-manifest", []byte("m2"))
	now = now.Add(time.Second)
	c.Set(ctx, NamespacePermissions, "perm", []byte("p"))
	now = now.Add(time.Second)
	c.Set(ctx, NamespaceBlobMeta, "blob", []byte("b"))
	now = now.Add(time.Second)

	// inserting a fifth entry must evict the oldest manifest, nothing else
	c.Set(ctx, NamespaceTags, "tags", []byte("t"))

	if _, ok := c.Get(ctx, NamespaceManifest, "oldest-manifest"); ok {
		t.Error("expected oldest manifest entry to be evicted")
	}
	for ns, key := range map[Namespace]string{
		NamespaceManifest:    "newer-manifest",
		NamespacePermissions: "perm",
		NamespaceBlobMeta:    "blob",
		NamespaceTags:        "tags",
	} {
		if _, ok := c.Get(ctx, ns, key); !ok {
			t.Errorf("entry %s/%s should have survived eviction", ns, key)
		}
	}
}

func TestCacheEvictionFallsBackToOldestEntry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := NewCache(testCacheConfig(), nil).OverrideTimeNow(func() time.Time { return now })

	for idx := range 4 {
		c.Set(ctx, NamespacePermissions, fmt.Sprintf("key-%d", idx), []byte("x"))
		now = now.Add(time.Second)
	}
	c.Set(ctx, NamespaceTags, "newcomer", []byte("y"))

	if _, ok := c.Get(ctx, NamespacePermissions, "key-0"); ok {
		t.Error("expected oldest entry to be evicted when no manifests are cached")
	}
	if _, ok := c.Get(ctx, NamespaceTags, "newcomer"); !ok {
		t.Error("newly inserted entry must be present")
	}
}

func TestCacheVacuum(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := NewCache(testCacheConfig(), nil).OverrideTimeNow(func() time.Time { return now })

	c.Set(ctx, NamespaceTags, "shortlived", []byte("1"))
	c.Set(ctx, NamespaceSession, "longlived", []byte("2"))

	now = now.Add(3 * time.Minute)
	c.Vacuum()

	c.mutex.RLock()
	remaining := len(c.entries)
	c.mutex.RUnlock()
	if remaining != 1 {
		t.Errorf("expected 1 entry to survive vacuum, got %d", remaining)
	}
	if _, ok := c.Get(ctx, NamespaceSession, "longlived"); !ok {
		t.Error("unexpired entry must survive vacuum")
	}
}
