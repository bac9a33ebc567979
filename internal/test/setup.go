// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package test contains the shared setup logic for unit tests that exercise
// the HTTP APIs against a real PostgreSQL database.
package test

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"

	"github.com/wharfhub/wharf/internal/api/accounts"
	"github.com/wharfhub/wharf/internal/api/registryv2"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/wharf"
)

const (
	// VersionHeaderKey is the standard version header name included in all
	// Registry v2 API responses.
	VersionHeaderKey = "Docker-Distribution-Api-Version"
	// VersionHeaderValue is the standard version header value included in all
	// Registry v2 API responses.
	VersionHeaderValue = "registry/2.0"
)

// VersionHeader is the standard version header included in all Registry v2
// API responses.
var VersionHeader = map[string]string{VersionHeaderKey: VersionHeaderValue}

// Setup contains all the pieces that are needed for most tests.
type Setup struct {
	Config  wharf.Configuration
	DB      *wharf.DB
	Cache   *cache.Cache
	SD      *StorageDriver
	Clock   *Clock
	Handler http.Handler
}

// SetupOptions contains optional arguments for NewSetup().
type SetupOptions struct {
	// WithRedis runs the cache against a test-local miniredis instance
	// instead of memory-only.
	WithRedis bool
}

// NewSetup prepares a fresh database, an in-memory storage driver and a
// handler with all HTTP APIs mounted.
func NewSetup(t *testing.T, optsPtr *SetupOptions) Setup {
	t.Helper()
	logg.ShowDebug, _ = strconv.ParseBool(os.Getenv("WHARF_DEBUG"))

	var opts SetupOptions
	if optsPtr != nil {
		opts = *optsPtr
	}

	// suitable for use with ./testing/with-postgres-db.sh
	postgresURLStr := osext.GetenvOrDefault("WHARF_TEST_DB_URL",
		"postgres://postgres@localhost:54321/wharf?sslmode=disable")
	dbURL, err := url.Parse(postgresURLStr)
	if err != nil {
		t.Fatal(err.Error())
	}
	apiPublicURL, err := url.Parse("https://registry.example.org")
	if err != nil {
		t.Fatal(err.Error())
	}

	cfg := wharf.Configuration{
		APIPublicURL:  *apiPublicURL,
		DatabaseURL:   *dbURL,
		JWTSecret:     []byte("unit-test-secret"),
		JWTExpiration: 1 * time.Hour,
		Cache: wharf.CacheConfiguration{
			MaxMemoryEntries: 1000,
			ManifestTTL:      5 * time.Minute,
			BlobMetaTTL:      5 * time.Minute,
			RepositoriesTTL:  5 * time.Minute,
			TagsTTL:          5 * time.Minute,
			AuthTokenTTL:     5 * time.Minute,
			PermissionsTTL:   5 * time.Minute,
			SessionTTL:       5 * time.Minute,
		},
	}

	db, err := wharf.InitDB(cfg.DatabaseURL, 1, 10)
	if err != nil {
		t.Error(err)
		t.Log("Try prepending ./testing/with-postgres-db.sh to your command.")
		t.FailNow()
	}

	// wipe the DB clean if there are any leftovers from the previous test
	// run; everything else is cleared through ON DELETE CASCADE
	for _, tableName := range []string{"organizations", "users", "blobs"} {
		_, err := db.Exec("DELETE FROM " + tableName)
		if err != nil {
			t.Fatal(err.Error())
		}
	}
	// reset primary key sequences so that tests can predict record IDs
	for _, tableName := range []string{"users", "organizations", "repositories", "repository_permissions", "api_keys", "blobs"} {
		_, err := db.Exec(fmt.Sprintf("ALTER SEQUENCE %s_id_seq RESTART WITH 1", tableName))
		if err != nil {
			t.Fatal(err.Error())
		}
	}

	var redisClient *redis.Client
	clock := &Clock{}
	if opts.WithRedis {
		mr := miniredis.RunT(t)
		mr.SetTime(clock.Now())
		clock.MiniRedis = mr
		redisClient = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	c := cache.NewCache(cfg.Cache, redisClient).OverrideTimeNow(clock.Now)
	sd := NewStorageDriver()

	handler := httpapi.Compose(
		registryv2.NewAPI(cfg, db, sd, c).
			OverrideTimeNow(clock.Now).
			OverrideGenerateStorageID(deterministicStorageID()).
			OverrideGenerateUUID(deterministicUUID()),
		accounts.NewAPI(cfg, db, c).
			OverrideTimeNow(clock.Now).
			OverrideGenerateAPIKey(deterministicAPIKey()),
	)

	return Setup{
		Config:  cfg,
		DB:      db,
		Cache:   c,
		SD:      sd,
		Clock:   clock,
		Handler: handler,
	}
}

// deterministicStorageID returns storage IDs counting up from 1.
func deterministicStorageID() func() string {
	idx := 0
	return func() string {
		idx++
		return fmt.Sprintf("storage-id-%d", idx)
	}
}

// deterministicUUID returns UUIDs that are deterministic within one test.
func deterministicUUID() func() string {
	idx := 0
	return func() string {
		idx++
		return fmt.Sprintf("11111111-2222-3333-4444-%012d", idx)
	}
}

// deterministicAPIKey returns well-formed API keys that are deterministic
// within one test.
func deterministicAPIKey() func() (string, error) {
	idx := 0
	return func() (string, error) {
		idx++
		return fmt.Sprintf("ak_%048d", idx), nil
	}
}
