// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package wharf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
)

// Configuration contains all configuration values that are not specific to a
// single driver or API.
type Configuration struct {
	ListenAddress string
	APIPublicURL  url.URL
	DatabaseURL   url.URL

	JWTSecret     []byte
	JWTExpiration time.Duration

	DatabaseMinConnections int
	DatabaseMaxConnections int

	Storage StorageConfiguration
	Cache   CacheConfiguration
}

// StorageConfiguration appears in type Configuration.
type StorageConfiguration struct {
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// MultipartThreshold is the object size in bytes at which PutStreaming
	// switches from a single put to a multipart upload.
	MultipartThreshold uint64
	// PartSize is the size in bytes of individual multipart upload parts.
	PartSize uint64
	// RetryAttempts bounds retries of transient object store errors.
	RetryAttempts int
}

// CacheConfiguration appears in type Configuration. All TTLs are per cache
// namespace.
type CacheConfiguration struct {
	MaxMemoryEntries int

	ManifestTTL     time.Duration
	BlobMetaTTL     time.Duration
	RepositoriesTTL time.Duration
	TagsTTL         time.Duration
	AuthTokenTTL    time.Duration
	PermissionsTTL  time.Duration
	SessionTTL      time.Duration
}

// defaults for CacheConfiguration, overridable via CACHE_TTL_* variables
const (
	defaultManifestTTL     = 5 * time.Minute
	defaultBlobMetaTTL     = 10 * time.Minute
	defaultRepositoriesTTL = 1 * time.Minute
	defaultTagsTTL         = 2 * time.Minute
	defaultAuthTokenTTL    = 15 * time.Minute
	defaultPermissionsTTL  = 5 * time.Minute
	defaultSessionTTL      = 30 * time.Minute
)

// envReader accumulates errors about missing or malformed environment
// variables, so that the startup failure message can name all of them at once
// instead of one per restart.
type envReader struct {
	missing   []string
	malformed []string
}

func (r *envReader) mustGet(key string) string {
	val := os.Getenv(key)
	if val == "" {
		r.missing = append(r.missing, key)
	}
	return val
}

func (r *envReader) mustGetURL(key string) url.URL {
	val := r.mustGet(key)
	if val == "" {
		return url.URL{}
	}
	parsed, err := url.Parse(val)
	if err != nil {
		r.malformed = append(r.malformed, fmt.Sprintf("%s (%s)", key, err.Error()))
		return url.URL{}
	}
	return *parsed
}

func (r *envReader) getUint(key string, defaultValue uint64) uint64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		r.malformed = append(r.malformed, fmt.Sprintf("%s (%s)", key, err.Error()))
		return defaultValue
	}
	return parsed
}

func (r *envReader) getDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		r.malformed = append(r.malformed, fmt.Sprintf("%s (%s)", key, err.Error()))
		return defaultValue
	}
	return parsed
}

func (r *envReader) failOnErrors() {
	if len(r.missing) > 0 {
		logg.Error("missing required environment variables: %s", strings.Join(r.missing, ", "))
	}
	for _, msg := range r.malformed {
		logg.Error("malformed environment variable: %s", msg)
	}
	if len(r.missing) > 0 || len(r.malformed) > 0 {
		logg.Fatal("refusing to start because of configuration errors (see above)")
	}
}

// ParseConfiguration obtains a wharf.Configuration instance from the
// corresponding environment variables. Aborts on error, naming every missing
// required option.
func ParseConfiguration() Configuration {
	var r envReader

	cfg := Configuration{
		ListenAddress: osext.GetenvOrDefault("LISTEN_ADDRESS", ":8080"),
		APIPublicURL:  r.mustGetURL("API_PUBLIC_URL"),
		DatabaseURL:   r.mustGetURL("DATABASE_URL"),
		JWTSecret:     []byte(r.mustGet("JWT_SECRET")),
		JWTExpiration: time.Duration(r.getUint("JWT_EXPIRATION_SECONDS", 3600)) * time.Second,

		DatabaseMinConnections: int(r.getUint("DATABASE_MIN_CONNECTIONS", 5)),
		DatabaseMaxConnections: int(r.getUint("DATABASE_MAX_CONNECTIONS", 100)),

		Storage: StorageConfiguration{
			S3Endpoint:         os.Getenv("S3_ENDPOINT"),
			S3Region:           r.mustGet("S3_REGION"),
			S3Bucket:           r.mustGet("S3_BUCKET"),
			S3AccessKey:        r.mustGet("S3_ACCESS_KEY"),
			S3SecretKey:        r.mustGet("S3_SECRET_KEY"),
			S3UsePathStyle:     osext.GetenvBool("S3_USE_PATH_STYLE"),
			MultipartThreshold: r.getUint("MULTIPART_THRESHOLD", 64<<20),
			PartSize:           r.getUint("PART_SIZE", 8<<20),
			RetryAttempts:      int(r.getUint("RETRY_ATTEMPTS", 3)),
		},

		Cache: CacheConfiguration{
			MaxMemoryEntries: int(r.getUint("CACHE_MAX_ENTRIES", 10000)),
			ManifestTTL:      r.getDuration("CACHE_TTL_MANIFEST", defaultManifestTTL),
			BlobMetaTTL:      r.getDuration("CACHE_TTL_BLOB_META", defaultBlobMetaTTL),
			RepositoriesTTL:  r.getDuration("CACHE_TTL_REPOSITORIES", defaultRepositoriesTTL),
			TagsTTL:          r.getDuration("CACHE_TTL_TAGS", defaultTagsTTL),
			AuthTokenTTL:     r.getDuration("CACHE_TTL_AUTH_TOKEN", defaultAuthTokenTTL),
			PermissionsTTL:   r.getDuration("CACHE_TTL_PERMISSIONS", defaultPermissionsTTL),
			SessionTTL:       r.getDuration("CACHE_TTL_SESSION", defaultSessionTTL),
		},
	}
	r.failOnErrors()

	if cfg.JWTExpiration < 300*time.Second {
		logg.Fatal("JWT_EXPIRATION_SECONDS must be at least 300")
	}
	if cfg.Storage.PartSize > cfg.Storage.MultipartThreshold {
		logg.Fatal("PART_SIZE must not exceed MULTIPART_THRESHOLD")
	}

	return cfg
}

// GetRedisClient returns a Redis client if REDIS_URL is configured, or nil if
// the external cache tier is disabled. A nil return with nil error is valid.
func GetRedisClient() (*redis.Client, error) {
	urlStr := os.Getenv("REDIS_URL")
	if urlStr == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(urlStr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse REDIS_URL: %w", err)
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		opts.Password = password
	}
	return redis.NewClient(opts), nil
}
