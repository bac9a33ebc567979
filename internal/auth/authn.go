// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sapcc/go-bits/logg"

	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

// Authorization describes who is making a request.
type Authorization struct {
	// User is nil for anonymous requests.
	User *models.User
	// Method describes how the caller authenticated ("jwt", "api_key",
	// "basic" or "anonymous"). It only appears in logs.
	Method string
}

// IsAnonymous returns whether no credentials were presented.
func (a Authorization) IsAnonymous() bool {
	return a.User == nil
}

// UserName returns the authenticated username, or "<anonymous>".
func (a Authorization) UserName() string {
	if a.User == nil {
		return "<anonymous>"
	}
	return a.User.Username
}

// ChallengeFor builds the WWW-Authenticate header value that points clients
// at the token endpoint.
func ChallengeFor(cfg wharf.Configuration) string {
	base := strings.TrimSuffix(cfg.APIPublicURL.String(), "/")
	return fmt.Sprintf(`Bearer realm="%s/api/v1/auth/token"`, base)
}

// Request bundles the dependencies of AuthenticateRequest. All fields are
// required except Cache, which may be nil to bypass credential caching.
type Request struct {
	HTTPRequest *http.Request
	Config      wharf.Configuration
	DB          *wharf.DB
	Cache       *cache.Cache
	Now         time.Time
}

// Authenticate identifies the caller from the request's credentials.
// Requests without credentials authenticate as anonymous; only invalid
// credentials produce an error.
//
// Accepted credential forms:
//
//   - "Authorization: Bearer <jwt>" with a session token from the login
//     endpoint
//   - "Authorization: Bearer ak_..." or "X-API-Key: ak_..." with an API key
//   - "Authorization: Basic ..." with username + password, or with an API
//     key in the password slot
func (req Request) Authenticate() (Authorization, *wharf.RegistryV2Error) {
	if key := req.HTTPRequest.Header.Get("X-API-Key"); key != "" {
		return req.authenticateAPIKey(key)
	}

	header := req.HTTPRequest.Header.Get("Authorization")
	if header == "" {
		return Authorization{Method: "anonymous"}, nil
	}

	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if LooksLikeAPIKey(token) {
			return req.authenticateAPIKey(token)
		}
		return req.authenticateJWT(token)
	}

	if username, password, ok := req.HTTPRequest.BasicAuth(); ok {
		return req.authenticateBasic(username, password)
	}

	return Authorization{}, wharf.ErrUnauthorized.With("unsupported Authorization header format")
}

// Credentials never appear verbatim as cache keys; Redis contents must not
// leak usable tokens.
func credentialCacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func (req Request) cacheGetUser(ns cache.Namespace, key string) *models.User {
	if req.Cache == nil {
		return nil
	}
	buf, ok := req.Cache.Get(req.HTTPRequest.Context(), ns, key)
	if !ok {
		return nil
	}
	var user models.User
	if json.Unmarshal(buf, &user) != nil {
		return nil
	}
	return &user
}

func (req Request) cacheSetUser(ns cache.Namespace, key string, user models.User) {
	if req.Cache == nil {
		return
	}
	buf, err := json.Marshal(user)
	if err == nil {
		req.Cache.Set(req.HTTPRequest.Context(), ns, key, buf)
	}
}

func (req Request) authenticateJWT(token string) (Authorization, *wharf.RegistryV2Error) {
	// verification of a cached token is skipped entirely; the cache TTL is
	// well below the minimum token lifetime
	cacheKey := credentialCacheKey(token)
	if user := req.cacheGetUser(cache.NamespaceAuthToken, cacheKey); user != nil {
		return Authorization{User: user, Method: "jwt"}, nil
	}

	userID, err := VerifyToken(req.Config, token, req.Now)
	if err != nil {
		return Authorization{}, wharf.ErrUnauthorized.With("%s", err.Error())
	}
	user, err := wharf.FindUserByID(req.DB, userID)
	if err != nil {
		return Authorization{}, wharf.AsRegistryV2Error(err)
	}
	if user == nil {
		return Authorization{}, wharf.ErrUnauthorized.With("no such user")
	}

	req.cacheSetUser(cache.NamespaceAuthToken, cacheKey, *user)
	return Authorization{User: user, Method: "jwt"}, nil
}

func (req Request) authenticateAPIKey(plaintextKey string) (Authorization, *wharf.RegistryV2Error) {
	if !LooksLikeAPIKey(plaintextKey) {
		return Authorization{}, wharf.ErrUnauthorized.With("malformed API key")
	}
	keyHash := HashAPIKey(plaintextKey)

	if user := req.cacheGetUser(cache.NamespaceAPIKey, keyHash); user != nil {
		return Authorization{User: user, Method: "api_key"}, nil
	}

	key, err := wharf.FindAPIKeyByHash(req.DB, keyHash)
	if err != nil {
		return Authorization{}, wharf.AsRegistryV2Error(err)
	}
	if key == nil || !key.IsUsable(req.Now) {
		return Authorization{}, wharf.ErrUnauthorized.With("invalid or expired API key")
	}
	user, err := wharf.FindUserByID(req.DB, key.UserID)
	if err != nil {
		return Authorization{}, wharf.AsRegistryV2Error(err)
	}
	if user == nil {
		return Authorization{}, wharf.ErrUnauthorized.With("invalid or expired API key")
	}

	// keys expiring within the cache TTL stay uncached so that expiry is
	// enforced on time
	if key.ExpiresAt == nil || req.Cache == nil || key.ExpiresAt.After(req.Now.Add(req.Cache.TTLFor(cache.NamespaceAPIKey))) {
		req.cacheSetUser(cache.NamespaceAPIKey, keyHash, *user)
	}

	// last_used_at is informational, so it is updated outside the request
	// path and a failure does not fail the request
	keyID := key.ID
	now := req.Now
	db := req.DB
	go func() {
		touchErr := wharf.TouchAPIKey(db, keyID, now)
		if touchErr != nil {
			logg.Error("cannot update last_used_at for API key %d: %s", keyID, touchErr.Error())
		}
	}()

	return Authorization{User: user, Method: "api_key"}, nil
}

func (req Request) authenticateBasic(username, password string) (Authorization, *wharf.RegistryV2Error) {
	// an API key in the password slot authenticates its owning user; the
	// username must match to guard against credential mixups
	if LooksLikeAPIKey(password) {
		authz, rerr := req.authenticateAPIKey(password)
		if rerr != nil {
			return Authorization{}, rerr
		}
		if authz.User.Username != username {
			return Authorization{}, wharf.ErrUnauthorized.With("API key does not belong to user %q", username)
		}
		authz.Method = "basic"
		return authz, nil
	}

	user, err := wharf.FindUserByName(req.DB, username)
	if err != nil {
		return Authorization{}, wharf.AsRegistryV2Error(err)
	}
	if user == nil || !VerifyPassword(password, user.PasswordHash) {
		return Authorization{}, wharf.ErrUnauthorized.With("wrong credentials")
	}
	return Authorization{User: user, Method: "basic"}, nil
}

// InvalidateCredentials drops all cached credential verdicts. Called when a
// user changes their password or revokes an API key; coarse, but these
// events are rare.
func InvalidateCredentials(ctx context.Context, c *cache.Cache) {
	c.DeleteNamespace(ctx, cache.NamespaceAuthToken)
	c.DeleteNamespace(ctx, cache.NamespaceAPIKey)
}
