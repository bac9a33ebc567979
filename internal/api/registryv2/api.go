// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package registryv2 contains the HTTP handlers for the Distribution v2 API,
// the surface that `docker push`/`pull` and friends speak.
package registryv2

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/errext"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"
	uuid "github.com/satori/go.uuid"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/storage"
	"github.com/wharfhub/wharf/internal/wharf"
)

// API contains state variables used by the registry API endpoints.
type API struct {
	cfg   wharf.Configuration
	db    *wharf.DB
	sd    storage.Driver
	cache *cache.Cache
	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow           func() time.Time
	generateStorageID func() string
	generateUUID      func() string
}

// NewAPI constructs a new API instance.
func NewAPI(cfg wharf.Configuration, db *wharf.DB, sd storage.Driver, c *cache.Cache) *API {
	return &API{cfg, db, sd, c, time.Now, wharf.GenerateStorageID, func() string { return uuid.NewV4().String() }}
}

// OverrideTimeNow replaces time.Now with a test double.
func (a *API) OverrideTimeNow(timeNow func() time.Time) *API {
	a.timeNow = timeNow
	return a
}

// OverrideGenerateStorageID replaces wharf.GenerateStorageID with a test double.
func (a *API) OverrideGenerateStorageID(generateStorageID func() string) *API {
	a.generateStorageID = generateStorageID
	return a
}

// OverrideGenerateUUID replaces the UUID source with a test double.
func (a *API) OverrideGenerateUUID(generateUUID func() string) *API {
	a.generateUUID = generateUUID
	return a
}

// AddTo implements the httpapi.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("GET").Path("/v2/").HandlerFunc(a.handleToplevel)
	r.Methods("GET").Path("/v2/_catalog").HandlerFunc(a.handleGetCatalog)

	// the "repository" variable spans "<org>/<repo>"; it is validated in
	// checkRepoAccess()
	r.Methods("GET", "HEAD").
		Path("/v2/{repository:.+}/blobs/{digest}").
		HandlerFunc(a.handleGetOrHeadBlob)
	r.Methods("DELETE").
		Path("/v2/{repository:.+}/blobs/{digest}").
		HandlerFunc(a.handleDeleteBlob)
	r.Methods("POST").
		Path("/v2/{repository:.+}/blobs/uploads/").
		HandlerFunc(a.handleStartBlobUpload)
	r.Methods("GET").
		Path("/v2/{repository:.+}/blobs/uploads/{uuid}").
		HandlerFunc(a.handleGetBlobUpload)
	r.Methods("PATCH").
		Path("/v2/{repository:.+}/blobs/uploads/{uuid}").
		HandlerFunc(a.handleContinueBlobUpload)
	r.Methods("PUT").
		Path("/v2/{repository:.+}/blobs/uploads/{uuid}").
		HandlerFunc(a.handleFinishBlobUpload)
	r.Methods("DELETE").
		Path("/v2/{repository:.+}/blobs/uploads/{uuid}").
		HandlerFunc(a.handleDeleteBlobUpload)
	r.Methods("GET", "HEAD").
		Path("/v2/{repository:.+}/manifests/{reference}").
		HandlerFunc(a.handleGetOrHeadManifest)
	r.Methods("PUT").
		Path("/v2/{repository:.+}/manifests/{reference}").
		HandlerFunc(a.handlePutManifest)
	r.Methods("DELETE").
		Path("/v2/{repository:.+}/manifests/{reference}").
		HandlerFunc(a.handleDeleteManifest)
	r.Methods("GET").
		Path("/v2/{repository:.+}/tags/list").
		HandlerFunc(a.handleListTags)
}

// This implements the GET /v2/ endpoint.
func (a *API) handleToplevel(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/")
	// must be set even for 401 responses!
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	// `docker login` uses this endpoint to check credentials, so anonymous
	// access cannot be allowed here
	authz, rerr := a.authenticateRequest(r)
	if rerr == nil && authz.IsAnonymous() {
		rerr = wharf.ErrUnauthorized.With("authentication required")
	}
	if rerr != nil {
		rerr.WithHeader("Www-Authenticate", auth.ChallengeFor(a.cfg)).WriteAsRegistryV2ResponseTo(w)
		return
	}

	// the response is not defined beyond code 200, so reply in the same way
	// as https://registry-1.docker.io/v2/, with an empty JSON object
	respondwith.JSON(w, http.StatusOK, map[string]any{})
}

func (a *API) authenticateRequest(r *http.Request) (auth.Authorization, *wharf.RegistryV2Error) {
	return auth.Request{
		HTTPRequest: r,
		Config:      a.cfg,
		DB:          a.db,
		Cache:       a.cache,
		Now:         a.timeNow(),
	}.Authenticate()
}

// Like respondwith.ErrorText(), but writes a RegistryV2Error instead of plain text.
func respondWithError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if rerr, ok := errext.As[*wharf.RegistryV2Error](err); ok {
		if rerr == nil {
			return false
		}
		rerr.WriteAsRegistryV2ResponseTo(w)
		return true
	}
	wharf.ErrUnknown.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
	return true
}

// A one-stop authorization checker for all endpoints that set the mux
// variable "repository". On success, returns the repository that this
// request is about and its full "<org>/<repo>" path.
func (a *API) checkRepoAccess(w http.ResponseWriter, r *http.Request, action auth.Action) (*models.Repository, string, *auth.Authorization) {
	// must be set even for 401 responses!
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	repoPath := mux.Vars(r)["repository"]
	if !models.IsRepoPath(repoPath) {
		wharf.ErrNameInvalid.With("invalid repository name").WriteAsRegistryV2ResponseTo(w)
		return nil, "", nil
	}

	authz, rerr := a.authenticateRequest(r)
	if rerr != nil {
		rerr.WithHeader("Www-Authenticate", auth.ChallengeFor(a.cfg)).WriteAsRegistryV2ResponseTo(w)
		return nil, "", nil
	}

	repo, err := wharf.FindRepository(a.db, repoPath)
	if respondWithError(w, err) {
		return nil, "", nil
	}
	if repo == nil {
		wharf.ErrNameUnknown.With("repository name not known to registry").WriteAsRegistryV2ResponseTo(w)
		return nil, "", nil
	}

	allowed, err := auth.CanAccess(r.Context(), a.db, a.cache, authz, *repo, action)
	if respondWithError(w, err) {
		return nil, "", nil
	}
	if !allowed {
		if authz.IsAnonymous() {
			wharf.ErrUnauthorized.With("authentication required").
				WithHeader("Www-Authenticate", auth.ChallengeFor(a.cfg)).
				WriteAsRegistryV2ResponseTo(w)
		} else {
			wharf.ErrDenied.With("requested access to the resource is denied").WriteAsRegistryV2ResponseTo(w)
		}
		return nil, "", nil
	}

	return repo, repoPath, &authz
}

// orgNameOf extracts the organization part of a repository path, for use as
// a metric label.
func orgNameOf(repoPath string) string {
	orgName, _, _ := strings.Cut(repoPath, "/")
	return orgName
}
