// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package accounts contains the HTTP handlers for the account-plane API
// under /api/v1: registration, login, organizations, repositories and API
// keys. Unlike the registry surface, errors here are plain text.
package accounts

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

// API contains state variables used by the account-plane API endpoints.
type API struct {
	cfg   wharf.Configuration
	db    *wharf.DB
	cache *cache.Cache
	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow        func() time.Time
	generateAPIKey func() (string, error)
}

// NewAPI constructs a new API instance.
func NewAPI(cfg wharf.Configuration, db *wharf.DB, c *cache.Cache) *API {
	return &API{cfg, db, c, time.Now, auth.GenerateAPIKey}
}

// OverrideTimeNow replaces time.Now with a test double.
func (a *API) OverrideTimeNow(timeNow func() time.Time) *API {
	a.timeNow = timeNow
	return a
}

// OverrideGenerateAPIKey replaces auth.GenerateAPIKey with a test double.
func (a *API) OverrideGenerateAPIKey(generateAPIKey func() (string, error)) *API {
	a.generateAPIKey = generateAPIKey
	return a
}

// AddTo implements the httpapi.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("POST").Path("/api/v1/auth/register").HandlerFunc(a.handleRegister)
	r.Methods("POST").Path("/api/v1/auth/token").HandlerFunc(a.handleIssueToken)

	r.Methods("POST").Path("/api/v1/orgs").HandlerFunc(a.handleCreateOrg)
	r.Methods("POST").Path("/api/v1/orgs/{org}/members").HandlerFunc(a.handleAddOrgMember)
	r.Methods("DELETE").Path("/api/v1/orgs/{org}/members/{username}").HandlerFunc(a.handleRemoveOrgMember)

	r.Methods("POST").Path("/api/v1/orgs/{org}/repos").HandlerFunc(a.handleCreateRepo)
	r.Methods("PUT").Path("/api/v1/repos/{org}/{repo}/visibility").HandlerFunc(a.handleSetRepoVisibility)
	r.Methods("PUT").Path("/api/v1/repos/{org}/{repo}/permissions").HandlerFunc(a.handleSetRepoPermission)
	r.Methods("DELETE").Path("/api/v1/repos/{org}/{repo}/permissions").HandlerFunc(a.handleDeleteRepoPermission)

	r.Methods("POST").Path("/api/v1/keys").HandlerFunc(a.handleCreateAPIKey)
	r.Methods("GET").Path("/api/v1/keys").HandlerFunc(a.handleListAPIKeys)
	r.Methods("DELETE").Path("/api/v1/keys/{id}").HandlerFunc(a.handleDeleteAPIKey)
}

func decodeJSONRequestBody(w http.ResponseWriter, body io.Reader, target any) (ok bool) {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(target)
	if err != nil {
		http.Error(w, "request body is not valid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// requireUser authenticates the request and rejects anonymous callers. All
// endpoints except registration and login go through here.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request) *models.User {
	authz, rerr := auth.Request{
		HTTPRequest: r,
		Config:      a.cfg,
		DB:          a.db,
		Cache:       a.cache,
		Now:         a.timeNow(),
	}.Authenticate()
	if rerr != nil {
		rerr.WriteAsTextTo(w)
		return nil
	}
	if authz.IsAnonymous() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil
	}
	return authz.User
}

// findOrgWithRole loads the organization from the request URL and checks
// that the caller has one of the given roles in it.
func (a *API) findOrgWithRole(w http.ResponseWriter, r *http.Request, user models.User, roles ...models.Role) *models.Organization {
	org, err := wharf.FindOrganization(a.db, mux.Vars(r)["org"])
	if respondWithErrorText(w, err) {
		return nil
	}
	if org == nil {
		http.Error(w, "no such organization", http.StatusNotFound)
		return nil
	}

	member, err := wharf.FindOrganizationMember(a.db, org.ID, user.ID)
	if respondWithErrorText(w, err) {
		return nil
	}
	if member != nil {
		for _, role := range roles {
			if member.Role == role {
				return org
			}
		}
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return nil
}

// findRepoWithAdminAccess loads the repository from the request URL and
// checks that the caller may administer it (same rule as manifest deletion).
func (a *API) findRepoWithAdminAccess(w http.ResponseWriter, r *http.Request, user models.User) *models.Repository {
	vars := mux.Vars(r)
	repoPath := vars["org"] + "/" + vars["repo"]
	if !models.IsRepoPath(repoPath) {
		http.Error(w, "invalid repository name", http.StatusBadRequest)
		return nil
	}
	repo, err := wharf.FindRepository(a.db, repoPath)
	if respondWithErrorText(w, err) {
		return nil
	}
	if repo == nil {
		http.Error(w, "no such repository", http.StatusNotFound)
		return nil
	}

	allowed, err := auth.CanAccess(r.Context(), a.db, a.cache, auth.Authorization{User: &user}, *repo, auth.ActionDelete)
	if respondWithErrorText(w, err) {
		return nil
	}
	if !allowed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil
	}
	return repo
}

// Like respondwith.ErrorText, but renders RegistryV2Error instances with
// their own status code instead of a blanket 500.
func respondWithErrorText(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	wharf.AsRegistryV2Error(err).WriteAsTextTo(w)
	return true
}
