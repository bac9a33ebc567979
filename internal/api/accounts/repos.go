// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

type repoRendered struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Visibility models.Visibility `json:"visibility"`
}

func renderRepo(repo models.Repository) repoRendered {
	return repoRendered{ID: repo.ID, Name: repo.Name, Visibility: repo.Visibility}
}

// This implements the POST /api/v1/orgs/:org/repos endpoint. The creator
// receives an admin grant on the new repository.
func (a *API) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/orgs/:org/repos")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}
	org := a.findOrgWithRole(w, r, *user, models.RoleOwner, models.RoleAdmin, models.RoleMaintainer)
	if org == nil {
		return
	}

	var req struct {
		Name       string            `json:"name"`
		Visibility models.Visibility `json:"visibility"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}
	if !models.NameComponentRx.MatchString(req.Name) {
		http.Error(w, "invalid repository name", http.StatusUnprocessableEntity)
		return
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPrivate
	}
	if !req.Visibility.IsValid() {
		http.Error(w, "invalid visibility", http.StatusUnprocessableEntity)
		return
	}

	existing, err := wharf.FindRepository(a.db, org.Name+"/"+req.Name)
	if respondWithErrorText(w, err) {
		return
	}
	if existing != nil {
		http.Error(w, "repository name is taken", http.StatusConflict)
		return
	}

	repo := models.Repository{
		OrganizationID: org.ID,
		Name:           req.Name,
		Visibility:     req.Visibility,
		CreatedAt:      a.timeNow(),
	}
	err = wharf.CreateRepository(a.db, &repo, user.ID)
	if respondWithErrorText(w, err) {
		return
	}

	// the anonymous catalog changes when a public repository appears
	if repo.Visibility == models.VisibilityPublic {
		a.cache.Delete(r.Context(), cache.NamespaceRepositories, "public")
	}
	respondwith.JSON(w, http.StatusCreated, map[string]any{"repository": renderRepo(repo)})
}

// This implements the PUT /api/v1/repos/:org/:repo/visibility endpoint.
func (a *API) handleSetRepoVisibility(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/repos/:org/:repo/visibility")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}
	repo := a.findRepoWithAdminAccess(w, r, *user)
	if repo == nil {
		return
	}

	var req struct {
		Visibility models.Visibility `json:"visibility"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}
	if !req.Visibility.IsValid() {
		http.Error(w, "invalid visibility", http.StatusUnprocessableEntity)
		return
	}

	_, err := a.db.Exec(`UPDATE repositories SET visibility = $1 WHERE id = $2`, req.Visibility, repo.ID)
	if respondWithErrorText(w, err) {
		return
	}
	repo.Visibility = req.Visibility

	// invalidation must precede the success response: visibility decides
	// anonymous pulls and the anonymous catalog
	auth.InvalidateAllPermissions(r.Context(), a.cache)
	a.cache.Delete(r.Context(), cache.NamespaceRepositories, "public")
	respondwith.JSON(w, http.StatusOK, map[string]any{"repository": renderRepo(*repo)})
}

// This implements the PUT /api/v1/repos/:org/:repo/permissions endpoint. The
// grantee is either a user or an organization, never both.
func (a *API) handleSetRepoPermission(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/repos/:org/:repo/permissions")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}
	repo := a.findRepoWithAdminAccess(w, r, *user)
	if repo == nil {
		return
	}

	var req struct {
		Username     string            `json:"username"`
		Organization string            `json:"organization"`
		Permission   models.Permission `json:"permission"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}
	if !req.Permission.IsValid() {
		http.Error(w, "invalid permission", http.StatusUnprocessableEntity)
		return
	}
	if (req.Username == "") == (req.Organization == "") {
		http.Error(w, "exactly one of username and organization is required", http.StatusUnprocessableEntity)
		return
	}

	if req.Username != "" {
		grantee, err := wharf.FindUserByName(a.db, req.Username)
		if respondWithErrorText(w, err) {
			return
		}
		if grantee == nil {
			http.Error(w, "no such user", http.StatusNotFound)
			return
		}
		_, err = a.db.Exec(`
			INSERT INTO repository_permissions (repo_id, user_id, permission)
			VALUES ($1, $2, $3)
			ON CONFLICT (repo_id, user_id) DO UPDATE SET permission = EXCLUDED.permission`,
			repo.ID, grantee.ID, req.Permission)
		if respondWithErrorText(w, err) {
			return
		}
		auth.InvalidatePermissions(r.Context(), a.cache, grantee.ID, repo.ID)
	} else {
		grantee, err := wharf.FindOrganization(a.db, req.Organization)
		if respondWithErrorText(w, err) {
			return
		}
		if grantee == nil {
			http.Error(w, "no such organization", http.StatusNotFound)
			return
		}
		_, err = a.db.Exec(`
			INSERT INTO repository_permissions (repo_id, org_id, permission)
			VALUES ($1, $2, $3)
			ON CONFLICT (repo_id, org_id) DO UPDATE SET permission = EXCLUDED.permission`,
			repo.ID, grantee.ID, req.Permission)
		if respondWithErrorText(w, err) {
			return
		}
		// the grant affects every member of the grantee organization
		auth.InvalidateAllPermissions(r.Context(), a.cache)
	}

	w.WriteHeader(http.StatusNoContent)
}

// This implements the DELETE /api/v1/repos/:org/:repo/permissions endpoint.
func (a *API) handleDeleteRepoPermission(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/repos/:org/:repo/permissions")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}
	repo := a.findRepoWithAdminAccess(w, r, *user)
	if repo == nil {
		return
	}

	var req struct {
		Username     string `json:"username"`
		Organization string `json:"organization"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}
	if (req.Username == "") == (req.Organization == "") {
		http.Error(w, "exactly one of username and organization is required", http.StatusUnprocessableEntity)
		return
	}

	if req.Username != "" {
		grantee, err := wharf.FindUserByName(a.db, req.Username)
		if respondWithErrorText(w, err) {
			return
		}
		if grantee == nil {
			http.Error(w, "no such user", http.StatusNotFound)
			return
		}
		_, err = a.db.Exec(
			`DELETE FROM repository_permissions WHERE repo_id = $1 AND user_id = $2`,
			repo.ID, grantee.ID)
		if respondWithErrorText(w, err) {
			return
		}
		auth.InvalidatePermissions(r.Context(), a.cache, grantee.ID, repo.ID)
	} else {
		grantee, err := wharf.FindOrganization(a.db, req.Organization)
		if respondWithErrorText(w, err) {
			return
		}
		if grantee == nil {
			http.Error(w, "no such organization", http.StatusNotFound)
			return
		}
		_, err = a.db.Exec(
			`DELETE FROM repository_permissions WHERE repo_id = $1 AND org_id = $2`,
			repo.ID, grantee.ID)
		if respondWithErrorText(w, err) {
			return
		}
		auth.InvalidateAllPermissions(r.Context(), a.cache)
	}

	w.WriteHeader(http.StatusNoContent)
}
