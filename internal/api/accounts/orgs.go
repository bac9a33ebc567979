// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

type orgRendered struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

func renderOrg(org models.Organization) orgRendered {
	return orgRendered{ID: org.ID, Name: org.Name, DisplayName: org.DisplayName, Description: org.Description}
}

// This implements the POST /api/v1/orgs endpoint. The creating user becomes
// the organization's owner.
func (a *API) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/orgs")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Description string `json:"description"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}
	if !models.NameComponentRx.MatchString(req.Name) {
		http.Error(w, "invalid organization name", http.StatusUnprocessableEntity)
		return
	}

	existing, err := wharf.FindOrganization(a.db, req.Name)
	if respondWithErrorText(w, err) {
		return
	}
	if existing != nil {
		http.Error(w, "organization name is taken", http.StatusConflict)
		return
	}

	org := models.Organization{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		CreatedAt:   a.timeNow(),
	}
	err = wharf.CreateOrganization(a.db, &org, user.ID)
	if respondWithErrorText(w, err) {
		return
	}

	respondwith.JSON(w, http.StatusCreated, map[string]any{"organization": renderOrg(org)})
}

// This implements the POST /api/v1/orgs/:org/members endpoint.
func (a *API) handleAddOrgMember(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/orgs/:org/members")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}
	org := a.findOrgWithRole(w, r, *user, models.RoleOwner, models.RoleAdmin)
	if org == nil {
		return
	}

	var req struct {
		Username string      `json:"username"`
		Role     models.Role `json:"role"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}
	if !req.Role.IsValid() {
		http.Error(w, "invalid role", http.StatusUnprocessableEntity)
		return
	}
	// only owners can hand out the owner role
	if req.Role == models.RoleOwner {
		if a.findOrgWithRole(w, r, *user, models.RoleOwner) == nil {
			return
		}
	}

	newMember, err := wharf.FindUserByName(a.db, req.Username)
	if respondWithErrorText(w, err) {
		return
	}
	if newMember == nil {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}

	_, err = a.db.Exec(`
		INSERT INTO organization_members (org_id, user_id, role, joined_at, invited_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		org.ID, newMember.ID, req.Role, a.timeNow(), user.ID)
	if respondWithErrorText(w, err) {
		return
	}

	// invalidation must precede the success response: the new role changes
	// what this member may do across all of the org's repositories
	auth.InvalidateAllPermissions(r.Context(), a.cache)
	w.WriteHeader(http.StatusNoContent)
}

// This implements the DELETE /api/v1/orgs/:org/members/:username endpoint.
func (a *API) handleRemoveOrgMember(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/orgs/:org/members/:username")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}
	org := a.findOrgWithRole(w, r, *user, models.RoleOwner, models.RoleAdmin)
	if org == nil {
		return
	}

	member, err := wharf.FindUserByName(a.db, mux.Vars(r)["username"])
	if respondWithErrorText(w, err) {
		return
	}
	if member == nil {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}

	targetMember, err := wharf.FindOrganizationMember(a.db, org.ID, member.ID)
	if respondWithErrorText(w, err) {
		return
	}
	if targetMember == nil {
		http.Error(w, "not a member", http.StatusNotFound)
		return
	}

	// an organization must not end up ownerless, regardless of who does the
	// removing
	if targetMember.Role == models.RoleOwner {
		ownerCount, err := a.db.SelectInt(
			`SELECT COUNT(*) FROM organization_members WHERE org_id = $1 AND role = 'owner'`, org.ID)
		if respondWithErrorText(w, err) {
			return
		}
		if ownerCount <= 1 {
			http.Error(w, "cannot remove the last owner", http.StatusConflict)
			return
		}
	}

	result, err := a.db.Exec(
		`DELETE FROM organization_members WHERE org_id = $1 AND user_id = $2`,
		org.ID, member.ID)
	if respondWithErrorText(w, err) {
		return
	}
	rowCount, err := result.RowsAffected()
	if respondWithErrorText(w, err) {
		return
	}
	if rowCount == 0 {
		http.Error(w, "not a member", http.StatusNotFound)
		return
	}

	auth.InvalidateAllPermissions(r.Context(), a.cache)
	w.WriteHeader(http.StatusNoContent)
}
