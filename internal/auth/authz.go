// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

// Action enumerates the repository-level operations that are subject to
// authorization.
type Action string

// Possible values for Action.
const (
	ActionPull   Action = "pull"
	ActionPush   Action = "push"
	ActionDelete Action = "delete"
)

// requiredPermission maps each action onto the explicit grant level that
// allows it.
var requiredPermission = map[Action]models.Permission{
	ActionPull:   models.PermissionRead,
	ActionPush:   models.PermissionWrite,
	ActionDelete: models.PermissionAdmin,
}

// PermissionBundle aggregates everything relevant for authorization
// decisions about one (user, repository) pair. It is cached because the same
// pair is checked on every layer of an image pull.
type PermissionBundle struct {
	// role in the repository's owning organization, if the user is a member
	OrgRole *models.Role `json:"org_role,omitempty"`
	// explicit per-user grant on the repository
	DirectPermission *models.Permission `json:"direct,omitempty"`
	// strongest grant given to any organization the user is a member of
	OrgGrant *models.Permission `json:"org_grant,omitempty"`
	// whether the user created the repository
	IsCreator bool `json:"is_creator,omitempty"`
}

func permissionCacheKey(userID, repoID int64) string {
	return fmt.Sprintf("%d/%d", userID, repoID)
}

var orgGrantQuery = sqlext.SimplifyWhitespace(`
	SELECT rp.permission
	  FROM repository_permissions rp
	  JOIN organization_members om ON rp.org_id = om.org_id
	 WHERE rp.repo_id = $1 AND om.user_id = $2
`)

// GetPermissionBundle loads the caller's grants on a repository, preferring
// the cache over the database.
func GetPermissionBundle(ctx context.Context, db *wharf.DB, c *cache.Cache, userID int64, repo models.Repository) (PermissionBundle, error) {
	key := permissionCacheKey(userID, repo.ID)
	if buf, ok := c.Get(ctx, cache.NamespacePermissions, key); ok {
		var bundle PermissionBundle
		if json.Unmarshal(buf, &bundle) == nil {
			return bundle, nil
		}
		// fall through to the database on undecodable cache contents
	}

	var bundle PermissionBundle
	member, err := wharf.FindOrganizationMember(db, repo.OrganizationID, userID)
	if err != nil {
		return PermissionBundle{}, err
	}
	if member != nil {
		bundle.OrgRole = &member.Role
	}

	perm, err := wharf.FindDirectPermission(db, repo.ID, userID)
	if err != nil {
		return PermissionBundle{}, err
	}
	if perm != nil {
		bundle.DirectPermission = &perm.Permission
	}

	err = sqlext.ForeachRow(db, orgGrantQuery, []any{repo.ID, userID}, func(rows *sql.Rows) error {
		var grantStr string
		scanErr := rows.Scan(&grantStr)
		if scanErr != nil {
			return scanErr
		}
		grant := models.Permission(grantStr)
		if bundle.OrgGrant == nil || grant.Includes(*bundle.OrgGrant) {
			bundle.OrgGrant = &grant
		}
		return nil
	})
	if err != nil {
		return PermissionBundle{}, err
	}

	bundle.IsCreator = repo.CreatedBy != nil && *repo.CreatedBy == userID

	buf, err := json.Marshal(bundle)
	if err == nil {
		c.Set(ctx, cache.NamespacePermissions, key, buf)
	}
	return bundle, nil
}

// InvalidatePermissions drops the cached grants for one (user, repository)
// pair. Write paths that change memberships or grants call this before
// reporting success.
func InvalidatePermissions(ctx context.Context, c *cache.Cache, userID, repoID int64) {
	c.Delete(ctx, cache.NamespacePermissions, permissionCacheKey(userID, repoID))
}

// InvalidateAllPermissions drops all cached grants. Membership and
// visibility changes affect an unbounded set of (user, repository) pairs, so
// those write paths flush the whole namespace.
func InvalidateAllPermissions(ctx context.Context, c *cache.Cache) {
	c.DeleteNamespace(ctx, cache.NamespacePermissions)
}

// Allows evaluates the authorization decision for one action, given the
// caller's grants. This is a pure function; all I/O happens in
// GetPermissionBundle. Public-repository pulls are decided in CanAccess
// before the bundle is even loaded.
func (b PermissionBundle) Allows(action Action) bool {
	needed, ok := requiredPermission[action]
	if !ok {
		return false
	}

	// explicit grants, directly or through an organization
	if b.DirectPermission != nil && b.DirectPermission.Includes(needed) {
		return true
	}
	if b.OrgGrant != nil && b.OrgGrant.Includes(needed) {
		return true
	}

	// membership in the owning organization
	if b.OrgRole != nil {
		switch action {
		case ActionPull:
			return true
		case ActionPush:
			if b.OrgRole.CanPush() {
				return true
			}
		case ActionDelete:
			if b.OrgRole.CanDelete() {
				return true
			}
		}
	}

	// the creator retains full access even without a membership or grant
	return b.IsCreator
}

// CanAccess is the one-stop authorization check used by all API handlers.
// Anonymous callers can only pull from public repositories; everything else
// requires an authenticated user with sufficient grants.
func CanAccess(ctx context.Context, db *wharf.DB, c *cache.Cache, authz Authorization, repo models.Repository, action Action) (bool, error) {
	if action == ActionPull && repo.Visibility == models.VisibilityPublic {
		return true, nil
	}
	if authz.IsAnonymous() {
		return false, nil
	}
	bundle, err := GetPermissionBundle(ctx, db, c, authz.User.ID, repo)
	if err != nil {
		return false, err
	}
	return bundle.Allows(action), nil
}
