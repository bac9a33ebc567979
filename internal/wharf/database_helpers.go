// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package wharf

import (
	"database/sql"
	"errors"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/wharfhub/wharf/internal/models"
)

// FindUserByName works similar to db.SelectOne(), but returns nil instead of
// sql.ErrNoRows if no user exists with this username.
func FindUserByName(db gorp.SqlExecutor, username string) (*models.User, error) {
	var user models.User
	err := db.SelectOne(&user, "SELECT * FROM users WHERE username = $1", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &user, err
}

// FindUserByID works similar to db.SelectOne(), but returns nil instead of
// sql.ErrNoRows if no user exists with this ID.
func FindUserByID(db gorp.SqlExecutor, id int64) (*models.User, error) {
	var user models.User
	err := db.SelectOne(&user, "SELECT * FROM users WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &user, err
}

// FindOrganization works similar to db.SelectOne(), but returns nil instead
// of sql.ErrNoRows if no organization exists with this name.
func FindOrganization(db gorp.SqlExecutor, name string) (*models.Organization, error) {
	var org models.Organization
	err := db.SelectOne(&org, "SELECT * FROM organizations WHERE name = $1", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &org, err
}

var repoGetByPathQuery = sqlext.SimplifyWhitespace(`
	SELECT r.*
	  FROM repositories r
	  JOIN organizations o ON r.org_id = o.id
	 WHERE o.name = $1 AND r.name = $2
`)

// FindRepository looks up a repository by its full path, e.g.
// "library/alpine". Returns nil instead of sql.ErrNoRows if the repository
// (or its organization) does not exist.
func FindRepository(db gorp.SqlExecutor, repoPath string) (*models.Repository, error) {
	orgName, repoName, ok := models.SplitRepoPath(repoPath)
	if !ok {
		return nil, nil
	}
	var repo models.Repository
	err := db.SelectOne(&repo, repoGetByPathQuery, orgName, repoName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &repo, err
}

// FindOrganizationMember works similar to db.SelectOne(), but returns nil
// instead of sql.ErrNoRows if the user is not a member of the organization.
func FindOrganizationMember(db gorp.SqlExecutor, orgID, userID int64) (*models.OrganizationMember, error) {
	var member models.OrganizationMember
	err := db.SelectOne(&member,
		"SELECT * FROM organization_members WHERE org_id = $1 AND user_id = $2",
		orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &member, err
}

var directPermissionQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM repository_permissions WHERE repo_id = $1 AND user_id = $2
`)

// FindDirectPermission returns the per-user grant on a repository, or nil if
// there is none.
func FindDirectPermission(db gorp.SqlExecutor, repoID, userID int64) (*models.RepositoryPermission, error) {
	var perm models.RepositoryPermission
	err := db.SelectOne(&perm, directPermissionQuery, repoID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &perm, err
}

var blobGetQueryByRepoID = sqlext.SimplifyWhitespace(`
	SELECT b.*
	  FROM blobs b
	  JOIN blob_links bl ON b.id = bl.blob_id
	 WHERE b.digest = $1 AND bl.repo_id = $2
`)

// FindBlobByRepository is a convenience wrapper around db.SelectOne(). If the
// blob is not linked into the repository, sql.ErrNoRows is returned.
func FindBlobByRepository(db gorp.SqlExecutor, blobDigest digest.Digest, repo models.Repository) (*models.Blob, error) {
	var blob models.Blob
	err := db.SelectOne(&blob, blobGetQueryByRepoID, blobDigest.String(), repo.ID)
	return &blob, err
}

// FindBlobByDigest works similar to db.SelectOne(), but returns nil instead
// of sql.ErrNoRows if no blob exists with this digest. The blob may or may
// not be linked into any repository.
func FindBlobByDigest(db gorp.SqlExecutor, blobDigest digest.Digest) (*models.Blob, error) {
	var blob models.Blob
	err := db.SelectOne(&blob, "SELECT * FROM blobs WHERE digest = $1", blobDigest.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &blob, err
}

// LinkBlobIntoRepo creates an entry in the blob_links database table.
func LinkBlobIntoRepo(db gorp.SqlExecutor, blob models.Blob, repo models.Repository) error {
	_, err := db.Exec(
		`INSERT INTO blob_links (blob_id, repo_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		blob.ID, repo.ID,
	)
	return err
}

// FindUploadByRepository is a convenience wrapper around db.SelectOne(). If
// the upload in question does not exist, sql.ErrNoRows is returned.
func FindUploadByRepository(db gorp.SqlExecutor, uuid string, repo models.Repository) (*models.Upload, error) {
	var upload models.Upload
	err := db.SelectOne(&upload,
		"SELECT * FROM uploads WHERE uuid = $1 AND repo_id = $2", uuid, repo.ID)
	return &upload, err
}

// FindManifest is a convenience wrapper around db.SelectOne(). If the
// manifest in question does not exist, sql.ErrNoRows is returned.
func FindManifest(db gorp.SqlExecutor, repo models.Repository, manifestDigest digest.Digest) (*models.Manifest, error) {
	var manifest models.Manifest
	err := db.SelectOne(&manifest,
		"SELECT * FROM manifests WHERE repo_id = $1 AND digest = $2",
		repo.ID, manifestDigest.String())
	return &manifest, err
}

// FindTag is a convenience wrapper around db.SelectOne(). If the tag in
// question does not exist, sql.ErrNoRows is returned.
func FindTag(db gorp.SqlExecutor, repo models.Repository, tagName string) (*models.Tag, error) {
	var tag models.Tag
	err := db.SelectOne(&tag,
		"SELECT * FROM tags WHERE repo_id = $1 AND name = $2", repo.ID, tagName)
	return &tag, err
}

var tagUpsertQuery = sqlext.SimplifyWhitespace(`
	INSERT INTO tags (repo_id, name, digest, updated_at) VALUES ($1, $2, $3, $4)
	    ON CONFLICT (repo_id, name) DO UPDATE SET digest = EXCLUDED.digest, updated_at = EXCLUDED.updated_at
`)

// UpsertTag points a tag at a manifest, creating or moving it as necessary.
func UpsertTag(db gorp.SqlExecutor, repo models.Repository, tagName string, manifestDigest digest.Digest, now time.Time) error {
	_, err := db.Exec(tagUpsertQuery, repo.ID, tagName, manifestDigest.String(), now)
	return err
}

var apiKeyGetByHashQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM api_keys WHERE key_hash = $1 AND is_active
`)

// FindAPIKeyByHash works similar to db.SelectOne(), but returns nil instead
// of sql.ErrNoRows if no active key exists with this hash. Expiry is NOT
// checked here; callers use APIKey.IsUsable for that.
func FindAPIKeyByHash(db gorp.SqlExecutor, keyHash string) (*models.APIKey, error) {
	var key models.APIKey
	err := db.SelectOne(&key, apiKeyGetByHashQuery, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &key, err
}

// TouchAPIKey updates the key's last_used_at timestamp. This runs outside the
// request's transaction since a failure here must not fail the request.
func TouchAPIKey(db gorp.SqlExecutor, keyID int64, now time.Time) error {
	_, err := db.Exec(`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, now, keyID)
	return err
}

// CreateOrganization inserts an organization and makes the founding user its
// owner, in a single transaction.
func CreateOrganization(db *DB, org *models.Organization, founderUserID int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer RollbackUnlessCommitted(tx)

	err = tx.Insert(org)
	if err != nil {
		return err
	}
	err = tx.Insert(&models.OrganizationMember{
		OrganizationID: org.ID,
		UserID:         founderUserID,
		Role:           models.RoleOwner,
		JoinedAt:       org.CreatedAt,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CreateRepository inserts a repository and gives its creator an "admin"
// grant, in a single transaction.
func CreateRepository(db *DB, repo *models.Repository, creatorUserID int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer RollbackUnlessCommitted(tx)

	repo.CreatedBy = &creatorUserID
	err = tx.Insert(repo)
	if err != nil {
		return err
	}
	err = tx.Insert(&models.RepositoryPermission{
		RepositoryID: repo.ID,
		UserID:       &creatorUserID,
		Permission:   models.PermissionAdmin,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AtLeastZero safely converts int or int64 values (which might come from
// DB.SelectInt() or from IO reads/writes) to uint64 by clamping negative
// values to 0.
func AtLeastZero[I interface{ int | int64 }](x I) uint64 {
	if x < 0 {
		return 0
	}
	return uint64(x)
}
