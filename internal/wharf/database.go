// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package wharf

import (
	"database/sql"
	"errors"
	"net/url"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/logg"

	"github.com/wharfhub/wharf/internal/models"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE users (
			id            BIGSERIAL   NOT NULL PRIMARY KEY,
			username      TEXT        NOT NULL UNIQUE,
			email         TEXT        NOT NULL UNIQUE,
			password_hash TEXT        NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE organizations (
			id           BIGSERIAL   NOT NULL PRIMARY KEY,
			name         TEXT        NOT NULL UNIQUE,
			display_name TEXT        NOT NULL DEFAULT '',
			description  TEXT        NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE organization_members (
			org_id     BIGINT      NOT NULL REFERENCES organizations ON DELETE CASCADE,
			user_id    BIGINT      NOT NULL REFERENCES users ON DELETE CASCADE,
			role       TEXT        NOT NULL,
			joined_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			invited_by BIGINT      DEFAULT NULL REFERENCES users ON DELETE SET NULL,
			PRIMARY KEY (org_id, user_id)
		);

		CREATE TABLE repositories (
			id         BIGSERIAL   NOT NULL PRIMARY KEY,
			org_id     BIGINT      NOT NULL REFERENCES organizations ON DELETE CASCADE,
			name       TEXT        NOT NULL,
			visibility TEXT        NOT NULL DEFAULT 'private',
			created_by BIGINT      DEFAULT NULL REFERENCES users ON DELETE SET NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (org_id, name)
		);

		CREATE TABLE repository_permissions (
			id         BIGSERIAL NOT NULL PRIMARY KEY,
			repo_id    BIGINT    NOT NULL REFERENCES repositories ON DELETE CASCADE,
			user_id    BIGINT    DEFAULT NULL REFERENCES users ON DELETE CASCADE,
			org_id     BIGINT    DEFAULT NULL REFERENCES organizations ON DELETE CASCADE,
			permission TEXT      NOT NULL,
			CHECK ((user_id IS NULL) != (org_id IS NULL)),
			UNIQUE (repo_id, user_id),
			UNIQUE (repo_id, org_id)
		);

		CREATE TABLE api_keys (
			id           BIGSERIAL   NOT NULL PRIMARY KEY,
			user_id      BIGINT      NOT NULL REFERENCES users ON DELETE CASCADE,
			name         TEXT        NOT NULL DEFAULT '',
			key_hash     TEXT        NOT NULL UNIQUE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ DEFAULT NULL,
			last_used_at TIMESTAMPTZ DEFAULT NULL,
			is_active    BOOLEAN     NOT NULL DEFAULT TRUE
		);

		CREATE TABLE blobs (
			id         BIGSERIAL   NOT NULL PRIMARY KEY,
			digest     TEXT        NOT NULL UNIQUE,
			size_bytes BIGINT      NOT NULL,
			media_type TEXT        NOT NULL DEFAULT '',
			pushed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE blob_links (
			blob_id   BIGINT      NOT NULL REFERENCES blobs ON DELETE CASCADE,
			repo_id   BIGINT      NOT NULL REFERENCES repositories ON DELETE CASCADE,
			linked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (blob_id, repo_id)
		);

		CREATE TABLE manifests (
			repo_id    BIGINT      NOT NULL REFERENCES repositories ON DELETE CASCADE,
			digest     TEXT        NOT NULL,
			media_type TEXT        NOT NULL,
			size_bytes BIGINT      NOT NULL,
			pushed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (repo_id, digest)
		);

		CREATE TABLE tags (
			repo_id    BIGINT      NOT NULL,
			name       TEXT        NOT NULL,
			digest     TEXT        NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (repo_id, name),
			FOREIGN KEY (repo_id, digest) REFERENCES manifests ON DELETE CASCADE
		);

		CREATE TABLE uploads (
			uuid          TEXT        NOT NULL PRIMARY KEY,
			repo_id       BIGINT      NOT NULL REFERENCES repositories ON DELETE CASCADE,
			user_id       BIGINT      DEFAULT NULL REFERENCES users ON DELETE SET NULL,
			storage_id    TEXT        NOT NULL,
			size_bytes    BIGINT      NOT NULL DEFAULT 0,
			digest        TEXT        NOT NULL DEFAULT '',
			hash_state    TEXT        NOT NULL DEFAULT '',
			num_chunks    INT         NOT NULL DEFAULT 0,
			in_flight     BOOLEAN     NOT NULL DEFAULT FALSE,
			started_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`,
	"001_initial.down.sql": `
		DROP TABLE uploads;
		DROP TABLE tags;
		DROP TABLE manifests;
		DROP TABLE blob_links;
		DROP TABLE blobs;
		DROP TABLE api_keys;
		DROP TABLE repository_permissions;
		DROP TABLE repositories;
		DROP TABLE organization_members;
		DROP TABLE organizations;
		DROP TABLE users;
	`,
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
}

// InitDB connects to the Postgres database and applies all pending schema
// migrations.
func InitDB(dbURL url.URL, minConns, maxConns int) (*DB, error) {
	db, err := easypg.Connect(dbURL, easypg.Configuration{
		Migrations: sqlMigrations,
	})
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if minConns > 0 {
		db.SetMaxIdleConns(minConns)
	}

	result := &DB{DbMap: gorp.DbMap{Db: db, Dialect: gorp.PostgresDialect{}}}
	initModels(&result.DbMap)
	return result, nil
}

func initModels(db *gorp.DbMap) {
	db.AddTableWithName(models.User{}, "users").SetKeys(true, "id")
	db.AddTableWithName(models.Organization{}, "organizations").SetKeys(true, "id")
	db.AddTableWithName(models.OrganizationMember{}, "organization_members").SetKeys(false, "org_id", "user_id")
	db.AddTableWithName(models.Repository{}, "repositories").SetKeys(true, "id")
	db.AddTableWithName(models.RepositoryPermission{}, "repository_permissions").SetKeys(true, "id")
	db.AddTableWithName(models.APIKey{}, "api_keys").SetKeys(true, "id")
	db.AddTableWithName(models.Blob{}, "blobs").SetKeys(true, "id")
	db.AddTableWithName(models.BlobLink{}, "blob_links").SetKeys(false, "blob_id", "repo_id")
	db.AddTableWithName(models.Manifest{}, "manifests").SetKeys(false, "repo_id", "digest")
	db.AddTableWithName(models.Tag{}, "tags").SetKeys(false, "repo_id", "name")
	db.AddTableWithName(models.Upload{}, "uploads").SetKeys(false, "uuid")
}

// RollbackUnlessCommitted calls Rollback() on a transaction if it hasn't been
// committed or rolled back yet. Use this with the defer keyword to make sure
// that a transaction is automatically rolled back when a function fails.
func RollbackUnlessCommitted(tx *gorp.Transaction) {
	err := tx.Rollback()
	switch {
	case err == nil:
		// rolled back successfully
		logg.Info("implicit rollback done")
	case errors.Is(err, sql.ErrTxDone):
		// already committed or rolled back - nothing to do
	default:
		logg.Error("implicit rollback failed: %s", err.Error())
	}
}
