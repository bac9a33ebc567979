// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// Manifest contains a record from the `manifests` table. The raw manifest
// bytes live in the object store under the manifest's digest; this record
// carries the metadata needed to serve HEAD requests and listings without
// touching the object store.
type Manifest struct {
	RepositoryID int64     `db:"repo_id"`
	Digest       string    `db:"digest"`
	MediaType    string    `db:"media_type"`
	SizeBytes    uint64    `db:"size_bytes"`
	PushedAt     time.Time `db:"pushed_at"`
}

// Tag contains a record from the `tags` table. Tags are mutable pointers into
// the `manifests` table; a manifest deletion cascades into its tags.
type Tag struct {
	RepositoryID int64     `db:"repo_id"`
	Name         string    `db:"name"`
	Digest       string    `db:"digest"`
	UpdatedAt    time.Time `db:"updated_at"`
}
