// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// Blob contains a record from the `blobs` table. Blob contents are stored
// exactly once per digest; repositories reference them through `blob_links`.
type Blob struct {
	ID        int64     `db:"id"`
	Digest    string    `db:"digest"`
	SizeBytes uint64    `db:"size_bytes"`
	MediaType string    `db:"media_type"`
	PushedAt  time.Time `db:"pushed_at"`
}

// BlobLink contains a record from the `blob_links` table. A blob is visible
// in a repository only while such a link exists.
type BlobLink struct {
	BlobID       int64     `db:"blob_id"`
	RepositoryID int64     `db:"repo_id"`
	LinkedAt     time.Time `db:"linked_at"`
}

// Upload contains a record from the `uploads` table. Each record tracks one
// resumable blob upload session.
//
// HashState is the base64-encoded binary marshaling of the rolling SHA-256
// hash over all bytes received so far. It lets any API instance resume the
// digest computation without re-reading uploaded data.
type Upload struct {
	UUID         string    `db:"uuid"`
	RepositoryID int64     `db:"repo_id"`
	UserID       *int64    `db:"user_id"`
	StorageID    string    `db:"storage_id"`
	SizeBytes    uint64    `db:"size_bytes"`
	Digest       string    `db:"digest"`
	HashState    string    `db:"hash_state"`
	NumChunks    uint32    `db:"num_chunks"`
	InFlight     bool      `db:"in_flight"`
	StartedAt    time.Time `db:"started_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
