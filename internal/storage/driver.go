// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage contains the object store abstraction for blob and
// manifest contents, plus the drivers implementing it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/wharfhub/wharf/internal/wharf"
)

// ErrBlobNotFound is returned by ReadBlob and DeleteBlob when the blob does
// not exist in the object store. Absence is a normal condition on the read
// path (the metadata DB is the source of truth), so callers must distinguish
// it from actual backend errors.
var ErrBlobNotFound = errors.New("blob not found in object store")

// ErrManifestNotFound is the manifest-side equivalent of ErrBlobNotFound.
var ErrManifestNotFound = errors.New("manifest not found in object store")

// Driver is the abstract interface for the object store where blob and
// manifest contents live. Blobs are content-addressed: their object key is
// derived from the digest only, so identical blobs are stored exactly once
// regardless of how many repositories link them.
//
// Upload sessions write into a staging area keyed by a storage ID (an opaque
// random string allocated by the caller). Staged data only becomes a blob
// when FinalizeUpload promotes it under its digest.
type Driver interface {
	// PluginTypeID must return a unique identifier for this driver type.
	PluginTypeID() string
	// Init is called before any other interface methods.
	Init(cfg wharf.StorageConfiguration) error

	// AppendToUpload stages one chunk of an upload session. Chunk numbers
	// start at 1 and must be contiguous. A nil chunkLength means the length
	// is not known in advance.
	AppendToUpload(ctx context.Context, storageID string, chunkNumber uint32, chunkLength *uint64, chunk io.Reader) error
	// FinalizeUpload assembles the staged chunks, stores the result under the
	// given digest, and removes the staging data. It is the caller's job to
	// have verified that the digest matches the staged contents.
	FinalizeUpload(ctx context.Context, storageID string, chunkCount uint32, blobDigest digest.Digest) error
	// AbortUpload removes the staging data of an upload session.
	AbortUpload(ctx context.Context, storageID string, chunkCount uint32) error
	// DiscardChunk removes a chunk that a failed AppendToUpload may have
	// staged partially or fully, leaving all chunks before it intact.
	// priorSizeBytes is the total staged size before the failed append.
	DiscardChunk(ctx context.Context, storageID string, chunkNumber uint32, priorSizeBytes uint64) error

	ReadBlob(ctx context.Context, blobDigest digest.Digest) (io.ReadCloser, uint64, error)
	BlobExists(ctx context.Context, blobDigest digest.Digest) (bool, error)
	DeleteBlob(ctx context.Context, blobDigest digest.Digest) error

	ReadManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest) ([]byte, error)
	WriteManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest, contents []byte) error
	DeleteManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest) error

	// HealthCheck probes the backend with a cheap operation.
	HealthCheck(ctx context.Context) error
}

var driverFactories = make(map[string]func() Driver)

// RegisterDriver registers a Driver type. Call this from func init() of the
// package defining the Driver.
func RegisterDriver(pluginTypeID string, factory func() Driver) {
	if _, exists := driverFactories[pluginTypeID]; exists {
		panic("attempted to register multiple storage drivers with type ID = " + pluginTypeID)
	}
	driverFactories[pluginTypeID] = factory
}

// NewDriver instantiates and initializes the Driver with the given type ID.
func NewDriver(pluginTypeID string, cfg wharf.StorageConfiguration) (Driver, error) {
	factory := driverFactories[pluginTypeID]
	if factory == nil {
		return nil, fmt.Errorf("no such storage driver: %q", pluginTypeID)
	}
	d := factory()
	err := d.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize storage driver %q: %w", pluginTypeID, err)
	}
	return d, nil
}
