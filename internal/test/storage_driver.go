// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/wharfhub/wharf/internal/storage"
	"github.com/wharfhub/wharf/internal/wharf"
)

// StorageDriver is a storage.Driver for use in test suites, where all
// contents are stored in RAM only, without any persistence.
type StorageDriver struct {
	uploads   map[string][][]byte // staged chunks by storage ID
	blobs     map[digest.Digest][]byte
	manifests map[string][]byte
}

// NewStorageDriver creates a StorageDriver.
func NewStorageDriver() *StorageDriver {
	return &StorageDriver{
		uploads:   make(map[string][][]byte),
		blobs:     make(map[digest.Digest][]byte),
		manifests: make(map[string][]byte),
	}
}

var errNoSuchUpload = errors.New("no such upload")

func manifestKey(repoPath string, manifestDigest digest.Digest) string {
	return fmt.Sprintf("%s@%s", repoPath, manifestDigest)
}

// PluginTypeID implements the storage.Driver interface.
func (d *StorageDriver) PluginTypeID() string { return "in-memory-for-testing" }

// Init implements the storage.Driver interface.
func (d *StorageDriver) Init(cfg wharf.StorageConfiguration) error { return nil }

// AppendToUpload implements the storage.Driver interface.
func (d *StorageDriver) AppendToUpload(_ context.Context, storageID string, chunkNumber uint32, _ *uint64, chunk io.Reader) error {
	chunks, exists := d.uploads[storageID]
	if exists != (chunkNumber > 1) || uint32(len(chunks))+1 != chunkNumber {
		return errNoSuchUpload
	}
	chunkBytes, err := io.ReadAll(chunk)
	if err != nil {
		return err
	}
	d.uploads[storageID] = append(chunks, chunkBytes)
	return nil
}

// FinalizeUpload implements the storage.Driver interface.
func (d *StorageDriver) FinalizeUpload(_ context.Context, storageID string, chunkCount uint32, blobDigest digest.Digest) error {
	chunks, exists := d.uploads[storageID]
	if !exists || uint32(len(chunks)) != chunkCount {
		return errNoSuchUpload
	}
	d.blobs[blobDigest] = bytes.Join(chunks, nil)
	delete(d.uploads, storageID)
	return nil
}

// AbortUpload implements the storage.Driver interface.
func (d *StorageDriver) AbortUpload(_ context.Context, storageID string, _ uint32) error {
	if _, exists := d.uploads[storageID]; !exists {
		return errNoSuchUpload
	}
	delete(d.uploads, storageID)
	return nil
}

// DiscardChunk implements the storage.Driver interface.
func (d *StorageDriver) DiscardChunk(_ context.Context, storageID string, chunkNumber uint32, _ uint64) error {
	chunks, exists := d.uploads[storageID]
	if !exists || uint32(len(chunks)) != chunkNumber {
		// a failed append may not have staged anything
		return nil
	}
	if chunkNumber == 1 {
		delete(d.uploads, storageID)
	} else {
		d.uploads[storageID] = chunks[:chunkNumber-1]
	}
	return nil
}

// ReadBlob implements the storage.Driver interface.
func (d *StorageDriver) ReadBlob(_ context.Context, blobDigest digest.Digest) (io.ReadCloser, uint64, error) {
	contents, exists := d.blobs[blobDigest]
	if !exists {
		return nil, 0, storage.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(contents)), uint64(len(contents)), nil
}

// BlobExists implements the storage.Driver interface.
func (d *StorageDriver) BlobExists(_ context.Context, blobDigest digest.Digest) (bool, error) {
	_, exists := d.blobs[blobDigest]
	return exists, nil
}

// DeleteBlob implements the storage.Driver interface.
func (d *StorageDriver) DeleteBlob(_ context.Context, blobDigest digest.Digest) error {
	if _, exists := d.blobs[blobDigest]; !exists {
		return storage.ErrBlobNotFound
	}
	delete(d.blobs, blobDigest)
	return nil
}

// ReadManifest implements the storage.Driver interface.
func (d *StorageDriver) ReadManifest(_ context.Context, repoPath string, manifestDigest digest.Digest) ([]byte, error) {
	contents, exists := d.manifests[manifestKey(repoPath, manifestDigest)]
	if !exists {
		return nil, storage.ErrManifestNotFound
	}
	return contents, nil
}

// WriteManifest implements the storage.Driver interface.
func (d *StorageDriver) WriteManifest(_ context.Context, repoPath string, manifestDigest digest.Digest, contents []byte) error {
	d.manifests[manifestKey(repoPath, manifestDigest)] = contents
	return nil
}

// DeleteManifest implements the storage.Driver interface.
func (d *StorageDriver) DeleteManifest(_ context.Context, repoPath string, manifestDigest digest.Digest) error {
	k := manifestKey(repoPath, manifestDigest)
	if _, exists := d.manifests[k]; !exists {
		return storage.ErrManifestNotFound
	}
	delete(d.manifests, k)
	return nil
}

// HealthCheck implements the storage.Driver interface.
func (d *StorageDriver) HealthCheck(context.Context) error { return nil }

// BlobCount returns how many blobs are stored, for checks that failed
// requests do not leave data behind.
func (d *StorageDriver) BlobCount() int { return len(d.blobs) }

// UploadCount returns how many upload staging areas exist.
func (d *StorageDriver) UploadCount() int { return len(d.uploads) }

// GetBlobContents returns the stored contents of a blob.
func (d *StorageDriver) GetBlobContents(blobDigest digest.Digest) ([]byte, bool) {
	contents, exists := d.blobs[blobDigest]
	return contents, exists
}
