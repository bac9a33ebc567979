// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/wharfhub/wharf/internal/wharf"
)

func init() {
	RegisterDriver("filesystem", func() Driver { return &FilesystemDriver{} })
}

// FilesystemDriver (driver ID "filesystem") stores contents in the local
// filesystem. It exists for development setups and tests; production
// deployments use the "s3" driver.
type FilesystemDriver struct {
	rootPath string
}

// Init implements the Driver interface. The root path is taken from
// WHARF_FILESYSTEM_PATH instead of the S3 options in `cfg`.
func (d *FilesystemDriver) Init(cfg wharf.StorageConfiguration) (err error) {
	rootPath := os.Getenv("WHARF_FILESYSTEM_PATH")
	if rootPath == "" {
		rootPath = "./wharf-storage"
	}
	d.rootPath, err = filepath.Abs(rootPath)
	return err
}

// PluginTypeID implements the Driver interface.
func (d *FilesystemDriver) PluginTypeID() string { return "filesystem" }

// Blobs are sharded by the first four hex digits of their digest to keep
// directory sizes bounded.
func (d *FilesystemDriver) blobPath(blobDigest digest.Digest) string {
	hex := blobDigest.Encoded()
	return filepath.Join(d.rootPath, "blobs", hex[0:2], hex[2:4], blobDigest.String())
}

func (d *FilesystemDriver) uploadPath(storageID string) string {
	return filepath.Join(d.rootPath, "uploads", storageID)
}

func (d *FilesystemDriver) manifestPath(repoPath string, manifestDigest digest.Digest) string {
	return filepath.Join(d.rootPath, "manifests", repoPath, manifestDigest.String())
}

// AppendToUpload implements the Driver interface.
func (d *FilesystemDriver) AppendToUpload(ctx context.Context, storageID string, chunkNumber uint32, chunkLength *uint64, chunk io.Reader) error {
	path := d.uploadPath(storageID)
	flags := os.O_APPEND | os.O_WRONLY
	if chunkNumber == 1 {
		err := os.MkdirAll(filepath.Dir(path), 0777) // subject to umask
		if err != nil {
			return err
		}
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0666) // subject to umask
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, chunk)
	return err
}

// FinalizeUpload implements the Driver interface. The staged file already
// contains the full blob contents, so promotion is a rename.
func (d *FilesystemDriver) FinalizeUpload(ctx context.Context, storageID string, chunkCount uint32, blobDigest digest.Digest) error {
	target := d.blobPath(blobDigest)
	err := os.MkdirAll(filepath.Dir(target), 0777) // subject to umask
	if err != nil {
		return err
	}
	return os.Rename(d.uploadPath(storageID), target)
}

// AbortUpload implements the Driver interface.
func (d *FilesystemDriver) AbortUpload(ctx context.Context, storageID string, chunkCount uint32) error {
	err := os.Remove(d.uploadPath(storageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// DiscardChunk implements the Driver interface. All chunks of a session share
// one file, so discarding the newest chunk is a truncation back to the size
// before it.
func (d *FilesystemDriver) DiscardChunk(ctx context.Context, storageID string, chunkNumber uint32, priorSizeBytes uint64) error {
	if chunkNumber == 1 {
		return d.AbortUpload(ctx, storageID, 0)
	}
	err := os.Truncate(d.uploadPath(storageID), int64(priorSizeBytes))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadBlob implements the Driver interface.
func (d *FilesystemDriver) ReadBlob(ctx context.Context, blobDigest digest.Digest) (io.ReadCloser, uint64, error) {
	f, err := os.Open(d.blobPath(blobDigest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrBlobNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, wharf.AtLeastZero(stat.Size()), nil
}

// BlobExists implements the Driver interface.
func (d *FilesystemDriver) BlobExists(ctx context.Context, blobDigest digest.Digest) (bool, error) {
	_, err := os.Stat(d.blobPath(blobDigest))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// DeleteBlob implements the Driver interface.
func (d *FilesystemDriver) DeleteBlob(ctx context.Context, blobDigest digest.Digest) error {
	err := os.Remove(d.blobPath(blobDigest))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

// ReadManifest implements the Driver interface.
func (d *FilesystemDriver) ReadManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest) ([]byte, error) {
	buf, err := os.ReadFile(d.manifestPath(repoPath, manifestDigest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrManifestNotFound
	}
	return buf, err
}

// WriteManifest implements the Driver interface.
func (d *FilesystemDriver) WriteManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest, contents []byte) error {
	path := d.manifestPath(repoPath, manifestDigest)
	err := os.MkdirAll(filepath.Dir(path), 0777) // subject to umask
	if err != nil {
		return err
	}
	// write via temp file to avoid torn manifests on crash
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	err = os.WriteFile(tmpPath, contents, 0666) // subject to umask
	if err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// DeleteManifest implements the Driver interface.
func (d *FilesystemDriver) DeleteManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest) error {
	err := os.Remove(d.manifestPath(repoPath, manifestDigest))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrManifestNotFound
	}
	return err
}

// HealthCheck implements the Driver interface.
func (d *FilesystemDriver) HealthCheck(ctx context.Context) error {
	return os.MkdirAll(d.rootPath, 0777) // subject to umask
}
