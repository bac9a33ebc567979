// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/logg"

	"github.com/wharfhub/wharf/internal/wharf"
)

func init() {
	RegisterDriver("s3", func() Driver { return &S3Driver{} })
}

// S3Driver (driver ID "s3") stores contents in an S3-compatible object
// store.
//
// Upload chunks are staged as individual objects below uploads/<storageID>/.
// FinalizeUpload assembles them into the blob object; chunks cannot be
// mapped 1:1 onto S3 multipart parts because clients may send chunks smaller
// than the 5 MiB part size minimum.
type S3Driver struct {
	client *s3.Client
	cfg    wharf.StorageConfiguration
}

// Init implements the Driver interface.
func (d *S3Driver) Init(cfg wharf.StorageConfiguration) error {
	d.cfg = cfg

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.S3Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		),
		config.WithRetryMaxAttempts(cfg.RetryAttempts),
	)
	if err != nil {
		return fmt.Errorf("cannot load S3 config: %w", err)
	}

	d.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return nil
}

// PluginTypeID implements the Driver interface.
func (d *S3Driver) PluginTypeID() string { return "s3" }

// Blobs are sharded by the first two hex digits of their digest, following
// the layout that docker/distribution uses for its S3 backend.
func blobKey(blobDigest digest.Digest) string {
	hex := blobDigest.Encoded()
	return fmt.Sprintf("blobs/%s/%s/%s", blobDigest.Algorithm(), hex[0:2], hex)
}

func chunkKey(storageID string, chunkNumber uint32) string {
	return fmt.Sprintf("uploads/%s/chunk-%06d", storageID, chunkNumber)
}

func manifestKey(repoPath string, manifestDigest digest.Digest) string {
	return fmt.Sprintf("manifests/%s/%s", repoPath, manifestDigest)
}

// AppendToUpload implements the Driver interface.
func (d *S3Driver) AppendToUpload(ctx context.Context, storageID string, chunkNumber uint32, chunkLength *uint64, chunk io.Reader) error {
	key := chunkKey(storageID, chunkNumber)

	// PutObject needs to know the payload length upfront; spool through a
	// temporary file when the caller does not
	if chunkLength == nil {
		tmpFile, err := os.CreateTemp("", "wharf-upload-chunk-")
		if err != nil {
			return err
		}
		defer func() {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
		}()
		length, err := io.Copy(tmpFile, chunk)
		if err != nil {
			return err
		}
		_, err = tmpFile.Seek(0, io.SeekStart)
		if err != nil {
			return err
		}
		chunk = tmpFile
		chunkLength = aws.Uint64(wharf.AtLeastZero(length))
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.S3Bucket),
		Key:           aws.String(key),
		Body:          chunk,
		ContentLength: aws.Int64(int64(*chunkLength)), //nolint:gosec // chunk sizes are bounded far below 2^63
	})
	return err
}

// FinalizeUpload implements the Driver interface.
func (d *S3Driver) FinalizeUpload(ctx context.Context, storageID string, chunkCount uint32, blobDigest digest.Digest) error {
	totalSize, err := d.stagedUploadSize(ctx, storageID, chunkCount)
	if err != nil {
		return err
	}

	if chunkCount == 1 && totalSize < 5<<30 {
		// common case: the whole blob arrived in one chunk, so a server-side
		// copy avoids moving the data through this process again
		_, err = d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(d.cfg.S3Bucket),
			Key:        aws.String(blobKey(blobDigest)),
			CopySource: aws.String(fmt.Sprintf("%s/%s", d.cfg.S3Bucket, chunkKey(storageID, 1))),
		})
	} else {
		err = d.assembleChunks(ctx, storageID, chunkCount, totalSize, blobDigest)
	}
	if err != nil {
		return err
	}

	return d.AbortUpload(ctx, storageID, chunkCount)
}

func (d *S3Driver) stagedUploadSize(ctx context.Context, storageID string, chunkCount uint32) (uint64, error) {
	var totalSize uint64
	for chunkNumber := uint32(1); chunkNumber <= chunkCount; chunkNumber++ {
		head, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(d.cfg.S3Bucket),
			Key:    aws.String(chunkKey(storageID, chunkNumber)),
		})
		if err != nil {
			return 0, fmt.Errorf("cannot inspect chunk %d of upload %s: %w", chunkNumber, storageID, err)
		}
		totalSize += wharf.AtLeastZero(aws.ToInt64(head.ContentLength))
	}
	return totalSize, nil
}

// chunkConcatReader yields the concatenation of all staged chunks of an
// upload session, in order.
func (d *S3Driver) chunkConcatReader(ctx context.Context, storageID string, chunkCount uint32) io.Reader {
	readers := make([]io.Reader, 0, chunkCount)
	for chunkNumber := uint32(1); chunkNumber <= chunkCount; chunkNumber++ {
		key := chunkKey(storageID, chunkNumber)
		readers = append(readers, &lazyObjectReader{driver: d, ctx: ctx, key: key})
	}
	return io.MultiReader(readers...)
}

// assembleChunks rebuilds the blob contents from the staged chunks. Below the
// multipart threshold the contents go up as a single put; above it they are
// re-partitioned into parts of the configured size, which keeps every part
// except the last one above the S3 minimum.
func (d *S3Driver) assembleChunks(ctx context.Context, storageID string, chunkCount uint32, totalSize uint64, blobDigest digest.Digest) error {
	contents := d.chunkConcatReader(ctx, storageID, chunkCount)
	key := blobKey(blobDigest)

	if totalSize < d.cfg.MultipartThreshold {
		tmpFile, err := os.CreateTemp("", "wharf-upload-assemble-")
		if err != nil {
			return err
		}
		defer func() {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
		}()
		_, err = io.Copy(tmpFile, contents)
		if err != nil {
			return err
		}
		_, err = tmpFile.Seek(0, io.SeekStart)
		if err != nil {
			return err
		}
		_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(d.cfg.S3Bucket),
			Key:           aws.String(key),
			Body:          tmpFile,
			ContentLength: aws.Int64(int64(totalSize)), //nolint:gosec // bounded by MultipartThreshold
		})
		return err
	}

	createOut, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("cannot create multipart upload: %w", err)
	}
	uploadID := aws.ToString(createOut.UploadId)

	abortUpload := func() {
		_, abortErr := d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(d.cfg.S3Bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if abortErr != nil {
			logg.Error("cannot abort multipart upload %s for %s: %s", uploadID, key, abortErr.Error())
		}
	}

	var completedParts []types.CompletedPart
	buf := make([]byte, d.cfg.PartSize)
	for partNumber := int32(1); ; partNumber++ {
		n, err := io.ReadFull(contents, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			abortUpload()
			return err
		}
		if n == 0 {
			break
		}

		partOut, err := d.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(d.cfg.S3Bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			abortUpload()
			return fmt.Errorf("cannot upload part %d: %w", partNumber, err)
		}
		completedParts = append(completedParts, types.CompletedPart{
			ETag:       partOut.ETag,
			PartNumber: aws.Int32(partNumber),
		})

		if n < len(buf) {
			break
		}
	}

	_, err = d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(d.cfg.S3Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		abortUpload()
		return fmt.Errorf("cannot complete multipart upload: %w", err)
	}
	return nil
}

// AbortUpload implements the Driver interface.
func (d *S3Driver) AbortUpload(ctx context.Context, storageID string, chunkCount uint32) error {
	for chunkNumber := uint32(1); chunkNumber <= chunkCount; chunkNumber++ {
		_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.cfg.S3Bucket),
			Key:    aws.String(chunkKey(storageID, chunkNumber)),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DiscardChunk implements the Driver interface. Chunks are individual
// objects, so only the stray chunk's object is deleted. DeleteObject is a
// no-op for objects that a failed PutObject never created.
func (d *S3Driver) DiscardChunk(ctx context.Context, storageID string, chunkNumber uint32, priorSizeBytes uint64) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(chunkKey(storageID, chunkNumber)),
	})
	return err
}

// ReadBlob implements the Driver interface.
func (d *S3Driver) ReadBlob(ctx context.Context, blobDigest digest.Digest) (io.ReadCloser, uint64, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(blobKey(blobDigest)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, err
	}
	return out.Body, wharf.AtLeastZero(aws.ToInt64(out.ContentLength)), nil
}

// BlobExists implements the Driver interface.
func (d *S3Driver) BlobExists(ctx context.Context, blobDigest digest.Digest) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(blobKey(blobDigest)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteBlob implements the Driver interface.
func (d *S3Driver) DeleteBlob(ctx context.Context, blobDigest digest.Digest) error {
	exists, err := d.BlobExists(ctx, blobDigest)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBlobNotFound
	}
	_, err = d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(blobKey(blobDigest)),
	})
	return err
}

// ReadManifest implements the Driver interface.
func (d *S3Driver) ReadManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(manifestKey(repoPath, manifestDigest)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrManifestNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// WriteManifest implements the Driver interface.
func (d *S3Driver) WriteManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest, contents []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.S3Bucket),
		Key:           aws.String(manifestKey(repoPath, manifestDigest)),
		Body:          bytes.NewReader(contents),
		ContentLength: aws.Int64(int64(len(contents))),
	})
	return err
}

// DeleteManifest implements the Driver interface.
func (d *S3Driver) DeleteManifest(ctx context.Context, repoPath string, manifestDigest digest.Digest) error {
	key := manifestKey(repoPath, manifestDigest)
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return ErrManifestNotFound
		}
		return err
	}
	_, err = d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(key),
	})
	return err
}

// HealthCheck implements the Driver interface.
func (d *S3Driver) HealthCheck(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.cfg.S3Bucket),
	})
	return err
}

// lazyObjectReader defers the GetObject call until the first Read, so that
// io.MultiReader over many chunks holds at most one connection open.
type lazyObjectReader struct {
	driver *S3Driver
	ctx    context.Context
	key    string
	body   io.ReadCloser
}

func (r *lazyObjectReader) Read(p []byte) (int, error) {
	if r.body == nil {
		out, err := r.driver.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.driver.cfg.S3Bucket),
			Key:    aws.String(r.key),
		})
		if err != nil {
			return 0, err
		}
		r.body = out.Body
	}
	n, err := r.body.Read(p)
	if errors.Is(err, io.EOF) {
		r.body.Close()
	}
	return n, err
}
