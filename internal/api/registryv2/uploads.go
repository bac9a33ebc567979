// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"

	"github.com/wharfhub/wharf/internal/api"
	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

// uploadRangeHeader renders the Range header for upload responses: "0-0"
// for an empty session, else "0-<lastByteReceived>".
func uploadRangeHeader(sizeBytes uint64) string {
	if sizeBytes == 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", sizeBytes-1)
}

// This implements the POST /v2/<org>/<repo>/blobs/uploads/ endpoint.
func (a *API) handleStartBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/blobs/uploads/")
	repo, repoPath, authz := a.checkRepoAccess(w, r, auth.ActionPush)
	if repo == nil {
		return
	}

	// special case: request for cross-repo blob mount
	query := r.URL.Query()
	if sourceRepoPath := query.Get("from"); sourceRepoPath != "" {
		a.performCrossRepositoryBlobMount(w, r, *repo, repoPath, *authz, sourceRepoPath, query.Get("mount"))
		return
	}

	// special case: monolithic upload
	if blobDigestStr := query.Get("digest"); blobDigestStr != "" {
		a.performMonolithicUpload(w, r, *repo, repoPath, blobDigestStr)
		return
	}

	// start a new upload session
	upload := models.Upload{
		UUID:         a.generateUUID(),
		RepositoryID: repo.ID,
		StorageID:    a.generateStorageID(),
		StartedAt:    a.timeNow(),
		UpdatedAt:    a.timeNow(),
	}
	if !authz.IsAnonymous() {
		upload.UserID = &authz.User.ID
	}
	err := a.db.Insert(&upload)
	if respondWithError(w, err) {
		return
	}

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Upload-UUID", upload.UUID)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoPath, upload.UUID))
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) performCrossRepositoryBlobMount(w http.ResponseWriter, r *http.Request, targetRepo models.Repository, targetRepoPath string, authz auth.Authorization, sourceRepoPath, blobDigestStr string) {
	sourceRepo, err := wharf.FindRepository(a.db, sourceRepoPath)
	if respondWithError(w, err) {
		return
	}
	if sourceRepo == nil {
		wharf.ErrNameUnknown.With("source repository does not exist").WriteAsRegistryV2ResponseTo(w)
		return
	}

	// mounting requires pull access on the source repository
	allowed, err := auth.CanAccess(r.Context(), a.db, a.cache, authz, *sourceRepo, auth.ActionPull)
	if respondWithError(w, err) {
		return
	}
	if !allowed {
		wharf.ErrDenied.With("no pull access on source repository").WriteAsRegistryV2ResponseTo(w)
		return
	}

	blobDigest, err := digest.Parse(blobDigestStr)
	if err != nil {
		wharf.ErrDigestInvalid.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
		return
	}
	blob, err := wharf.FindBlobByRepository(a.db, blobDigest, *sourceRepo)
	if errors.Is(err, sql.ErrNoRows) {
		wharf.ErrBlobUnknown.With("blob does not exist in source repository").WriteAsRegistryV2ResponseTo(w)
		return
	}
	if respondWithError(w, err) {
		return
	}

	err = wharf.LinkBlobIntoRepo(a.db, *blob, targetRepo)
	if respondWithError(w, err) {
		return
	}

	// the protocol wants an upload UUID even though the upload is already done
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Upload-UUID", a.generateUUID())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", targetRepoPath, blobDigest))
	w.WriteHeader(http.StatusCreated)
}

func (a *API) performMonolithicUpload(w http.ResponseWriter, r *http.Request, repo models.Repository, repoPath, blobDigestStr string) (ok bool) {
	ctx := r.Context()

	blobDigest, err := digest.Parse(blobDigestStr)
	if err != nil {
		wharf.ErrDigestInvalid.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
		return false
	}

	sizeBytesStr := r.Header.Get("Content-Length")
	if sizeBytesStr == "" {
		wharf.ErrSizeInvalid.With("missing Content-Length header").WriteAsRegistryV2ResponseTo(w)
		return false
	}
	sizeBytes, err := strconv.ParseUint(sizeBytesStr, 10, 64)
	if err != nil {
		wharf.ErrSizeInvalid.With("invalid Content-Length: " + err.Error()).WriteAsRegistryV2ResponseTo(w)
		return false
	}

	// stream the request body into the staging area while computing digest
	// and length on the way through
	storageID := a.generateStorageID()
	dw := digestWriter{Hash: sha256.New()}
	err = a.sd.AppendToUpload(ctx, storageID, 1, &sizeBytes, io.TeeReader(r.Body, &dw))
	if err != nil {
		a.countAbortedUpload(repoPath)
		abortErr := a.sd.AbortUpload(ctx, storageID, 1)
		if abortErr != nil {
			logg.Error("additional error while aborting blob upload %s into %s: %s", storageID, repoPath, abortErr.Error())
		}
		respondWithError(w, err)
		return false
	}

	// validate digest and length before promoting the staged data
	if dw.bytesWritten != sizeBytes {
		a.countAbortedUpload(repoPath)
		abortErr := a.sd.AbortUpload(ctx, storageID, 1)
		if abortErr != nil {
			logg.Error("additional error while aborting blob upload %s into %s: %s", storageID, repoPath, abortErr.Error())
		}
		wharf.ErrSizeInvalid.With("Content-Length was %d, but %d bytes were sent", sizeBytes, dw.bytesWritten).WriteAsRegistryV2ResponseTo(w)
		return false
	}
	actualDigest := digest.NewDigest(digest.SHA256, dw.Hash)
	if actualDigest != blobDigest {
		a.countAbortedUpload(repoPath)
		abortErr := a.sd.AbortUpload(ctx, storageID, 1)
		if abortErr != nil {
			logg.Error("additional error while aborting blob upload %s into %s: %s", storageID, repoPath, abortErr.Error())
		}
		wharf.ErrDigestInvalid.With("expected %s, but actual digest was %s", blobDigestStr, actualDigest).WriteAsRegistryV2ResponseTo(w)
		return false
	}

	err = a.sd.FinalizeUpload(ctx, storageID, 1, blobDigest)
	if respondWithError(w, err) {
		a.countAbortedUpload(repoPath)
		return false
	}

	err = a.recordFinishedBlob(r, repo, blobDigest, sizeBytes)
	if respondWithError(w, err) {
		return false
	}

	api.BlobsPushedCounter.WithLabelValues(orgNameOf(repoPath)).Inc()
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Upload-UUID", a.generateUUID())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoPath, blobDigest))
	w.WriteHeader(http.StatusCreated)
	return true
}

// recordFinishedBlob inserts the blob row (or reuses an existing one for the
// same digest, making finalization idempotent across sessions), links it
// into the repository, and invalidates the blob metadata cache.
func (a *API) recordFinishedBlob(r *http.Request, repo models.Repository, blobDigest digest.Digest, sizeBytes uint64) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer wharf.RollbackUnlessCommitted(tx)

	blob, err := wharf.FindBlobByDigest(tx, blobDigest)
	if err != nil {
		return err
	}
	if blob == nil {
		blob = &models.Blob{
			Digest:    blobDigest.String(),
			SizeBytes: sizeBytes,
			PushedAt:  a.timeNow(),
		}
		err = tx.Insert(blob)
		if err != nil {
			return err
		}
	}
	err = wharf.LinkBlobIntoRepo(tx, *blob, repo)
	if err != nil {
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}

	// invalidation must precede the success response
	a.cache.Delete(r.Context(), cache.NamespaceBlobMeta, blobDigest.String())
	return nil
}

func (a *API) findUpload(w http.ResponseWriter, r *http.Request, repo models.Repository) *models.Upload {
	uploadUUID := mux.Vars(r)["uuid"]
	upload, err := wharf.FindUploadByRepository(a.db, uploadUUID, repo)
	if errors.Is(err, sql.ErrNoRows) {
		wharf.ErrBlobUploadUnknown.With("no such upload: " + uploadUUID).WriteAsRegistryV2ResponseTo(w)
		return nil
	}
	if respondWithError(w, err) {
		return nil
	}
	return upload
}

// lockUpload marks the session as having a writer attached. Sessions are
// single-writer: a concurrent PATCH or PUT on the same UUID observes the
// in_flight flag and is rejected with 409.
func (a *API) lockUpload(w http.ResponseWriter, upload *models.Upload) bool {
	result, err := a.db.Exec(
		`UPDATE uploads SET in_flight = TRUE WHERE uuid = $1 AND in_flight = FALSE`,
		upload.UUID)
	if respondWithError(w, err) {
		return false
	}
	rowCount, err := result.RowsAffected()
	if respondWithError(w, err) {
		return false
	}
	if rowCount == 0 {
		wharf.ErrBlobUploadInvalid.With("another write to this upload is in progress").
			WithStatus(http.StatusConflict).
			WriteAsRegistryV2ResponseTo(w)
		return false
	}
	upload.InFlight = true
	return true
}

// unlockUpload releases the single-writer flag. Most paths clear the flag as
// part of the row update that records the chunk; this explicit release is
// for the paths that bail out without updating the row.
func (a *API) unlockUpload(upload *models.Upload) {
	_, err := a.db.Exec(`UPDATE uploads SET in_flight = FALSE WHERE uuid = $1`, upload.UUID)
	if err != nil {
		logg.Error("cannot release upload session %s: %s", upload.UUID, err.Error())
	}
	upload.InFlight = false
}

// This implements the GET /v2/<org>/<repo>/blobs/uploads/<uuid> endpoint.
func (a *API) handleGetBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/blobs/uploads/:uuid")
	repo, _, _ := a.checkRepoAccess(w, r, auth.ActionPush)
	if repo == nil {
		return
	}
	upload := a.findUpload(w, r, *repo)
	if upload == nil {
		return
	}

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Upload-UUID", upload.UUID)
	w.Header().Set("Range", uploadRangeHeader(upload.SizeBytes))
	w.WriteHeader(http.StatusNoContent)
}

// This implements the DELETE /v2/<org>/<repo>/blobs/uploads/<uuid> endpoint.
func (a *API) handleDeleteBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/blobs/uploads/:uuid")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionPush)
	if repo == nil {
		return
	}
	upload := a.findUpload(w, r, *repo)
	if upload == nil {
		return
	}

	tx, err := a.db.Begin()
	if respondWithError(w, err) {
		return
	}
	defer wharf.RollbackUnlessCommitted(tx)
	_, err = tx.Delete(upload)
	if respondWithError(w, err) {
		return
	}

	// abort the staged data in storage, then make the DB change durable
	if upload.NumChunks > 0 {
		err = a.sd.AbortUpload(r.Context(), upload.StorageID, upload.NumChunks)
		if respondWithError(w, err) {
			return
		}
	}
	err = tx.Commit()
	if respondWithError(w, err) {
		return
	}

	a.countAbortedUpload(repoPath)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

// This implements the PATCH /v2/<org>/<repo>/blobs/uploads/<uuid> endpoint.
func (a *API) handleContinueBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/blobs/uploads/:uuid")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionPush)
	if repo == nil {
		return
	}
	upload := a.findUpload(w, r, *repo)
	if upload == nil {
		return
	}
	if !a.lockUpload(w, upload) {
		return
	}

	// in chunked upload mode, validate Content-Range before touching
	// anything; a wrong offset gets a 416 and leaves the session untouched
	chunkSizeBytes := (*uint64)(nil)
	if r.Header.Get("Content-Range") != "" {
		val, err := parseContentRange(upload, r.Header)
		if err != nil {
			a.unlockUpload(upload)
			wharf.ErrBlobUploadInvalid.With(err.Error()).
				WithStatus(http.StatusRequestedRangeNotSatisfiable).
				WithHeader("Range", uploadRangeHeader(upload.SizeBytes)).
				WriteAsRegistryV2ResponseTo(w)
			return
		}
		chunkSizeBytes = &val
	}

	dw, rerr := a.resumeUpload(r, repoPath, upload)
	if rerr != nil {
		rerr.WriteAsRegistryV2ResponseTo(w)
		return
	}

	err := a.streamIntoUpload(r, repoPath, upload, dw, r.Body, chunkSizeBytes)
	if respondWithError(w, err) {
		return
	}

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Upload-UUID", upload.UUID)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoPath, upload.UUID))
	w.Header().Set("Range", uploadRangeHeader(upload.SizeBytes))
	w.WriteHeader(http.StatusAccepted)
}

// This implements the PUT /v2/<org>/<repo>/blobs/uploads/<uuid> endpoint.
func (a *API) handleFinishBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/blobs/uploads/:uuid")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionPush)
	if repo == nil {
		return
	}
	upload := a.findUpload(w, r, *repo)
	if upload == nil {
		return
	}
	if !a.lockUpload(w, upload) {
		return
	}

	dw, rerr := a.resumeUpload(r, repoPath, upload)
	if rerr != nil {
		rerr.WriteAsRegistryV2ResponseTo(w)
		return
	}

	// a request body with Content-Length is a final chunk
	if contentLengthStr := r.Header.Get("Content-Length"); contentLengthStr != "" {
		contentLength, err := strconv.ParseUint(contentLengthStr, 10, 64)
		if err != nil {
			a.unlockUpload(upload)
			wharf.ErrSizeInvalid.With("malformed Content-Length: " + err.Error()).WriteAsRegistryV2ResponseTo(w)
			return
		}
		if contentLength > 0 {
			err = a.streamIntoUpload(r, repoPath, upload, dw, r.Body, &contentLength)
			if respondWithError(w, err) {
				return
			}
		}
	}

	blobDigest, err := a.finishUpload(r, *repo, repoPath, upload, r.URL.Query().Get("digest"))
	if respondWithError(w, err) {
		return
	}

	api.BlobsPushedCounter.WithLabelValues(orgNameOf(repoPath)).Inc()
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", blobDigest.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoPath, blobDigest))
	w.WriteHeader(http.StatusCreated)
}

// resumeUpload reconstructs the rolling SHA-256 from the hash state stored
// in the session row, so that sessions survive process restarts and client
// disconnects. Broken state cancels the session entirely.
func (a *API) resumeUpload(r *http.Request, repoPath string, upload *models.Upload) (dw *digestWriter, returnErr *wharf.RegistryV2Error) {
	defer func() {
		if returnErr != nil {
			logg.Info("aborting upload %s because of error during resumeUpload()", upload.UUID)
			a.cancelUpload(r, repoPath, upload)
		}
	}()

	if upload.NumChunks == 0 {
		return &digestWriter{sha256.New(), 0}, nil
	}

	stateBytes, err := base64.URLEncoding.DecodeString(upload.HashState)
	if err != nil {
		return nil, wharf.ErrBlobUploadInvalid.With("malformed session state")
	}
	hasher := sha256.New()
	err = hasher.(encoding.BinaryUnmarshaler).UnmarshalBinary(stateBytes)
	if err != nil {
		return nil, wharf.ErrBlobUploadInvalid.With("broken session state")
	}

	// the digest over the data so far must agree with what was recorded when
	// the last chunk was accepted
	stateDigest := digest.NewDigest(digest.SHA256, hasher)
	if stateDigest.String() != upload.Digest {
		return nil, wharf.ErrBlobUploadInvalid.With("session state did not match uploaded content")
	}

	// unmarshal once more because taking a Sum may have altered the state
	hasher = sha256.New()
	err = hasher.(encoding.BinaryUnmarshaler).UnmarshalBinary(stateBytes)
	if err != nil {
		return nil, wharf.ErrBlobUploadInvalid.With("broken session state")
	}

	return &digestWriter{hasher, upload.SizeBytes}, nil
}

var contentRangeRx = regexp.MustCompile(`^([0-9]+)-([0-9]+)$`)

// On success, returns the number of bytes that should be in this request's body.
func parseContentRange(upload *models.Upload, hdr http.Header) (uint64, error) {
	// some clients format Content-Range as `bytes=123-456` instead of just `123-456`
	contentRangeStr := strings.TrimPrefix(hdr.Get("Content-Range"), "bytes=")

	match := contentRangeRx.FindStringSubmatch(contentRangeStr)
	if match == nil {
		return 0, errors.New("malformed Content-Range")
	}
	rangeStart, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, errors.New("malformed Content-Range: " + err.Error())
	}
	rangeEnd, err := strconv.ParseUint(match[2], 10, 64)
	if err != nil {
		return 0, errors.New("malformed Content-Range: " + err.Error())
	}

	lengthStr := hdr.Get("Content-Length")
	if lengthStr == "" {
		return 0, errors.New("missing Content-Length for chunked upload")
	}
	length, err := strconv.ParseUint(lengthStr, 10, 64)
	if err != nil {
		return 0, errors.New("malformed Content-Length: " + err.Error())
	}

	if rangeStart != upload.SizeBytes {
		return 0, fmt.Errorf("upload resumed at wrong offset: %d != %d", rangeStart, upload.SizeBytes)
	}
	if rangeEnd-rangeStart+1 != length {
		return 0, fmt.Errorf("Content-Range describes %d bytes, but Content-Length is %d", rangeEnd-rangeStart+1, length)
	}
	return length, nil
}

// streamIntoUpload appends one chunk to the session. The session row is only
// updated after the chunk is fully staged, so on failure (including a client
// disconnect mid-chunk) the session stays resumable at its previous offset;
// only the stray staged chunk is discarded.
func (a *API) streamIntoUpload(r *http.Request, repoPath string, upload *models.Upload, dw *digestWriter, chunk io.Reader, chunkSizeBytes *uint64) (returnErr error) {
	prior := *upload
	chunkNumber := upload.NumChunks + 1
	defer func() {
		if returnErr != nil {
			logg.Info("discarding chunk %d of upload %s because of error during streamIntoUpload()", chunkNumber, upload.UUID)
			// the request context may already be canceled when the client went away
			cleanupCtx := context.WithoutCancel(r.Context())
			err := a.sd.DiscardChunk(cleanupCtx, upload.StorageID, chunkNumber, prior.SizeBytes)
			if err != nil {
				logg.Error("additional error during DiscardChunk: " + err.Error())
			}
			*upload = prior
			a.unlockUpload(upload)
		}
	}()

	err := a.sd.AppendToUpload(r.Context(), upload.StorageID, chunkNumber, chunkSizeBytes, io.TeeReader(chunk, dw))
	if err != nil {
		return err
	}

	actualChunkSizeBytes := dw.bytesWritten - upload.SizeBytes
	if chunkSizeBytes != nil && *chunkSizeBytes != actualChunkSizeBytes {
		return wharf.ErrSizeInvalid.With("expected upload of %d bytes, but request contained %d bytes",
			*chunkSizeBytes, actualChunkSizeBytes)
	}

	// serialize the hash state BEFORE digest.NewDigest() since taking a Sum
	// may alter the internal state of dw.Hash
	hashStateBytes, err := dw.Hash.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return err
	}

	upload.NumChunks = chunkNumber
	upload.SizeBytes = dw.bytesWritten
	upload.Digest = digest.NewDigest(digest.SHA256, dw.Hash).String()
	upload.HashState = base64.URLEncoding.EncodeToString(hashStateBytes)
	upload.UpdatedAt = a.timeNow()
	upload.InFlight = false
	_, err = a.db.Update(upload)
	return err
}

// finishUpload validates the client-provided digest against the rolling
// hash, promotes the staged data into a blob, and deletes the session.
func (a *API) finishUpload(r *http.Request, repo models.Repository, repoPath string, upload *models.Upload, blobDigestStr string) (blobDigest digest.Digest, returnErr error) {
	defer func() {
		if returnErr != nil {
			logg.Info("aborting upload %s because of error during finishUpload()", upload.UUID)
			a.cancelUpload(r, repoPath, upload)
		}
	}()

	if blobDigestStr == "" {
		return "", wharf.ErrDigestInvalid.With("missing digest")
	}
	blobDigest, err := digest.Parse(blobDigestStr)
	if err != nil {
		return "", wharf.ErrDigestInvalid.With(err.Error())
	}
	if blobDigest.String() != upload.Digest {
		return "", wharf.ErrDigestInvalid.With("provided digest did not match uploaded content")
	}

	err = a.sd.FinalizeUpload(r.Context(), upload.StorageID, upload.NumChunks, blobDigest)
	if err != nil {
		return "", err
	}

	tx, err := a.db.Begin()
	if err != nil {
		return "", err
	}
	defer wharf.RollbackUnlessCommitted(tx)
	_, err = tx.Delete(upload)
	if err != nil {
		return "", err
	}
	err = tx.Commit()
	if err != nil {
		return "", err
	}

	err = a.recordFinishedBlob(r, repo, blobDigest, upload.SizeBytes)
	if err != nil {
		return "", err
	}
	return blobDigest, nil
}

// cancelUpload tears down a session whose state cannot be trusted anymore:
// staged storage data and the session row are both removed.
func (a *API) cancelUpload(r *http.Request, repoPath string, upload *models.Upload) {
	a.countAbortedUpload(repoPath)
	if upload.NumChunks > 0 {
		err := a.sd.AbortUpload(r.Context(), upload.StorageID, upload.NumChunks)
		if err != nil {
			logg.Error("additional error during AbortUpload: " + err.Error())
		}
	}
	_, err := a.db.Delete(upload)
	if err != nil {
		logg.Error("additional error while deleting upload from DB: " + err.Error())
	}
}

func (a *API) countAbortedUpload(repoPath string) {
	api.UploadsAbortedCounter.WithLabelValues(orgNameOf(repoPath)).Inc()
}

// digestWriter is an io.Writer that writes into the given Hash and also
// tracks the number of bytes written.
type digestWriter struct {
	hash.Hash
	bytesWritten uint64
}

func (w *digestWriter) Write(buf []byte) (n int, err error) {
	n, err = w.Hash.Write(buf)
	if n > 0 {
		w.bytesWritten += uint64(n)
	}
	return n, err
}
