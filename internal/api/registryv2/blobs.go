// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

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

// cachedBlobMeta is the value stored in the blob_meta cache namespace,
// keyed by digest. The repo link check still goes to the database; the
// cached record saves the join and carries the headers for HEAD responses.
type cachedBlobMeta struct {
	BlobID    int64  `json:"id"`
	SizeBytes uint64 `json:"size_bytes"`
	MediaType string `json:"media_type"`
}

// findBlobInRepo resolves a digest to a blob that is linked into the given
// repository, using the blob_meta cache where possible. Returns nil if the
// blob is unknown or not linked here.
func (a *API) findBlobInRepo(r *http.Request, repo models.Repository, blobDigest digest.Digest) (*cachedBlobMeta, error) {
	ctx := r.Context()
	if buf, ok := a.cache.Get(ctx, cache.NamespaceBlobMeta, blobDigest.String()); ok {
		var meta cachedBlobMeta
		if json.Unmarshal(buf, &meta) == nil {
			linkCount, err := a.db.SelectInt(
				`SELECT COUNT(*) FROM blob_links WHERE blob_id = $1 AND repo_id = $2`,
				meta.BlobID, repo.ID)
			if err != nil {
				return nil, err
			}
			if linkCount == 0 {
				return nil, nil
			}
			return &meta, nil
		}
	}

	blob, err := wharf.FindBlobByRepository(a.db, blobDigest, repo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	meta := cachedBlobMeta{BlobID: blob.ID, SizeBytes: blob.SizeBytes, MediaType: blob.MediaType}
	if buf, err := json.Marshal(meta); err == nil {
		a.cache.Set(ctx, cache.NamespaceBlobMeta, blobDigest.String(), buf)
	}
	return &meta, nil
}

// This implements the GET/HEAD /v2/<org>/<repo>/blobs/<digest> endpoint.
func (a *API) handleGetOrHeadBlob(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/blobs/:digest")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionPull)
	if repo == nil {
		return
	}

	blobDigest, err := digest.Parse(mux.Vars(r)["digest"])
	if err != nil {
		wharf.ErrDigestInvalid.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
		return
	}

	meta, err := a.findBlobInRepo(r, *repo, blobDigest)
	if respondWithError(w, err) {
		return
	}
	if meta == nil {
		wharf.ErrBlobUnknown.With("blob unknown to registry").WriteAsRegistryV2ResponseTo(w)
		return
	}

	w.Header().Set("Docker-Content-Digest", blobDigest.String())
	w.Header().Set("Content-Length", fmt.Sprint(meta.SizeBytes))
	contentType := meta.MediaType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	reader, _, err := a.sd.ReadBlob(r.Context(), blobDigest)
	if respondWithError(w, err) {
		return
	}
	defer reader.Close()

	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, reader)
	if err != nil {
		// response headers are already out, so only log
		logg.Error("error while streaming blob %s from %s: %s", blobDigest, repoPath, err.Error())
		return
	}
	api.BlobsPulledCounter.WithLabelValues(orgNameOf(repoPath)).Inc()
}

// This implements the DELETE /v2/<org>/<repo>/blobs/<digest> endpoint.
// Blob contents are content-addressed and shared across repositories, so
// deletion through the registry surface is not offered.
func (a *API) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/blobs/:digest")
	repo, _, _ := a.checkRepoAccess(w, r, auth.ActionDelete)
	if repo == nil {
		return
	}
	wharf.ErrUnsupported.With("blob deletion is not supported").
		WithStatus(http.StatusMethodNotAllowed).
		WriteAsRegistryV2ResponseTo(w)
}
