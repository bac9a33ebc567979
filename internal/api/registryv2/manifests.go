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
	"strconv"

	"github.com/docker/distribution"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	imagespecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/wharfhub/wharf/internal/api"
	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"

	// distribution.UnmarshalManifest() relies on the following packages
	// registering their manifest schemas.
	"github.com/docker/distribution/manifest/manifestlist"
	_ "github.com/docker/distribution/manifest/ocischema"
	"github.com/docker/distribution/manifest/schema2"
)

// manifestMediaTypes lists the media types that denote a manifest rather
// than a blob, for classifying the references of a manifest list.
var manifestMediaTypes = map[string]bool{
	schema2.MediaTypeManifest:          true,
	manifestlist.MediaTypeManifestList: true,
	imagespecs.MediaTypeImageManifest:  true,
	imagespecs.MediaTypeImageIndex:     true,
}

// cachedManifest is the value stored in the manifest cache namespace. Both
// the tag key and the digest key map to the same envelope, so a GET by tag
// skips the tag resolution query on a cache hit.
type cachedManifest struct {
	Digest    string `json:"digest"`
	MediaType string `json:"media_type"`
	Contents  []byte `json:"contents"`
}

func manifestCacheKey(repo models.Repository, reference string) string {
	return fmt.Sprintf("%d@%s", repo.ID, reference)
}

// This implements the GET/HEAD /v2/<org>/<repo>/manifests/<reference> endpoint.
func (a *API) handleGetOrHeadManifest(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/manifests/:reference")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionPull)
	if repo == nil {
		return
	}
	ctx := r.Context()
	reference := models.ParseManifestReference(mux.Vars(r)["reference"])

	var cached cachedManifest
	if buf, ok := a.cache.Get(ctx, cache.NamespaceManifest, manifestCacheKey(*repo, reference.String())); ok {
		if json.Unmarshal(buf, &cached) != nil {
			cached = cachedManifest{}
		}
	}

	if cached.Digest == "" {
		dbManifest, err := a.findManifestInDB(*repo, reference)
		if errors.Is(err, sql.ErrNoRows) {
			wharf.ErrManifestUnknown.With("").WithDetail(reference.String()).WriteAsRegistryV2ResponseTo(w)
			return
		}
		if respondWithError(w, err) {
			return
		}
		manifestBytes, err := a.sd.ReadManifest(ctx, repoPath, digest.Digest(dbManifest.Digest))
		if respondWithError(w, err) {
			return
		}

		cached = cachedManifest{
			Digest:    dbManifest.Digest,
			MediaType: dbManifest.MediaType,
			Contents:  manifestBytes,
		}
		if buf, err := json.Marshal(cached); err == nil {
			a.cache.Set(ctx, cache.NamespaceManifest, manifestCacheKey(*repo, reference.String()), buf)
			if reference.IsTag() {
				a.cache.Set(ctx, cache.NamespaceManifest, manifestCacheKey(*repo, cached.Digest), buf)
			}
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(cached.Contents)))
	w.Header().Set("Content-Type", cached.MediaType)
	w.Header().Set("Docker-Content-Digest", cached.Digest)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(cached.Contents)
	}
	api.ManifestsPulledCounter.WithLabelValues(orgNameOf(repoPath)).Inc()
}

func (a *API) findManifestInDB(repo models.Repository, reference models.ManifestReference) (*models.Manifest, error) {
	// resolve tag into digest if necessary
	refDigest := reference.Digest
	if reference.IsTag() {
		tag, err := wharf.FindTag(a.db, repo, reference.Tag)
		if err != nil {
			return nil, err
		}
		if tag == nil {
			return nil, sql.ErrNoRows
		}
		refDigest, err = digest.Parse(tag.Digest)
		if err != nil {
			return nil, err
		}
	}

	manifest, err := wharf.FindManifest(a.db, repo, refDigest)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, sql.ErrNoRows
	}
	return manifest, nil
}

// This implements the PUT /v2/<org>/<repo>/manifests/<reference> endpoint.
func (a *API) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/manifests/:reference")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionPush)
	if repo == nil {
		return
	}
	ctx := r.Context()

	reference := models.ParseManifestReference(mux.Vars(r)["reference"])
	if reference.IsTag() && !models.TagNameRx.MatchString(reference.Tag) {
		wharf.ErrTagInvalid.With("invalid tag name: %q", reference.Tag).WriteAsRegistryV2ResponseTo(w)
		return
	}

	// the canonical digest is computed over the exact bytes as sent, before
	// any parsing touches them
	manifestBytes, err := io.ReadAll(r.Body)
	if respondWithError(w, err) {
		return
	}
	contentType := r.Header.Get("Content-Type")
	if !manifestMediaTypes[contentType] {
		wharf.ErrUnsupported.With("unsupported manifest media type: %q", contentType).WriteAsRegistryV2ResponseTo(w)
		return
	}
	manifest, manifestDesc, err := distribution.UnmarshalManifest(contentType, manifestBytes)
	if err != nil {
		wharf.ErrManifestInvalid.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
		return
	}

	// if <reference> is not a tag, it must be the digest of the manifest
	if reference.IsDigest() && manifestDesc.Digest != reference.Digest {
		wharf.ErrDigestInvalid.With("actual manifest digest is " + manifestDesc.Digest.String()).WriteAsRegistryV2ResponseTo(w)
		return
	}

	// check that everything the manifest references exists in this repo:
	// layers and configs must be linked blobs, child manifests (for manifest
	// lists) must have been pushed before
	for _, desc := range manifest.References() {
		if manifestMediaTypes[desc.MediaType] {
			childManifest, err := wharf.FindManifest(a.db, *repo, desc.Digest)
			if respondWithError(w, err) {
				return
			}
			if childManifest == nil {
				wharf.ErrManifestBlobUnknown.With("").WithDetail(desc.Digest.String()).WriteAsRegistryV2ResponseTo(w)
				return
			}
		} else {
			_, err := wharf.FindBlobByRepository(a.db, desc.Digest, *repo)
			if errors.Is(err, sql.ErrNoRows) {
				wharf.ErrManifestBlobUnknown.With("").WithDetail(desc.Digest.String()).WriteAsRegistryV2ResponseTo(w)
				return
			}
			if respondWithError(w, err) {
				return
			}
		}
	}

	// prepare the database entries first, so that the transaction only
	// commits once the storage write succeeded; the tag bind is in the same
	// transaction, so a tag never points at a half-pushed manifest
	tx, err := a.db.Begin()
	if respondWithError(w, err) {
		return
	}
	defer wharf.RollbackUnlessCommitted(tx)
	_, err = tx.Exec(sqlext.SimplifyWhitespace(`
		INSERT INTO manifests (repo_id, digest, media_type, size_bytes, pushed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, digest) DO NOTHING
	`), repo.ID, manifestDesc.Digest.String(), manifestDesc.MediaType, manifestDesc.Size, a.timeNow())
	if respondWithError(w, err) {
		return
	}
	if reference.IsTag() {
		err = wharf.UpsertTag(tx, *repo, reference.Tag, manifestDesc.Digest, a.timeNow())
		if respondWithError(w, err) {
			return
		}
	}

	err = a.sd.WriteManifest(ctx, repoPath, manifestDesc.Digest, manifestBytes)
	if respondWithError(w, err) {
		return
	}
	err = tx.Commit()
	if respondWithError(w, err) {
		return
	}

	// invalidation must precede the success response
	a.cache.Delete(ctx, cache.NamespaceManifest, manifestCacheKey(*repo, manifestDesc.Digest.String()))
	a.cache.Delete(ctx, cache.NamespaceRepositories, "public")
	if reference.IsTag() {
		a.cache.Delete(ctx, cache.NamespaceManifest, manifestCacheKey(*repo, reference.Tag))
		a.cache.Delete(ctx, cache.NamespaceTags, strconv.FormatInt(repo.ID, 10))
	}

	api.ManifestsPushedCounter.WithLabelValues(orgNameOf(repoPath)).Inc()
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", manifestDesc.Digest.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repoPath, manifestDesc.Digest))
	w.WriteHeader(http.StatusCreated)
}

// This implements the DELETE /v2/<org>/<repo>/manifests/<reference> endpoint.
func (a *API) handleDeleteManifest(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/manifests/:reference")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionDelete)
	if repo == nil {
		return
	}
	ctx := r.Context()

	// <reference> must be a digest - the API does not allow deleting tags
	// directly (tags go away when their current manifest is deleted by its
	// canonical digest)
	manifestDigest, err := digest.Parse(mux.Vars(r)["reference"])
	if err != nil {
		wharf.ErrUnsupported.With("deleting manifests by tag is not allowed").
			WithStatus(http.StatusMethodNotAllowed).
			WriteAsRegistryV2ResponseTo(w)
		return
	}

	// collect the tags pointing at this manifest before the cascade delete
	// removes them, so that their cache entries can be dropped as well
	var tagNames []string
	err = sqlext.ForeachRow(a.db,
		`SELECT name FROM tags WHERE repo_id = $1 AND digest = $2`,
		[]any{repo.ID, manifestDigest.String()},
		func(rows *sql.Rows) error {
			var name string
			err := rows.Scan(&name)
			tagNames = append(tagNames, name)
			return err
		},
	)
	if respondWithError(w, err) {
		return
	}

	// prepare deletion of database entries, so that the transaction only
	// commits once the storage DELETE is successful
	tx, err := a.db.Begin()
	if respondWithError(w, err) {
		return
	}
	defer wharf.RollbackUnlessCommitted(tx)
	result, err := tx.Exec(
		// this also deletes tags referencing this manifest because of "ON DELETE CASCADE"
		`DELETE FROM manifests WHERE repo_id = $1 AND digest = $2`,
		repo.ID, manifestDigest.String())
	if respondWithError(w, err) {
		return
	}
	rowsDeleted, err := result.RowsAffected()
	if respondWithError(w, err) {
		return
	}
	if rowsDeleted == 0 {
		wharf.ErrManifestUnknown.With("no such manifest").WriteAsRegistryV2ResponseTo(w)
		return
	}

	// blobs are NOT deleted here: they are content-addressed and may be
	// shared with other manifests and repositories
	err = a.sd.DeleteManifest(ctx, repoPath, manifestDigest)
	if respondWithError(w, err) {
		return
	}
	err = tx.Commit()
	if respondWithError(w, err) {
		return
	}

	// invalidation must precede the success response
	a.cache.Delete(ctx, cache.NamespaceManifest, manifestCacheKey(*repo, manifestDigest.String()))
	for _, tagName := range tagNames {
		a.cache.Delete(ctx, cache.NamespaceManifest, manifestCacheKey(*repo, tagName))
	}
	if len(tagNames) > 0 {
		a.cache.Delete(ctx, cache.NamespaceTags, strconv.FormatInt(repo.ID, 10))
	}

	w.WriteHeader(http.StatusAccepted)
}
