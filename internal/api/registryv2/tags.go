// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	distspecs "github.com/opencontainers/distribution-spec/specs-go/v1"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/models"
)

// This implements the GET /v2/<org>/<repo>/tags/list endpoint.
func (a *API) handleListTags(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:org/:repo/tags/list")
	repo, repoPath, _ := a.checkRepoAccess(w, r, auth.ActionPull)
	if repo == nil {
		return
	}

	limit, marker, zeroPage, ok := parsePageQuery(w, r)
	if !ok {
		return
	}
	if zeroPage {
		respondwith.JSON(w, http.StatusOK, distspecs.TagList{Name: repoPath, Tags: []string{}})
		return
	}

	tagNames, err := a.getTagNames(r, *repo)
	if respondWithError(w, err) {
		return
	}

	page, linkHeader := paginate(tagNames, limit, marker, "/v2/"+repoPath+"/tags/list")
	if linkHeader != "" {
		w.Header().Set("Link", linkHeader)
	}
	respondwith.JSON(w, http.StatusOK, distspecs.TagList{Name: repoPath, Tags: page})
}

// getTagNames returns the sorted tag names of this repository. The full list
// is cached per repository; pages are cut from it in memory, so all pages of
// one listing come from the same snapshot.
func (a *API) getTagNames(r *http.Request, repo models.Repository) ([]string, error) {
	ctx := r.Context()
	cacheKey := strconv.FormatInt(repo.ID, 10)
	if buf, exists := a.cache.Get(ctx, cache.NamespaceTags, cacheKey); exists {
		var tagNames []string
		if json.Unmarshal(buf, &tagNames) == nil {
			return tagNames, nil
		}
	}

	var tagNames []string
	err := sqlext.ForeachRow(a.db,
		`SELECT name FROM tags WHERE repo_id = $1 ORDER BY name`,
		[]any{repo.ID},
		func(rows *sql.Rows) error {
			var name string
			err := rows.Scan(&name)
			tagNames = append(tagNames, name)
			return err
		},
	)
	if err != nil {
		return nil, err
	}

	if buf, err := json.Marshal(tagNames); err == nil {
		a.cache.Set(ctx, cache.NamespaceTags, cacheKey, buf)
	}
	return tagNames, nil
}
