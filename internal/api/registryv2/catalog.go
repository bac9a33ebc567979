// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	distspecs "github.com/opencontainers/distribution-spec/specs-go/v1"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/wharf"
)

// maxPageSize caps the "n" pagination parameter on the catalog and tag list
// endpoints.
const maxPageSize = 1000

// parsePageQuery parses the "n" and "last" pagination parameters. When ok is
// false, an error response has already been written. An explicit n=0 sets
// zeroPage; callers respond with an empty page and no Link header then.
func parsePageQuery(w http.ResponseWriter, r *http.Request) (limit int64, marker string, zeroPage bool, ok bool) {
	query := r.URL.Query()
	limit = maxPageSize
	if limitStr := query.Get("n"); limitStr != "" {
		var err error
		limit, err = strconv.ParseInt(limitStr, 10, 64)
		if err != nil || limit < 0 {
			wharf.ErrPaginationNumberInvalid.With(`invalid value for "n"`).WriteAsRegistryV2ResponseTo(w)
			return 0, "", false, false
		}
		if limit == 0 {
			// an explicit n=0 yields an empty page without a Link header
			return 0, "", true, true
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	return limit, query.Get("last"), false, true
}

// paginate applies the marker and limit to a sorted list of names, and
// returns the page plus the Link header value ("" when this is the last page).
func paginate(names []string, limit int64, marker, linkPath string) (page []string, linkHeader string) {
	start := sort.SearchStrings(names, marker)
	if start < len(names) && names[start] == marker {
		// "last" is exclusive
		start++
	}
	names = names[start:]

	if int64(len(names)) > limit {
		page = names[:limit]
		linkQuery := url.Values{}
		linkQuery.Set("n", strconv.FormatInt(limit, 10))
		linkQuery.Set("last", page[len(page)-1])
		linkURL := url.URL{Path: linkPath, RawQuery: linkQuery.Encode()}
		linkHeader = fmt.Sprintf(`<%s>; rel="next"`, linkURL.String())
	} else {
		page = names
	}
	if page == nil {
		page = []string{}
	}
	return page, linkHeader
}

var (
	publicCatalogQuery = sqlext.SimplifyWhitespace(`
		SELECT o.name || '/' || r.name
		  FROM repositories r JOIN organizations o ON o.id = r.org_id
		 WHERE r.visibility = 'public'
		 ORDER BY 1
	`)
	userCatalogQuery = sqlext.SimplifyWhitespace(`
		SELECT o.name || '/' || r.name
		  FROM repositories r JOIN organizations o ON o.id = r.org_id
		 WHERE r.visibility = 'public'
		    OR r.created_by = $1
		    OR EXISTS (SELECT 1 FROM organization_members m
		                WHERE m.org_id = r.org_id AND m.user_id = $1)
		    OR EXISTS (SELECT 1 FROM repository_permissions p
		                WHERE p.repo_id = r.id
		                  AND (p.user_id = $1 OR p.org_id IN (
		                       SELECT org_id FROM organization_members m2 WHERE m2.user_id = $1)))
		 ORDER BY 1
	`)
)

// This implements the GET /v2/_catalog endpoint. The response is restricted
// to the repositories that the requester may pull from.
func (a *API) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/_catalog")
	// must be set even for 401 responses!
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	authz, rerr := a.authenticateRequest(r)
	if rerr != nil {
		rerr.WithHeader("Www-Authenticate", auth.ChallengeFor(a.cfg)).WriteAsRegistryV2ResponseTo(w)
		return
	}

	limit, marker, zeroPage, ok := parsePageQuery(w, r)
	if !ok {
		return
	}
	if zeroPage {
		respondwith.JSON(w, http.StatusOK, distspecs.RepositoryList{Repositories: []string{}})
		return
	}

	var (
		repoPaths []string
		err       error
	)
	if authz.IsAnonymous() {
		repoPaths, err = a.getPublicCatalog(r)
	} else {
		// the visible set depends on memberships and grants, which change
		// independently of this user's requests, so this is not cached
		repoPaths, err = a.selectCatalog(userCatalogQuery, authz.User.ID)
	}
	if respondWithError(w, err) {
		return
	}

	page, linkHeader := paginate(repoPaths, limit, marker, "/v2/_catalog")
	if linkHeader != "" {
		w.Header().Set("Link", linkHeader)
	}
	respondwith.JSON(w, http.StatusOK, distspecs.RepositoryList{Repositories: page})
}

// getPublicCatalog returns the sorted list of public repository paths. This
// is the catalog that anonymous clients see; it is the same for all of them,
// so it is served from cache.
func (a *API) getPublicCatalog(r *http.Request) ([]string, error) {
	ctx := r.Context()
	if buf, exists := a.cache.Get(ctx, cache.NamespaceRepositories, "public"); exists {
		var repoPaths []string
		if json.Unmarshal(buf, &repoPaths) == nil {
			return repoPaths, nil
		}
	}

	repoPaths, err := a.selectCatalog(publicCatalogQuery)
	if err != nil {
		return nil, err
	}
	if buf, err := json.Marshal(repoPaths); err == nil {
		a.cache.Set(ctx, cache.NamespaceRepositories, "public", buf)
	}
	return repoPaths, nil
}

func (a *API) selectCatalog(query string, args ...any) ([]string, error) {
	var repoPaths []string
	err := sqlext.ForeachRow(a.db, query, args, func(rows *sql.Rows) error {
		var repoPath string
		err := rows.Scan(&repoPath)
		repoPaths = append(repoPaths, repoPath)
		return err
	})
	return repoPaths, err
}
