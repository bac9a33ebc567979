// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2_test

import (
	"net/http"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/wharfhub/wharf/internal/test"
	"github.com/wharfhub/wharf/internal/wharf"
)

func TestListTags(t *testing.T) {
	s := seedStandard(t, nil)

	// a repository without tags lists as empty
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/tags/list",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"name": "acme/app", "tags": []string{}},
	}.Check(t, s.Handler)

	config := test.NewBytes([]byte(`{"architecture":"amd64"}`))
	layer := test.NewBytes([]byte("layer contents"))
	manifest := test.GenerateImageManifest(config, layer)
	mustUploadBlob(t, s, s.AliceToken, "acme/app", config)
	mustUploadBlob(t, s, s.AliceToken, "acme/app", layer)
	for _, tagName := range []string{"latest", "v1", "v2"} {
		mustUploadManifest(t, s, s.AliceToken, "acme/app", manifest, tagName)
	}

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/tags/list",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"name": "acme/app", "tags": []string{"latest", "v1", "v2"}},
	}.Check(t, s.Handler)

	// pagination: first page with Link header, second page without
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/tags/list?n=2",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Link":                `</v2/acme/app/tags/list?last=v1&n=2>; rel="next"`,
		},
		ExpectBody: assert.JSONObject{"name": "acme/app", "tags": []string{"latest", "v1"}},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/tags/list?n=2&last=v1",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"name": "acme/app", "tags": []string{"v2"}},
	}.Check(t, s.Handler)

	// n=0 is a valid request for an empty page
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/tags/list?n=0",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"name": "acme/app", "tags": []string{}},
	}.Check(t, s.Handler)

	// failure case: unknown repository
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/nope/tags/list",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNotFound,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrNameUnknown),
	}.Check(t, s.Handler)
}

func TestListTagsAccessControl(t *testing.T) {
	s := seedStandard(t, nil)

	// anonymous clients may list tags of public repositories...
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/web/tags/list",
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"name": "acme/web", "tags": []string{}},
	}.Check(t, s.Handler)

	// ...but not of private ones; the 401 carries the token endpoint challenge
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/tags/list",
		ExpectStatus: http.StatusUnauthorized,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Www-Authenticate":    testChallenge,
		},
		ExpectBody: test.ErrorCode(wharf.ErrUnauthorized),
	}.Check(t, s.Handler)

	// an authenticated user without any grants gets a definitive 403
	bob := s.MustCreateUser(t, "bob", "b0b-password")
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/tags/list",
		Header:       bearerOf(s.TokenFor(t, bob)),
		ExpectStatus: http.StatusForbidden,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrDenied),
	}.Check(t, s.Handler)
}
