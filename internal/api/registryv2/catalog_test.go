// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2_test

import (
	"net/http"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/test"
	"github.com/wharfhub/wharf/internal/wharf"
)

func TestToplevelEndpoint(t *testing.T) {
	s := seedStandard(t, nil)

	// `docker login` probes this endpoint, so anonymous access must be denied
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/",
		ExpectStatus: http.StatusUnauthorized,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Www-Authenticate":    testChallenge,
		},
		ExpectBody: test.ErrorCode(wharf.ErrUnauthorized),
	}.Check(t, s.Handler)

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{},
	}.Check(t, s.Handler)

	// a garbage token must not pass
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/",
		Header:       bearerOf("not-a-jwt"),
		ExpectStatus: http.StatusUnauthorized,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrUnauthorized),
	}.Check(t, s.Handler)
}

func TestCatalogVisibility(t *testing.T) {
	s := seedStandard(t, nil)

	// anonymous clients see public repositories only
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog",
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"repositories": []string{"acme/web"}},
	}.Check(t, s.Handler)

	// alice created both repositories, so she sees both
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"repositories": []string{"acme/app", "acme/web"}},
	}.Check(t, s.Handler)

	// bob is nobody, so his catalog looks like the anonymous one
	bob := s.MustCreateUser(t, "bob", "b0b-password")
	bobToken := s.TokenFor(t, bob)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog",
		Header:       bearerOf(bobToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"repositories": []string{"acme/web"}},
	}.Check(t, s.Handler)

	// an org membership makes all of the org's repositories visible
	s.MustAddMember(t, s.Acme, bob, models.RoleMember)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog",
		Header:       bearerOf(bobToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"repositories": []string{"acme/app", "acme/web"}},
	}.Check(t, s.Handler)
}

func TestCatalogPagination(t *testing.T) {
	s := seedStandard(t, nil)
	for _, name := range []string{"alpha", "bravo", "charlie"} {
		s.MustCreateRepository(t, s.Acme, name, models.VisibilityPublic, s.Alice)
	}
	// the public repositories in sorted order are now:
	// acme/alpha, acme/bravo, acme/charlie, acme/web

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog?n=2",
		ExpectStatus: http.StatusOK,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Link":                `</v2/_catalog?last=acme%2Fbravo&n=2>; rel="next"`,
		},
		ExpectBody: assert.JSONObject{"repositories": []string{"acme/alpha", "acme/bravo"}},
	}.Check(t, s.Handler)

	// the last page carries no Link header
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog?n=2&last=acme%2Fbravo",
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"repositories": []string{"acme/charlie", "acme/web"}},
	}.Check(t, s.Handler)

	// n=0 is a valid request for an empty page
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog?n=0",
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"repositories": []string{}},
	}.Check(t, s.Handler)

	// failure case: malformed or negative n
	for _, query := range []string{"n=-1", "n=cheese"} {
		assert.HTTPRequest{
			Method:       "GET",
			Path:         "/v2/_catalog?" + query,
			ExpectStatus: http.StatusBadRequest,
			ExpectHeader: test.VersionHeader,
			ExpectBody:   test.ErrorCode(wharf.ErrPaginationNumberInvalid),
		}.Check(t, s.Handler)
	}

	// a marker beyond the end of the list yields an empty page
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/_catalog?last=zzz",
		ExpectStatus: http.StatusOK,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   assert.JSONObject{"repositories": []string{}},
	}.Check(t, s.Handler)
}
