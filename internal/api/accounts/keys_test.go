// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package accounts_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/wharfhub/wharf/internal/test"
)

func TestAPIKeys(t *testing.T) {
	s := test.NewSetup(t, nil)
	alice := s.MustCreateUser(t, "alice", "al1ce-password")
	bob := s.MustCreateUser(t, "bob", "b0b-password")
	aliceToken := s.TokenFor(t, alice)

	// the deterministic key source counts up from 1
	firstKey := fmt.Sprintf("ak_%048d", 1)
	secondKey := fmt.Sprintf("ak_%048d", 2)

	// failure case: anonymous callers have no keys to manage
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/keys",
		ExpectStatus: http.StatusUnauthorized,
		ExpectBody:   assert.StringData("unauthorized\n"),
	}.Check(t, s.Handler)

	// success case: a key with an expiry date
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/keys",
		Header:       map[string]string{"Authorization": "Bearer " + aliceToken},
		Body:         assert.JSONObject{"name": "ci-pipeline", "expires_in_days": 30},
		ExpectStatus: http.StatusCreated,
		ExpectBody: assert.JSONObject{
			"api_key": assert.JSONObject{
				"id":         1,
				"name":       "ci-pipeline",
				"created_at": 0,
				"expires_at": 30 * 24 * 3600,
			},
			"key": firstKey,
		},
	}.Check(t, s.Handler)

	// success case: a key that never expires
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/keys",
		Header:       map[string]string{"Authorization": "Bearer " + aliceToken},
		Body:         assert.JSONObject{"name": "laptop"},
		ExpectStatus: http.StatusCreated,
		ExpectBody: assert.JSONObject{
			"api_key": assert.JSONObject{"id": 2, "name": "laptop", "created_at": 0},
			"key":     secondKey,
		},
	}.Check(t, s.Handler)

	// the listing shows only the hashes' metadata, never the keys themselves
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/keys",
		Header:       map[string]string{"Authorization": "Bearer " + aliceToken},
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"api_keys": []assert.JSONObject{
				{"id": 1, "name": "ci-pipeline", "created_at": 0, "expires_at": 30 * 24 * 3600},
				{"id": 2, "name": "laptop", "created_at": 0},
			},
		},
	}.Check(t, s.Handler)

	// the fresh key authenticates its owner
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/",
		Header:       map[string]string{"X-API-Key": secondKey},
		ExpectStatus: http.StatusOK,
	}.Check(t, s.Handler)

	// failure case: users only see and manage their own keys
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/keys",
		Header:       map[string]string{"Authorization": "Bearer " + s.TokenFor(t, bob)},
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.JSONObject{"api_keys": []assert.JSONObject{}},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/api/v1/keys/1",
		Header:       map[string]string{"Authorization": "Bearer " + s.TokenFor(t, bob)},
		ExpectStatus: http.StatusNotFound,
		ExpectBody:   assert.StringData("no such API key\n"),
	}.Check(t, s.Handler)

	// failure case: unparseable key ID
	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/api/v1/keys/banana",
		Header:       map[string]string{"Authorization": "Bearer " + aliceToken},
		ExpectStatus: http.StatusBadRequest,
		ExpectBody:   assert.StringData("invalid key ID\n"),
	}.Check(t, s.Handler)

	// success case: revocation takes effect immediately, even though the key
	// was cached as a valid credential above
	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/api/v1/keys/2",
		Header:       map[string]string{"Authorization": "Bearer " + aliceToken},
		ExpectStatus: http.StatusNoContent,
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/",
		Header:       map[string]string{"X-API-Key": secondKey},
		ExpectStatus: http.StatusUnauthorized,
	}.Check(t, s.Handler)

	// failure case: a key cannot be revoked twice
	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/api/v1/keys/2",
		Header:       map[string]string{"Authorization": "Bearer " + aliceToken},
		ExpectStatus: http.StatusNotFound,
		ExpectBody:   assert.StringData("no such API key\n"),
	}.Check(t, s.Handler)
}
