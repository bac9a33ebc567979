// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2_test

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/test"
)

// seededSetup is test.NewSetup plus the standard fixtures that most tests in
// this package start from: a user "alice" owning the organization "acme"
// with one private repository "acme/app" and one public one "acme/web".
type seededSetup struct {
	test.Setup
	Alice       models.User
	Acme        models.Organization
	PrivateRepo models.Repository
	PublicRepo  models.Repository
	AliceToken  string
}

func seedStandard(t *testing.T, optsPtr *test.SetupOptions) seededSetup {
	t.Helper()
	s := test.NewSetup(t, optsPtr)
	alice := s.MustCreateUser(t, "alice", "al1ce-password")
	acme := s.MustCreateOrganization(t, "acme", alice)
	return seededSetup{
		Setup:       s,
		Alice:       alice,
		Acme:        acme,
		PrivateRepo: s.MustCreateRepository(t, acme, "app", models.VisibilityPrivate, alice),
		PublicRepo:  s.MustCreateRepository(t, acme, "web", models.VisibilityPublic, alice),
		AliceToken:  s.TokenFor(t, alice),
	}
}

func bearerOf(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// testChallenge is the Www-Authenticate header that anonymous callers get on
// protected endpoints, given the API public URL used by test.NewSetup().
const testChallenge = `Bearer realm="https://registry.example.org/api/v1/auth/token"`

// mustUploadBlob pushes the given blob through the monolithic upload endpoint.
func mustUploadBlob(t *testing.T, s seededSetup, token, repoPath string, blob test.Bytes) {
	t.Helper()
	assert.HTTPRequest{
		Method: "POST",
		Path:   fmt.Sprintf("/v2/%s/blobs/uploads/?digest=%s", repoPath, blob.Digest),
		Header: map[string]string{
			"Authorization":  "Bearer " + token,
			"Content-Length": strconv.Itoa(len(blob.Contents)),
			"Content-Type":   "application/octet-stream",
		},
		Body:         assert.ByteData(blob.Contents),
		ExpectStatus: http.StatusCreated,
		ExpectHeader: test.VersionHeader,
	}.Check(t, s.Handler)
}

// mustUploadManifest pushes the given manifest under the given reference.
func mustUploadManifest(t *testing.T, s seededSetup, token, repoPath string, manifest test.Bytes, reference string) {
	t.Helper()
	assert.HTTPRequest{
		Method: "PUT",
		Path:   fmt.Sprintf("/v2/%s/manifests/%s", repoPath, reference),
		Header: map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  manifest.MediaType,
		},
		Body:         assert.ByteData(manifest.Contents),
		ExpectStatus: http.StatusCreated,
		ExpectHeader: test.VersionHeader,
	}.Check(t, s.Handler)
}
