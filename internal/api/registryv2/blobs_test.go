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
	"github.com/wharfhub/wharf/internal/wharf"
)

func TestBlobMonolithicUpload(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("just some random data"))

	// failure case: digest is not even parseable
	assert.HTTPRequest{
		Method: "POST",
		Path:   "/v2/acme/app/blobs/uploads/?digest=wrong",
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Length": strconv.Itoa(len(blob.Contents)),
		},
		Body:         assert.ByteData(blob.Contents),
		ExpectStatus: http.StatusBadRequest,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrDigestInvalid),
	}.Check(t, s.Handler)

	// failure case: digest does not match the content
	assert.HTTPRequest{
		Method: "POST",
		Path:   "/v2/acme/app/blobs/uploads/?digest=" + test.NewBytes([]byte("something else")).Digest.String(),
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Length": strconv.Itoa(len(blob.Contents)),
		},
		Body:         assert.ByteData(blob.Contents),
		ExpectStatus: http.StatusBadRequest,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrDigestInvalid),
	}.Check(t, s.Handler)

	// failure case: no Content-Length
	assert.HTTPRequest{
		Method: "POST",
		Path:   "/v2/acme/app/blobs/uploads/?digest=" + blob.Digest.String(),
		Header: map[string]string{
			"Authorization": "Bearer " + s.AliceToken,
		},
		Body:         assert.ByteData(blob.Contents),
		ExpectStatus: http.StatusBadRequest,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrSizeInvalid),
	}.Check(t, s.Handler)

	// failure case: Content-Length does not match the content
	assert.HTTPRequest{
		Method: "POST",
		Path:   "/v2/acme/app/blobs/uploads/?digest=" + blob.Digest.String(),
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Length": strconv.Itoa(len(blob.Contents) + 10),
		},
		Body:         assert.ByteData(blob.Contents),
		ExpectStatus: http.StatusBadRequest,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrSizeInvalid),
	}.Check(t, s.Handler)

	// all failures above must have cleaned up the staged data
	if c := s.SD.UploadCount(); c != 0 {
		t.Errorf("expected all staged uploads to be aborted, but %d remain", c)
	}
	if c := s.SD.BlobCount(); c != 0 {
		t.Errorf("expected no blobs in storage, found %d", c)
	}

	// success case
	mustUploadBlob(t, s, s.AliceToken, "acme/app", blob)

	// uploading the same blob again is not an error (the client may be racing
	// another client pushing a shared base layer)
	mustUploadBlob(t, s, s.AliceToken, "acme/app", blob)

	if c := s.SD.BlobCount(); c != 1 {
		t.Errorf("expected exactly one blob in storage, found %d", c)
	}
	blobCountInDB, err := s.DB.SelectInt(`SELECT COUNT(*) FROM blobs`)
	if err != nil {
		t.Fatal(err.Error())
	}
	if blobCountInDB != 1 {
		t.Errorf("expected exactly one blob in DB, found %d", blobCountInDB)
	}
}

func TestBlobGetAndHead(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("some blob contents"))
	mustUploadBlob(t, s, s.AliceToken, "acme/app", blob)

	expectedHeaders := map[string]string{
		test.VersionHeaderKey:   test.VersionHeaderValue,
		"Docker-Content-Digest": blob.Digest.String(),
		"Content-Length":        strconv.Itoa(len(blob.Contents)),
		"Content-Type":          "application/octet-stream",
	}
	assert.HTTPRequest{
		Method:       "GET",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: expectedHeaders,
		ExpectBody:   assert.ByteData(blob.Contents),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "HEAD",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectHeader: expectedHeaders,
	}.Check(t, s.Handler)

	// failure case: unparseable digest
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/blobs/not-a-digest",
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusBadRequest,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrDigestInvalid),
	}.Check(t, s.Handler)

	// failure case: blob exists, but is not linked into this repository
	assert.HTTPRequest{
		Method:       "GET",
		Path:         fmt.Sprintf("/v2/acme/web/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNotFound,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrBlobUnknown),
	}.Check(t, s.Handler)

	// failure case: blob does not exist at all
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/blobs/" + test.NewBytes([]byte("never uploaded")).Digest.String(),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNotFound,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrBlobUnknown),
	}.Check(t, s.Handler)
}

func TestBlobDeleteIsUnsupported(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("some blob contents"))
	mustUploadBlob(t, s, s.AliceToken, "acme/app", blob)

	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusMethodNotAllowed,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrUnsupported),
	}.Check(t, s.Handler)
}

func TestCrossRepositoryBlobMount(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("shared base layer"))
	mustUploadBlob(t, s, s.AliceToken, "acme/app", blob)

	// failure case: source repository does not exist
	assert.HTTPRequest{
		Method:       "POST",
		Path:         fmt.Sprintf("/v2/acme/web/blobs/uploads/?from=acme/nope&mount=%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNotFound,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrNameUnknown),
	}.Check(t, s.Handler)

	// failure case: blob does not exist in the source repository
	assert.HTTPRequest{
		Method:       "POST",
		Path:         fmt.Sprintf("/v2/acme/web/blobs/uploads/?from=acme/app&mount=%s", test.NewBytes([]byte("other")).Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNotFound,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrBlobUnknown),
	}.Check(t, s.Handler)

	// success case
	assert.HTTPRequest{
		Method:       "POST",
		Path:         fmt.Sprintf("/v2/acme/web/blobs/uploads/?from=acme/app&mount=%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Location":            fmt.Sprintf("/v2/acme/web/blobs/%s", blob.Digest),
		},
	}.Check(t, s.Handler)

	// the mounted blob is now pullable from the target repository
	assert.HTTPRequest{
		Method:       "GET",
		Path:         fmt.Sprintf("/v2/acme/web/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.ByteData(blob.Contents),
	}.Check(t, s.Handler)

	// mounting must not have duplicated the blob row
	blobCountInDB, err := s.DB.SelectInt(`SELECT COUNT(*) FROM blobs`)
	if err != nil {
		t.Fatal(err.Error())
	}
	if blobCountInDB != 1 {
		t.Errorf("expected exactly one blob in DB, found %d", blobCountInDB)
	}

	// failure case: mounting requires pull access on the source repository
	bob := s.MustCreateUser(t, "bob", "b0b-password")
	bobOrg := s.MustCreateOrganization(t, "bobcorp", bob)
	s.MustCreateRepository(t, bobOrg, "target", models.VisibilityPrivate, bob)
	assert.HTTPRequest{
		Method:       "POST",
		Path:         fmt.Sprintf("/v2/bobcorp/target/blobs/uploads/?from=acme/app&mount=%s", blob.Digest),
		Header:       bearerOf(s.TokenFor(t, bob)),
		ExpectStatus: http.StatusForbidden,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrDenied),
	}.Check(t, s.Handler)
}
