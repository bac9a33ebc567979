// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package registryv2_test

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/wharfhub/wharf/internal/test"
	"github.com/wharfhub/wharf/internal/wharf"
)

// the first UUID that the deterministic UUID source hands out
const firstUploadUUID = "11111111-2222-3333-4444-000000000001"

func startBlobUpload(t *testing.T, s seededSetup, token, repoPath, uploadUUID string) {
	t.Helper()
	assert.HTTPRequest{
		Method:       "POST",
		Path:         fmt.Sprintf("/v2/%s/blobs/uploads/", repoPath),
		Header:       bearerOf(token),
		ExpectStatus: http.StatusAccepted,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Docker-Upload-UUID":  uploadUUID,
			"Location":            fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoPath, uploadUUID),
			"Range":               "0-0",
		},
	}.Check(t, s.Handler)
}

func sendUploadChunk(t *testing.T, s seededSetup, token, repoPath, uploadUUID string, offset int, chunk []byte) {
	t.Helper()
	assert.HTTPRequest{
		Method: "PATCH",
		Path:   fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoPath, uploadUUID),
		Header: map[string]string{
			"Authorization":  "Bearer " + token,
			"Content-Range":  fmt.Sprintf("%d-%d", offset, offset+len(chunk)-1),
			"Content-Length": strconv.Itoa(len(chunk)),
		},
		Body:         assert.ByteData(chunk),
		ExpectStatus: http.StatusAccepted,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Docker-Upload-UUID":  uploadUUID,
			"Location":            fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoPath, uploadUUID),
			"Range":               fmt.Sprintf("0-%d", offset+len(chunk)-1),
		},
	}.Check(t, s.Handler)
}

func TestBlobChunkedUpload(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("chunk 1 of 2,chunk 2 of 2"))
	chunk1, chunk2 := blob.Contents[:13], blob.Contents[13:]

	startBlobUpload(t, s, s.AliceToken, "acme/app", firstUploadUUID)
	sendUploadChunk(t, s, s.AliceToken, "acme/app", firstUploadUUID, 0, chunk1)

	// the status endpoint reports how far the upload has progressed
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/blobs/uploads/" + firstUploadUUID,
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNoContent,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Docker-Upload-UUID":  firstUploadUUID,
			"Range":               fmt.Sprintf("0-%d", len(chunk1)-1),
		},
	}.Check(t, s.Handler)

	// failure case: resuming at the wrong offset is rejected without
	// affecting the session
	assert.HTTPRequest{
		Method: "PATCH",
		Path:   "/v2/acme/app/blobs/uploads/" + firstUploadUUID,
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Range":  fmt.Sprintf("0-%d", len(chunk1)-1),
			"Content-Length": strconv.Itoa(len(chunk1)),
		},
		Body:         assert.ByteData(chunk1),
		ExpectStatus: http.StatusRequestedRangeNotSatisfiable,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Range":               fmt.Sprintf("0-%d", len(chunk1)-1),
		},
		ExpectBody: test.ErrorCodeWithMessage{Code: wharf.ErrBlobUploadInvalid, Message: "wrong offset"},
	}.Check(t, s.Handler)

	// the session is still resumable at the correct offset; this chunk uses
	// the `bytes=` prefix that some clients send
	assert.HTTPRequest{
		Method: "PATCH",
		Path:   "/v2/acme/app/blobs/uploads/" + firstUploadUUID,
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Range":  fmt.Sprintf("bytes=%d-%d", len(chunk1), len(blob.Contents)-1),
			"Content-Length": strconv.Itoa(len(chunk2)),
		},
		Body:         assert.ByteData(chunk2),
		ExpectStatus: http.StatusAccepted,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Range":               fmt.Sprintf("0-%d", len(blob.Contents)-1),
		},
	}.Check(t, s.Handler)

	// finalize with an empty PUT
	assert.HTTPRequest{
		Method:       "PUT",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/uploads/%s?digest=%s", firstUploadUUID, blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey:   test.VersionHeaderValue,
			"Docker-Content-Digest": blob.Digest.String(),
			"Location":              fmt.Sprintf("/v2/acme/app/blobs/%s", blob.Digest),
		},
	}.Check(t, s.Handler)

	// the session is gone, the blob is pullable
	uploadCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM uploads`)
	if err != nil {
		t.Fatal(err.Error())
	}
	if uploadCount != 0 {
		t.Errorf("expected upload session to be deleted, found %d sessions", uploadCount)
	}
	if c := s.SD.UploadCount(); c != 0 {
		t.Errorf("expected no staged uploads in storage, found %d", c)
	}
	assert.HTTPRequest{
		Method:       "GET",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.ByteData(blob.Contents),
	}.Check(t, s.Handler)
}

func TestBlobChunkedUploadWithFinalChunkInPut(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("first half;second half"))
	chunk1, chunk2 := blob.Contents[:11], blob.Contents[11:]

	startBlobUpload(t, s, s.AliceToken, "acme/app", firstUploadUUID)
	sendUploadChunk(t, s, s.AliceToken, "acme/app", firstUploadUUID, 0, chunk1)

	assert.HTTPRequest{
		Method: "PUT",
		Path:   fmt.Sprintf("/v2/acme/app/blobs/uploads/%s?digest=%s", firstUploadUUID, blob.Digest),
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Length": strconv.Itoa(len(chunk2)),
		},
		Body:         assert.ByteData(chunk2),
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey:   test.VersionHeaderValue,
			"Docker-Content-Digest": blob.Digest.String(),
		},
	}.Check(t, s.Handler)

	assert.HTTPRequest{
		Method:       "GET",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.ByteData(blob.Contents),
	}.Check(t, s.Handler)
}

func TestBlobChunkedUploadFailures(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("some contents"))

	// failure case: continuing/finalizing/querying an unknown session
	for _, method := range []string{"GET", "PATCH", "PUT", "DELETE"} {
		assert.HTTPRequest{
			Method:       method,
			Path:         "/v2/acme/app/blobs/uploads/definitely-not-a-session",
			Header:       bearerOf(s.AliceToken),
			ExpectStatus: http.StatusNotFound,
			ExpectHeader: test.VersionHeader,
			ExpectBody:   test.ErrorCode(wharf.ErrBlobUploadUnknown),
		}.Check(t, s.Handler)
	}

	// failure case: finalizing with a wrong digest cancels the session
	startBlobUpload(t, s, s.AliceToken, "acme/app", firstUploadUUID)
	sendUploadChunk(t, s, s.AliceToken, "acme/app", firstUploadUUID, 0, blob.Contents)
	assert.HTTPRequest{
		Method:       "PUT",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/uploads/%s?digest=%s", firstUploadUUID, test.NewBytes([]byte("other")).Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusBadRequest,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrDigestInvalid),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/blobs/uploads/" + firstUploadUUID,
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNotFound,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrBlobUploadUnknown),
	}.Check(t, s.Handler)
	if c := s.SD.UploadCount(); c != 0 {
		t.Errorf("expected staged upload to be aborted, found %d", c)
	}

	// failure case: a session that another writer is streaming into rejects
	// concurrent writes
	secondUploadUUID := "11111111-2222-3333-4444-000000000002"
	startBlobUpload(t, s, s.AliceToken, "acme/app", secondUploadUUID)
	_, err := s.DB.Exec(`UPDATE uploads SET in_flight = TRUE WHERE uuid = $1`, secondUploadUUID)
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.HTTPRequest{
		Method: "PATCH",
		Path:   "/v2/acme/app/blobs/uploads/" + secondUploadUUID,
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Range":  fmt.Sprintf("0-%d", len(blob.Contents)-1),
			"Content-Length": strconv.Itoa(len(blob.Contents)),
		},
		Body:         assert.ByteData(blob.Contents),
		ExpectStatus: http.StatusConflict,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrBlobUploadInvalid),
	}.Check(t, s.Handler)
}

func TestBlobChunkedUploadChunkFailureLeavesSessionResumable(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("good first chunk,good second chunk"))
	chunk1, chunk2 := blob.Contents[:16], blob.Contents[16:]

	startBlobUpload(t, s, s.AliceToken, "acme/app", firstUploadUUID)
	sendUploadChunk(t, s, s.AliceToken, "acme/app", firstUploadUUID, 0, chunk1)

	// failure case: the request body breaks off before the announced chunk
	// length is reached (this is what a client disconnect mid-chunk looks
	// like to the handler)
	assert.HTTPRequest{
		Method: "PATCH",
		Path:   "/v2/acme/app/blobs/uploads/" + firstUploadUUID,
		Header: map[string]string{
			"Authorization":  "Bearer " + s.AliceToken,
			"Content-Range":  fmt.Sprintf("%d-%d", len(chunk1), len(chunk1)+19),
			"Content-Length": "20",
		},
		Body:         assert.ByteData([]byte("too short")),
		ExpectStatus: http.StatusBadRequest,
		ExpectHeader: test.VersionHeader,
		ExpectBody:   test.ErrorCode(wharf.ErrSizeInvalid),
	}.Check(t, s.Handler)

	// the session survives at its previous offset, with the first chunk still
	// staged in storage
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v2/acme/app/blobs/uploads/" + firstUploadUUID,
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNoContent,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey: test.VersionHeaderValue,
			"Docker-Upload-UUID":  firstUploadUUID,
			"Range":               fmt.Sprintf("0-%d", len(chunk1)-1),
		},
	}.Check(t, s.Handler)
	if c := s.SD.UploadCount(); c != 1 {
		t.Errorf("expected the staged upload to survive the failed chunk, found %d staged uploads", c)
	}

	// the session accepts the retried chunk and finalizes into an intact blob;
	// this would fail if the broken chunk had not been discarded from storage
	sendUploadChunk(t, s, s.AliceToken, "acme/app", firstUploadUUID, len(chunk1), chunk2)
	assert.HTTPRequest{
		Method:       "PUT",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/uploads/%s?digest=%s", firstUploadUUID, blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{
			test.VersionHeaderKey:   test.VersionHeaderValue,
			"Docker-Content-Digest": blob.Digest.String(),
		},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         fmt.Sprintf("/v2/acme/app/blobs/%s", blob.Digest),
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.ByteData(blob.Contents),
	}.Check(t, s.Handler)
}

func TestBlobUploadCancel(t *testing.T) {
	s := seedStandard(t, nil)
	blob := test.NewBytes([]byte("soon to be discarded"))

	startBlobUpload(t, s, s.AliceToken, "acme/app", firstUploadUUID)
	sendUploadChunk(t, s, s.AliceToken, "acme/app", firstUploadUUID, 0, blob.Contents)

	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/v2/acme/app/blobs/uploads/" + firstUploadUUID,
		Header:       bearerOf(s.AliceToken),
		ExpectStatus: http.StatusNoContent,
		ExpectHeader: test.VersionHeader,
	}.Check(t, s.Handler)

	uploadCount, err := s.DB.SelectInt(`SELECT COUNT(*) FROM uploads`)
	if err != nil {
		t.Fatal(err.Error())
	}
	if uploadCount != 0 {
		t.Errorf("expected upload session to be deleted, found %d sessions", uploadCount)
	}
	if c := s.SD.UploadCount(); c != 0 {
		t.Errorf("expected staged upload to be aborted, found %d", c)
	}
}
