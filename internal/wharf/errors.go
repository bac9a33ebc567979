// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package wharf

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sapcc/go-bits/logg"
)

// RegistryV2ErrorCode is the closed set of error codes that can appear in type
// RegistryV2Error.
type RegistryV2ErrorCode string

// Possible values for RegistryV2ErrorCode.
const (
	ErrBlobUnknown             RegistryV2ErrorCode = "BLOB_UNKNOWN"
	ErrBlobUploadInvalid       RegistryV2ErrorCode = "BLOB_UPLOAD_INVALID"
	ErrBlobUploadUnknown       RegistryV2ErrorCode = "BLOB_UPLOAD_UNKNOWN"
	ErrDigestInvalid           RegistryV2ErrorCode = "DIGEST_INVALID"
	ErrManifestBlobUnknown     RegistryV2ErrorCode = "MANIFEST_BLOB_UNKNOWN"
	ErrManifestInvalid         RegistryV2ErrorCode = "MANIFEST_INVALID"
	ErrManifestUnknown         RegistryV2ErrorCode = "MANIFEST_UNKNOWN"
	ErrNameInvalid             RegistryV2ErrorCode = "NAME_INVALID"
	ErrNameUnknown             RegistryV2ErrorCode = "NAME_UNKNOWN"
	ErrPaginationNumberInvalid RegistryV2ErrorCode = "PAGINATION_NUMBER_INVALID"
	ErrSizeInvalid             RegistryV2ErrorCode = "SIZE_INVALID"
	ErrTagInvalid              RegistryV2ErrorCode = "TAG_INVALID"
	ErrTooManyRequests         RegistryV2ErrorCode = "TOOMANYREQUESTS"
	ErrUnauthorized            RegistryV2ErrorCode = "UNAUTHORIZED"
	ErrDenied                  RegistryV2ErrorCode = "DENIED"
	ErrUnsupported             RegistryV2ErrorCode = "UNSUPPORTED"
	ErrUnavailable             RegistryV2ErrorCode = "UNAVAILABLE"
	ErrUnknown                 RegistryV2ErrorCode = "UNKNOWN"
)

// With is a convenience function for constructing type RegistryV2Error.
func (c RegistryV2ErrorCode) With(msg string, args ...any) *RegistryV2Error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &RegistryV2Error{
		Code:    c,
		Message: msg,
	}
}

var apiErrorMessages = map[RegistryV2ErrorCode]string{
	ErrBlobUnknown:             "blob unknown to registry",
	ErrBlobUploadInvalid:       "blob upload invalid",
	ErrBlobUploadUnknown:       "blob upload unknown to registry",
	ErrDigestInvalid:           "provided digest did not match uploaded content",
	ErrManifestBlobUnknown:     "manifest references a blob unknown to registry",
	ErrManifestInvalid:         "manifest invalid",
	ErrManifestUnknown:         "manifest unknown",
	ErrNameInvalid:             "invalid repository name",
	ErrNameUnknown:             "repository name not known to registry",
	ErrPaginationNumberInvalid: "invalid number of results requested",
	ErrSizeInvalid:             "provided length did not match content length",
	ErrTagInvalid:              "manifest tag did not match URI",
	ErrTooManyRequests:         "too many requests",
	ErrUnauthorized:            "authentication required",
	ErrDenied:                  "requested access to the resource is denied",
	ErrUnsupported:             "the operation is unsupported",
	ErrUnavailable:             "registry temporarily unavailable",
	ErrUnknown:                 "unknown error",
}

var apiErrorStatusCodes = map[RegistryV2ErrorCode]int{
	ErrBlobUnknown:             http.StatusNotFound,
	ErrBlobUploadInvalid:       http.StatusBadRequest,
	ErrBlobUploadUnknown:       http.StatusNotFound,
	ErrDigestInvalid:           http.StatusBadRequest,
	ErrManifestBlobUnknown:     http.StatusBadRequest,
	ErrManifestInvalid:         http.StatusBadRequest,
	ErrManifestUnknown:         http.StatusNotFound,
	ErrNameInvalid:             http.StatusBadRequest,
	ErrNameUnknown:             http.StatusNotFound,
	ErrPaginationNumberInvalid: http.StatusBadRequest,
	ErrSizeInvalid:             http.StatusBadRequest,
	ErrTagInvalid:              http.StatusBadRequest,
	ErrTooManyRequests:         http.StatusTooManyRequests,
	ErrUnauthorized:            http.StatusUnauthorized,
	ErrDenied:                  http.StatusForbidden,
	ErrUnsupported:             http.StatusUnsupportedMediaType,
	ErrUnavailable:             http.StatusServiceUnavailable,
	ErrUnknown:                 http.StatusInternalServerError,
}

// RegistryV2Error is the error type expected by clients of the Distribution
// v2 API.
type RegistryV2Error struct {
	Code    RegistryV2ErrorCode
	Message string         // optional, defaults to the code's standard message
	Detail  any            // optional, rendered into the "detail" field
	Status  int            // optional, overrides the code's standard HTTP status
	Headers http.Header    // optional, e.g. Retry-After or WWW-Authenticate
}

// AsRegistryV2Error casts `err` into our error type if possible, and wraps it
// in ErrUnknown otherwise.
func AsRegistryV2Error(err error) *RegistryV2Error {
	var rerr *RegistryV2Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return ErrUnknown.With(err.Error())
}

// WithDetail adds a detail payload to this error.
func (e *RegistryV2Error) WithDetail(detail any) *RegistryV2Error {
	e.Detail = detail
	return e
}

// WithStatus overrides the HTTP status code that this error is rendered with.
func (e *RegistryV2Error) WithStatus(status int) *RegistryV2Error {
	e.Status = status
	return e
}

// WithHeader adds a response header to be set when this error is rendered.
func (e *RegistryV2Error) WithHeader(key, value string) *RegistryV2Error {
	if e.Headers == nil {
		e.Headers = make(http.Header)
	}
	e.Headers.Set(key, value)
	return e
}

// MarshalJSON implements the json.Marshaler interface.
func (e *RegistryV2Error) MarshalJSON() ([]byte, error) {
	msg := e.Message
	if msg == "" {
		msg = apiErrorMessages[e.Code]
	}
	return json.Marshal(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  any    `json:"detail,omitempty"`
	}{
		Code:    string(e.Code),
		Message: msg,
		Detail:  e.Detail,
	})
}

// HTTPStatus returns the HTTP status code that this error is rendered with.
func (e *RegistryV2Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return apiErrorStatusCodes[e.Code]
}

// WriteAsRegistryV2ResponseTo reports this error in the format defined by the
// Distribution v2 API.
func (e *RegistryV2Error) WriteAsRegistryV2ResponseTo(w http.ResponseWriter) {
	for key, values := range e.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	status := e.HTTPStatus()
	if status >= 500 {
		logg.Error("returning %d because of internal error: %s", status, e.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	buf, _ := json.Marshal(struct {
		Errors []*RegistryV2Error `json:"errors"`
	}{
		Errors: []*RegistryV2Error{e},
	})
	w.Header().Set("Content-Length", fmt.Sprint(len(buf)+1))
	w.WriteHeader(status)
	w.Write(append(buf, '\n'))
}

// WriteAsTextTo reports this error in a plain text format, for APIs that do
// not use the Distribution v2 error envelope.
func (e *RegistryV2Error) WriteAsTextTo(w http.ResponseWriter) {
	for key, values := range e.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	http.Error(w, e.Error(), e.HTTPStatus())
}

// Error implements the builtin/error interface.
func (e *RegistryV2Error) Error() string {
	text := apiErrorMessages[e.Code]
	if e.Message != "" {
		text += ": " + e.Message
	}
	return text
}
