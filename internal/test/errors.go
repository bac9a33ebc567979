// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wharfhub/wharf/internal/wharf"
)

// ErrorCode wraps wharf.RegistryV2ErrorCode with an implementation of the
// assert.HTTPResponseBody interface.
type ErrorCode wharf.RegistryV2ErrorCode

// AssertResponseBody implements the assert.HTTPResponseBody interface.
func (e ErrorCode) AssertResponseBody(t *testing.T, requestInfo string, responseBody []byte) bool {
	t.Helper()
	wrapped := ErrorCodeWithMessage{wharf.RegistryV2ErrorCode(e), ""}
	return wrapped.AssertResponseBody(t, requestInfo, responseBody)
}

// ErrorCodeWithMessage extends ErrorCode with an expected error message.
type ErrorCodeWithMessage struct {
	Code    wharf.RegistryV2ErrorCode
	Message string
}

// AssertResponseBody implements the assert.HTTPResponseBody interface.
func (e ErrorCodeWithMessage) AssertResponseBody(t *testing.T, requestInfo string, responseBody []byte) bool {
	t.Helper()
	var data struct {
		Errors []struct {
			Code    wharf.RegistryV2ErrorCode `json:"code"`
			Message string                    `json:"message"`
		} `json:"errors"`
	}
	err := json.Unmarshal(responseBody, &data)
	if err != nil {
		t.Errorf("%s: cannot decode JSON: %s", requestInfo, err.Error())
		t.Logf("\tresponse body = %q", string(responseBody))
		return false
	}

	if len(data.Errors) != 1 {
		t.Errorf("%s: expected exactly one error, got %d", requestInfo, len(data.Errors))
		t.Logf("\tresponse body = %q", string(responseBody))
		return false
	}
	ok := true
	if data.Errors[0].Code != e.Code {
		t.Errorf("%s: expected error code %s, got %s", requestInfo, e.Code, data.Errors[0].Code)
		ok = false
	}
	if e.Message != "" && !strings.Contains(data.Errors[0].Message, e.Message) {
		t.Errorf("%s: expected error message containing %q, got %q", requestInfo, e.Message, data.Errors[0].Message)
		ok = false
	}
	return ok
}
