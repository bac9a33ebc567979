// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package wharf

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateStorageID returns a random ID for use in object store keys of
// upload sessions. Storage IDs are unrelated to the blob's eventual digest
// since the digest is unknown while the upload is in progress.
func GenerateStorageID() string {
	buf := make([]byte, 16)
	_, err := rand.Read(buf)
	if err != nil {
		// the kernel RNG not being available is not a recoverable condition
		panic(err.Error())
	}
	return hex.EncodeToString(buf)
}
