// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// APIKeyPrefix marks plaintext API keys. The prefix lets the Basic auth path
// distinguish an API key in the password slot from an actual password
// without a database roundtrip.
const APIKeyPrefix = "ak_"

// GenerateAPIKey returns a new plaintext API key. The plaintext is shown to
// the user exactly once; only its hash is stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	_, err := rand.Read(buf)
	if err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey computes the stored form of an API key. SHA-256 suffices here
// since keys are high-entropy random strings, not user-chosen passwords.
func HashAPIKey(plaintextKey string) string {
	sum := sha256.Sum256([]byte(plaintextKey))
	return hex.EncodeToString(sum[:])
}

// LooksLikeAPIKey returns whether a credential string carries the API key
// prefix.
func LooksLikeAPIKey(credential string) bool {
	return strings.HasPrefix(credential, APIKeyPrefix)
}
