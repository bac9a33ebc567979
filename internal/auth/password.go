// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth contains authentication (who is calling) and authorization
// (what they may do) for both the registry API and the account API.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Argon2id parameters for newly created hashes, following the RFC 9106
// second recommendation (64 MiB memory, 3 passes).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword derives an Argon2id hash in PHC string format from the given
// plaintext password.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	_, err := rand.Read(salt)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword checks a plaintext password against a stored hash. Both
// Argon2id PHC strings and legacy bcrypt hashes are accepted; new hashes are
// always Argon2id.
func VerifyPassword(password, storedHash string) bool {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return verifyArgon2id(password, storedHash)
	case strings.HasPrefix(storedHash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
	default:
		return false
	}
}

func verifyArgon2id(password, phcString string) bool {
	params, salt, expectedKey, err := parseArgon2idPHC(phcString)
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(expectedKey))) //nolint:gosec // key length fits in uint32 by construction
	return subtle.ConstantTimeCompare(key, expectedKey) == 1
}

type argon2idParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

func parseArgon2idPHC(phcString string) (argon2idParams, []byte, []byte, error) {
	fields := strings.Split(phcString, "$")
	// e.g. ["", "argon2id", "v=19", "m=65536,t=3,p=4", "<salt>", "<hash>"]
	if len(fields) != 6 || fields[1] != "argon2id" {
		return argon2idParams{}, nil, nil, errors.New("not an argon2id PHC string")
	}

	var version int
	_, err := fmt.Sscanf(fields[2], "v=%d", &version)
	if err != nil || version != argon2.Version {
		return argon2idParams{}, nil, nil, errors.New("unsupported argon2 version")
	}

	var params argon2idParams
	_, err = fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads)
	if err != nil {
		return argon2idParams{}, nil, nil, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return argon2idParams{}, nil, nil, err
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return argon2idParams{}, nil, nil, err
	}
	return params, salt, key, nil
}
