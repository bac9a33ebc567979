// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// NameComponentRx matches one path component of a repository name, i.e.
// either the organization name or the repository's own name.
var NameComponentRx = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

// RepoPathRx matches a full repository path as it appears in registry API
// URLs, i.e. "<organization>/<repository>" with exactly one slash.
var RepoPathRx = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*/[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

// TagNameRx matches valid tag names as defined by the Distribution API.
var TagNameRx = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// IsRepoPath returns whether the given string is a well-formed repository
// path, including the length limit on the full path.
func IsRepoPath(path string) bool {
	return len(path) <= 256 && RepoPathRx.MatchString(path)
}

// SplitRepoPath splits a repository path into its organization name and
// repository name. Returns ok == false if the path is not well-formed.
func SplitRepoPath(path string) (orgName, repoName string, ok bool) {
	if !IsRepoPath(path) {
		return "", "", false
	}
	orgName, repoName, _ = strings.Cut(path, "/")
	return orgName, repoName, true
}

// ManifestReference is a manifest reference as encountered in registry API
// URLs. It is either a tag or a digest (exactly one of the fields is set).
type ManifestReference struct {
	Tag    string
	Digest digest.Digest
}

// ParseManifestReference parses the "<reference>" path component of a
// manifests URL.
func ParseManifestReference(reference string) ManifestReference {
	parsedDigest, err := digest.Parse(reference)
	if err == nil {
		return ManifestReference{Digest: parsedDigest}
	}
	return ManifestReference{Tag: reference}
}

// IsTag returns whether this reference is a tag.
func (r ManifestReference) IsTag() bool {
	return r.Tag != ""
}

// IsDigest returns whether this reference is a digest.
func (r ManifestReference) IsDigest() bool {
	return r.Digest != ""
}

// String returns the original string representation of this reference.
func (r ManifestReference) String() string {
	if r.IsTag() {
		return r.Tag
	}
	return r.Digest.String()
}
