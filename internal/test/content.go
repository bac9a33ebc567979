// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"encoding/json"
	"fmt"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
)

// Bytes groups a bytestring with its digest.
type Bytes struct {
	Contents  []byte
	Digest    digest.Digest
	MediaType string
}

// NewBytes makes a new Bytes instance.
func NewBytes(contents []byte) Bytes {
	return newBytesWithMediaType(contents, "application/octet-stream")
}

func newBytesWithMediaType(contents []byte, mediaType string) Bytes {
	return Bytes{contents, digest.Canonical.FromBytes(contents), mediaType}
}

// GenerateImageManifest renders a minimal schema2 manifest that references
// the given config and layer blobs. The returned Bytes carry the exact byte
// representation whose digest the registry must compute.
func GenerateImageManifest(config Bytes, layers ...Bytes) Bytes {
	m := schema2.Manifest{
		Versioned: schema2.SchemaVersion,
		Config: distribution.Descriptor{
			MediaType: schema2.MediaTypeImageConfig,
			Size:      int64(len(config.Contents)),
			Digest:    config.Digest,
		},
	}
	for _, layer := range layers {
		m.Layers = append(m.Layers, distribution.Descriptor{
			MediaType: schema2.MediaTypeLayer,
			Size:      int64(len(layer.Contents)),
			Digest:    layer.Digest,
		})
	}
	buf, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("cannot marshal test manifest: %s", err.Error()))
	}
	return newBytesWithMediaType(buf, schema2.MediaTypeManifest)
}
