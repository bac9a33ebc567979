// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package api contains metrics shared by all HTTP API packages.
package api

import "github.com/prometheus/client_golang/prometheus"

var (
	// BlobsPulledCounter is a prometheus.CounterVec.
	BlobsPulledCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_pulled_blobs",
			Help: "Counter for blobs pulled from the registry.",
		},
		[]string{"organization"},
	)
	// BlobsPushedCounter is a prometheus.CounterVec.
	BlobsPushedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_pushed_blobs",
			Help: "Counter for blobs pushed into the registry.",
		},
		[]string{"organization"},
	)
	// ManifestsPulledCounter is a prometheus.CounterVec.
	ManifestsPulledCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_pulled_manifests",
			Help: "Counter for manifests pulled from the registry.",
		},
		[]string{"organization"},
	)
	// ManifestsPushedCounter is a prometheus.CounterVec.
	ManifestsPushedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_pushed_manifests",
			Help: "Counter for manifests pushed into the registry.",
		},
		[]string{"organization"},
	)
	// UploadsAbortedCounter is a prometheus.CounterVec.
	UploadsAbortedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_aborted_uploads",
			Help: "Counter for blob uploads that were aborted before completion.",
		},
		[]string{"organization"},
	)
)

func init() {
	prometheus.MustRegister(BlobsPulledCounter)
	prometheus.MustRegister(BlobsPushedCounter)
	prometheus.MustRegister(ManifestsPulledCounter)
	prometheus.MustRegister(ManifestsPushedCounter)
	prometheus.MustRegister(UploadsAbortedCounter)
}
