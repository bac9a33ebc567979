// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
)

// CacheVacuumJob periodically drops expired entries from the in-memory cache
// tier. (Redis expires its keys on its own.) Without this, entries of rarely
// read namespaces would only leave memory through capacity eviction.
func (j *Janitor) CacheVacuumJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: "cache vacuum",
			CounterOpts: prometheus.CounterOpts{
				Name: "wharf_cache_vacuums",
				Help: "Counter for vacuum runs on the in-memory cache tier.",
			},
		},
		Interval: j.addJitter(1 * time.Minute),
		Task: func(_ context.Context, _ prometheus.Labels) error {
			j.cache.Vacuum()
			return nil
		},
	}).Setup(registerer)
}
