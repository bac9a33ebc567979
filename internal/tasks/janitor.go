// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

// Package tasks contains the background jobs of the wharf-janitor process.
package tasks

import (
	"math/rand/v2"
	"time"

	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/storage"
	"github.com/wharfhub/wharf/internal/wharf"
)

// Janitor contains the toolbox of the wharf-janitor process.
type Janitor struct {
	cfg   wharf.Configuration
	db    *wharf.DB
	sd    storage.Driver
	cache *cache.Cache

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow   func() time.Time
	addJitter func(time.Duration) time.Duration
}

// NewJanitor creates a new Janitor.
func NewJanitor(cfg wharf.Configuration, db *wharf.DB, sd storage.Driver, c *cache.Cache) *Janitor {
	return &Janitor{cfg, db, sd, c, time.Now, addJitter}
}

// OverrideTimeNow replaces time.Now with a test double.
func (j *Janitor) OverrideTimeNow(timeNow func() time.Time) *Janitor {
	j.timeNow = timeNow
	return j
}

// DisableJitter replaces addJitter with a no-op for this Janitor.
func (j *Janitor) DisableJitter() {
	j.addJitter = func(d time.Duration) time.Duration { return d }
}

// addJitter returns a random duration within +/- 10% of the requested value.
// This can be used to even out the load of scheduled jobs over time.
func addJitter(duration time.Duration) time.Duration {
	//nolint:gosec // This is not crypto-relevant, so math/rand is okay.
	r := rand.Float64()*0.2 - 0.1
	return time.Duration(float64(duration) * (1 + r))
}
