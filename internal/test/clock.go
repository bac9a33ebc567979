// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"time"

	"github.com/alicebob/miniredis/v2"
)

// Clock is a deterministic clock for unit tests. It starts at the Unix epoch
// and only advances when Step() is called.
type Clock struct {
	currentTime int64
	MiniRedis   *miniredis.Miniredis
}

// Now reads the clock.
func (c *Clock) Now() time.Time {
	return time.Unix(c.currentTime, 0).UTC()
}

// Step advances the clock by one second.
func (c *Clock) Step() {
	c.StepBy(1 * time.Second)
}

// StepBy advances the clock by the given duration.
func (c *Clock) StepBy(d time.Duration) {
	c.currentTime += int64(d / time.Second)
	if c.MiniRedis != nil {
		c.MiniRedis.SetTime(c.Now())
	}
}
