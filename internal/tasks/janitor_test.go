// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"testing"
	"time"
)

func TestAddJitter(t *testing.T) {
	for range 100 {
		d := addJitter(time.Minute)
		if d < 54*time.Second || d > 66*time.Second {
			t.Fatalf("jittered duration out of bounds: %s", d)
		}
	}
}
