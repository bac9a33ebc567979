// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package tasks_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/tasks"
	"github.com/wharfhub/wharf/internal/test"
)

func TestCacheVacuumJob(t *testing.T) {
	s := test.NewSetup(t, nil)
	janitor := tasks.NewJanitor(s.Config, s.DB, s.SD, s.Cache).OverrideTimeNow(s.Clock.Now)
	janitor.DisableJitter()
	job := janitor.CacheVacuumJob(prometheus.NewPedanticRegistry())

	s.Cache.Set(t.Context(), cache.NamespaceTags, "1", []byte(`["latest"]`))
	s.Clock.StepBy(10 * time.Minute)

	err := job.ProcessOne(t.Context())
	if err != nil {
		t.Errorf("expected vacuum run to succeed, got %v", err)
	}
	if _, ok := s.Cache.Get(t.Context(), cache.NamespaceTags, "1"); ok {
		t.Error("expected expired entry to be gone after vacuum")
	}
}
