// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	hitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_cache_hits",
			Help: "Counter for cache reads answered from a cache tier.",
		},
		[]string{"namespace", "tier"},
	)
	missCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_cache_misses",
			Help: "Counter for cache reads that fell through to the database.",
		},
		[]string{"namespace"},
	)
	evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wharf_cache_evictions",
			Help: "Counter for entries evicted from the in-process cache tier.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(hitCounter)
	prometheus.MustRegister(missCounter)
	prometheus.MustRegister(evictionCounter)
}
