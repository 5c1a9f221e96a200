// Copyright 2025 The Corridor Gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gateway's self-telemetry counters. AutotuneRuns is the
// observable that proves the permanent memo short-circuits the tuner.
type Metrics struct {
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	Rebuilds     prometheus.Counter
	AutotuneRuns prometheus.Counter
	Placeholders prometheus.Counter
	SeriesErrors prometheus.Counter
}

// NewMetrics builds and registers the pipeline counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corridor_cache_hits_total",
			Help: "Corridor payloads served from the cache without a rebuild.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corridor_cache_misses_total",
			Help: "Corridor lookups that required a rebuild.",
		}),
		Rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corridor_rebuilds_total",
			Help: "Corridor payloads fitted and persisted.",
		}),
		AutotuneRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corridor_autotune_runs_total",
			Help: "Dominant-period searches actually executed (L1 misses).",
		}),
		Placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corridor_placeholder_series_total",
			Help: "Series answered with a placeholder row for lack of history.",
		}),
		SeriesErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corridor_series_errors_total",
			Help: "Series dropped from a response due to per-series failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.Rebuilds, m.AutotuneRuns, m.Placeholders, m.SeriesErrors)
	}
	return m
}
