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

// Package timeseries holds the sample and series containers shared by the
// fetchers, the corridor engine and the response formatter. Series identity
// is the canonical labels JSON, never the Go map.
package timeseries

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/prometheus/prometheus/model/labels"
)

// Sample is a single point of a series. T is unix seconds.
type Sample struct {
	T int64
	V float64
}

// LabeledSample is a raw point as returned by an upstream fetch, before
// grouping assigns it to a series.
type LabeledSample struct {
	T      int64
	V      float64
	Labels map[string]string
}

// Series is an ordered sequence of samples under one label set.
// LabelsJSON is the canonical form of Labels; two series are the same
// series iff their LabelsJSON are byte-equal.
type Series struct {
	LabelsJSON string
	Labels     map[string]string
	Points     []Sample
}

// CanonicalLabelsJSON renders a label set as deterministic JSON: keys sorted
// lexically, empty values stripped. The result is stable under repeated
// application, so it can be stored verbatim as a cache key.
func CanonicalLabelsJSON(lset map[string]string) string {
	if len(lset) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(lset))
	for k, v := range lset {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(lset[k])
		buf = append(buf, kj...)
		buf = append(buf, ':')
		buf = append(buf, vj...)
	}
	buf = append(buf, '}')
	return string(buf)
}

// ParseLabelsJSON decodes a canonical labels JSON back into a map. Label-set
// members must be scalar strings; arrays and objects are rejected.
func ParseLabelsJSON(s string) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("parse labels JSON: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			// Nulls are stripped on canonicalisation.
		default:
			return nil, fmt.Errorf("label %q: non-string value %T", k, v)
		}
	}
	return out, nil
}

// FromPromLabels converts a Prometheus label set into the map form used by
// grouping. Empty values are dropped, matching labels.Labels semantics.
func FromPromLabels(lset labels.Labels) map[string]string {
	m := make(map[string]string, lset.Len())
	lset.Range(func(l labels.Label) {
		if l.Value == "" {
			return
		}
		m[l.Name] = l.Value
	})
	return m
}

// Fingerprint identifies one (query, series) pair across all cache tables.
func Fingerprint(query, labelsJSON string) string {
	sum := md5.Sum([]byte(query + labelsJSON))
	return hex.EncodeToString(sum[:])
}

// Group buckets raw points into series keyed by canonical labels JSON.
// Points within a series come out sorted by time; a duplicate (labels, time)
// pair collapses to the later value. An empty input yields an empty map.
func Group(flat []LabeledSample) map[string]*Series {
	out := make(map[string]*Series)
	for _, p := range flat {
		key := CanonicalLabelsJSON(p.Labels)
		s, ok := out[key]
		if !ok {
			lcopy := make(map[string]string, len(p.Labels))
			for k, v := range p.Labels {
				if v != "" {
					lcopy[k] = v
				}
			}
			s = &Series{LabelsJSON: key, Labels: lcopy}
			out[key] = s
		}
		s.Points = append(s.Points, Sample{T: p.T, V: p.V})
	}
	for _, s := range out {
		sort.SliceStable(s.Points, func(i, j int) bool { return s.Points[i].T < s.Points[j].T })
		s.Points = dedupeKeepLast(s.Points)
	}
	return out
}

// dedupeKeepLast collapses equal timestamps to the last occurrence.
// Input must be sorted by time.
func dedupeKeepLast(pts []Sample) []Sample {
	if len(pts) < 2 {
		return pts
	}
	out := pts[:0]
	for i := 0; i < len(pts); i++ {
		if i+1 < len(pts) && pts[i+1].T == pts[i].T {
			continue
		}
		out = append(out, pts[i])
	}
	return out
}

// Times returns the timestamps of the series in order.
func (s *Series) Times() []int64 {
	ts := make([]int64, len(s.Points))
	for i, p := range s.Points {
		ts[i] = p.T
	}
	return ts
}

// Values returns the sample values of the series in order.
func (s *Series) Values() []float64 {
	vs := make([]float64, len(s.Points))
	for i, p := range s.Points {
		vs[i] = p.V
	}
	return vs
}

// WithLabel returns a copy of the series labels with one label replaced.
// The canonical JSON is recomputed.
func (s *Series) WithLabel(name, value string) (string, map[string]string) {
	m := make(map[string]string, len(s.Labels)+1)
	for k, v := range s.Labels {
		m[k] = v
	}
	m[name] = value
	return CanonicalLabelsJSON(m), m
}
