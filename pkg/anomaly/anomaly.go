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

// Package anomaly counts corridor exceedances, compresses their history
// into fixed twelve-slot percentile records and scores how concerning the
// current window is against that baseline.
package anomaly

import (
	"math"
	"sort"
)

// Direction of an exceedance relative to the corridor.
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// HistorySlots is the fixed length of compressed duration and size arrays.
const HistorySlots = 12

// widthEps floors the corridor width when normalising exceedance sizes.
const widthEps = 1e-9

// DirectionStats are the per-direction exceedance statistics of one window.
type DirectionStats struct {
	Direction          string    `json:"direction"`
	TimeOutsidePercent float64   `json:"time_outside_percent"`
	AnomalyCount       int       `json:"anomaly_count"`
	Durations          []float64 `json:"durations"`
	Sizes              []float64 `json:"sizes"`
}

// Stats bundles both directions plus the combined view.
type Stats struct {
	Above    DirectionStats `json:"above"`
	Below    DirectionStats `json:"below"`
	Combined CombinedStats  `json:"combined"`
}

// CombinedStats averages the directional outside-time and sums the counts.
type CombinedStats struct {
	TimeOutsidePercent float64 `json:"time_outside_percent"`
	AnomalyCount       int     `json:"anomaly_count"`
}

// CompressedStats is the fixed-size historical record persisted with a
// corridor payload, one per direction.
type CompressedStats struct {
	Direction          string               `json:"direction"`
	TimeOutsidePercent float64              `json:"time_outside_percent"`
	AnomalyCount       int                  `json:"anomaly_count"`
	Durations          [HistorySlots]float64 `json:"durations"`
	Sizes              [HistorySlots]float64 `json:"sizes"`
}

// Detect classifies every grid point against the corridor and groups
// exceedances into segments. points, upper and lower are aligned by index
// on a grid of the given step (seconds); times carries the grid
// timestamps.
func Detect(points, upper, lower []float64, times []int64, step int64) Stats {
	n := len(points)
	if len(upper) < n {
		n = len(upper)
	}
	if len(lower) < n {
		n = len(lower)
	}
	if len(times) < n {
		n = len(times)
	}

	above := collector{direction: DirectionAbove}
	below := collector{direction: DirectionBelow}
	for i := 0; i < n; i++ {
		width := upper[i] - lower[i]
		if width < widthEps {
			width = widthEps
		}
		switch {
		case points[i] > upper[i]:
			above.add(times[i], (points[i]-upper[i])/width, step)
		case points[i] < lower[i]:
			below.add(times[i], (lower[i]-points[i])/width, step)
		}
	}

	totalDuration := float64(n) * float64(step)
	sa := above.finish(step, totalDuration)
	sb := below.finish(step, totalDuration)
	return Stats{
		Above: sa,
		Below: sb,
		Combined: CombinedStats{
			TimeOutsidePercent: round2((sa.TimeOutsidePercent + sb.TimeOutsidePercent) / 2),
			AnomalyCount:       sa.AnomalyCount + sb.AnomalyCount,
		},
	}
}

// collector accumulates exceedances of one direction in time order.
type collector struct {
	direction string
	totalTime float64
	sizes     []float64
	segments  []float64
	segStart  int64
	segLast   int64
	inSeg     bool
}

func (c *collector) add(t int64, size float64, step int64) {
	c.totalTime += float64(step)
	c.sizes = append(c.sizes, size)
	if c.inSeg && t-c.segLast <= step {
		c.segLast = t
		return
	}
	if c.inSeg {
		c.segments = append(c.segments, float64(c.segLast-c.segStart))
	}
	c.segStart, c.segLast, c.inSeg = t, t, true
}

func (c *collector) finish(step int64, totalDuration float64) DirectionStats {
	if c.inSeg {
		// A single-point segment has duration zero by definition.
		c.segments = append(c.segments, float64(c.segLast-c.segStart))
	}
	pct := 0.0
	if totalDuration > 0 {
		pct = round2(c.totalTime / totalDuration * 100)
	}
	return DirectionStats{
		Direction:          c.direction,
		TimeOutsidePercent: pct,
		AnomalyCount:       len(c.sizes),
		Durations:          c.segments,
		Sizes:              c.sizes,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Compress folds the current window's stats into the fixed-size historical
// record using the configured percentile grid.
func Compress(s DirectionStats, percentiles []float64) CompressedStats {
	return CompressedStats{
		Direction:          s.Direction,
		TimeOutsidePercent: s.TimeOutsidePercent,
		AnomalyCount:       s.AnomalyCount,
		Durations:          CompressHistory(s.Durations, percentiles),
		Sizes:              CompressHistory(s.Sizes, percentiles),
	}
}

// CompressHistory reduces an arbitrary value list to exactly twelve slots.
// Twelve or fewer values are sorted and right-padded with zeros, biasing
// cold metrics toward "no exceedance"; larger samples are replaced by
// their values at the configured percentiles.
func CompressHistory(values []float64, percentiles []float64) [HistorySlots]float64 {
	var out [HistorySlots]float64
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if len(sorted) <= HistorySlots {
		copy(out[:], sorted)
		return out
	}
	pcts := normalizePercentiles(percentiles)
	for i, p := range pcts {
		out[i] = percentileOf(sorted, p)
	}
	return out
}

// DefaultPercentiles is the canonical twelve-point grid.
var DefaultPercentiles = []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100}

func normalizePercentiles(p []float64) []float64 {
	if len(p) != HistorySlots {
		return DefaultPercentiles
	}
	return p
}

// percentileOf reads the p-th percentile of a sorted slice with linear
// interpolation between neighbours.
func percentileOf(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// InterpolatePercentile evaluates a stored twelve-slot percentile record at
// an arbitrary target percentile by linear interpolation across the grid.
// At one of the grid points the stored value comes back exactly.
func InterpolatePercentile(stored [HistorySlots]float64, target float64, percentiles []float64) float64 {
	pcts := normalizePercentiles(percentiles)
	if target <= pcts[0] {
		return stored[0]
	}
	if target >= pcts[len(pcts)-1] {
		return stored[len(pcts)-1]
	}
	for i := 1; i < len(pcts); i++ {
		if target > pcts[i] {
			continue
		}
		span := pcts[i] - pcts[i-1]
		if span <= 0 {
			return stored[i]
		}
		frac := (target - pcts[i-1]) / span
		return stored[i-1] + (stored[i]-stored[i-1])*frac
	}
	return stored[len(pcts)-1]
}
