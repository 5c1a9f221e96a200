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

// Package corridor builds the tolerance band around a metric from its
// history and restores it onto arbitrary request grids. A corridor is two
// DFT-compressed envelopes (upper, lower) with linear trends, persisted as
// a cache payload.
package corridor

import (
	"errors"
	"math"

	"github.com/corridorhq/corridor-gateway/pkg/anomaly"
	"github.com/corridorhq/corridor-gateway/pkg/fourier"
	"github.com/corridorhq/corridor-gateway/pkg/timeseries"
)

// ErrEmptyHistory is returned when the bounding pass produced no points.
var ErrEmptyHistory = errors.New("corridor: empty history bounds")

// Bounds are the per-grid-point envelope of the history window, the input
// of Build.
type Bounds struct {
	Upper []float64
	Lower []float64
}

// DFTPair is one persisted envelope: ranked coefficients plus the trend
// that was subtracted before transforming.
type DFTPair struct {
	Coefficients []fourier.Coefficient `json:"coefficients"`
	Trend        fourier.Trend         `json:"trend"`
}

// MetaStats holds the compressed historical anomaly baselines stored with
// the payload.
type MetaStats struct {
	Above anomaly.CompressedStats `json:"above"`
	Below anomaly.CompressedStats `json:"below"`
}

// Meta describes the window a corridor was fitted on.
type Meta struct {
	DataStart     int64             `json:"data_start"`
	Step          int64             `json:"step"`
	TotalDuration float64           `json:"total_duration"`
	ConfigHash    string            `json:"config_hash"`
	RebuildCount  int64             `json:"rebuild_count"`
	Labels        map[string]string `json:"labels"`
	CreatedAt     int64             `json:"created_at"`
	AnomalyStats  MetaStats         `json:"anomaly_stats"`
}

// Payload is the full cache value for one fingerprint.
type Payload struct {
	Meta     Meta    `json:"meta"`
	DFTUpper DFTPair `json:"dft_upper"`
	DFTLower DFTPair `json:"dft_lower"`
}

// BuildOptions are the corridor-affecting configuration knobs.
type BuildOptions struct {
	MaxHarmonics   int
	UseCommonTrend bool
}

// BoundsFromHistory buckets a history series onto the [start, end] grid of
// the given step and takes the per-bucket max and min as the upper and
// lower envelope. Empty buckets are filled from the nearest populated
// neighbour to the left (or right, for a leading gap).
func BoundsFromHistory(hist *timeseries.Series, start, end, step int64) (Bounds, []int64) {
	grid := Grid(start, end, step)
	n := len(grid)
	upper := make([]float64, n)
	lower := make([]float64, n)
	filled := make([]bool, n)

	for _, p := range hist.Points {
		if p.T < start || p.T > end || step <= 0 {
			continue
		}
		i := int((p.T - start) / step)
		if i >= n {
			i = n - 1
		}
		if !filled[i] {
			upper[i], lower[i], filled[i] = p.V, p.V, true
			continue
		}
		if p.V > upper[i] {
			upper[i] = p.V
		}
		if p.V < lower[i] {
			lower[i] = p.V
		}
	}

	// Forward-fill gaps, then backfill the leading run.
	last := -1
	for i := 0; i < n; i++ {
		if filled[i] {
			last = i
			continue
		}
		if last >= 0 {
			upper[i], lower[i] = upper[last], lower[last]
			filled[i] = true
		}
	}
	first := -1
	for i := 0; i < n; i++ {
		if filled[i] {
			first = i
			break
		}
	}
	if first > 0 {
		for i := 0; i < first; i++ {
			upper[i], lower[i] = upper[first], lower[first]
		}
	}
	if first < 0 {
		return Bounds{}, grid
	}
	return Bounds{Upper: upper, Lower: lower}, grid
}

// Grid enumerates [start, end] inclusive at the given step.
func Grid(start, end, step int64) []int64 {
	if step <= 0 || end < start {
		return nil
	}
	out := make([]int64, 0, (end-start)/step+1)
	for t := start; t <= end; t += step {
		out = append(out, t)
	}
	return out
}

// Build fits the two envelopes: per-bound trends (optionally sharing a
// common slope), detrend, DFT with the configured harmonic budget.
func Build(bounds Bounds, grid []int64, step int64, opts BuildOptions) (*Payload, error) {
	if len(grid) == 0 || len(bounds.Upper) != len(grid) || len(bounds.Lower) != len(grid) {
		return nil, ErrEmptyHistory
	}
	trU := fourier.FitTrend(grid, bounds.Upper)
	trL := fourier.FitTrend(grid, bounds.Lower)
	if opts.UseCommonTrend {
		trU, trL = commonTrend(grid, bounds.Upper, bounds.Lower, trU, trL)
	}

	// Span plus one trailing step, so normalised time i/N at restore
	// matches the transform's index mapping exactly.
	total := float64(grid[len(grid)-1]-grid[0]) + float64(step)
	if total <= 0 {
		total = float64(step)
	}
	xform := transformerFor(grid)
	maxH := opts.MaxHarmonics
	if maxH <= 0 {
		maxH = 1
	}
	return &Payload{
		Meta: Meta{
			DataStart:     grid[0],
			Step:          step,
			TotalDuration: total,
		},
		DFTUpper: DFTPair{
			Coefficients: xform.Transform(grid, trU.Detrend(grid, bounds.Upper), total, maxH),
			Trend:        trU,
		},
		DFTLower: DFTPair{
			Coefficients: xform.Transform(grid, trL.Detrend(grid, bounds.Lower), total, maxH),
			Trend:        trL,
		},
	}, nil
}

// transformerFor picks the uniform variant when the grid is equispaced and
// falls back to the timestamp-weighted one otherwise.
func transformerFor(grid []int64) fourier.Transformer {
	if len(grid) < 3 {
		return fourier.Uniform{}
	}
	step := grid[1] - grid[0]
	for i := 2; i < len(grid); i++ {
		if grid[i]-grid[i-1] != step {
			return fourier.NonUniform{}
		}
	}
	return fourier.Uniform{}
}

// commonTrend replaces both slopes with their mean and recomputes each
// intercept so the mean level of each bound is preserved. Bounds that
// diverge in slope drift apart over long restore windows; a shared slope
// keeps the corridor parallel without discarding asymmetric offsets.
func commonTrend(grid []int64, upper, lower []float64, trU, trL fourier.Trend) (fourier.Trend, fourier.Trend) {
	slope := (trU.Slope + trL.Slope) / 2
	var sumT float64
	for _, t := range grid {
		sumT += float64(t)
	}
	meanT := sumT / float64(len(grid))
	return fourier.Trend{Slope: slope, Intercept: mean(upper) - slope*meanT},
		fourier.Trend{Slope: slope, Intercept: mean(lower) - slope*meanT}
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var s float64
	for _, v := range vs {
		s += v
	}
	return s / float64(len(vs))
}

// Restore evaluates both envelopes on the request grid [qs, qe] at qstep.
func Restore(p *Payload, qs, qe, qstep int64) (grid []int64, upper, lower []float64) {
	grid = Grid(qs, qe, qstep)
	upper = fourier.ReconstructSeries(p.DFTUpper.Coefficients, p.DFTUpper.Trend, grid, p.Meta.DataStart, p.Meta.TotalDuration)
	lower = fourier.ReconstructSeries(p.DFTLower.Coefficients, p.DFTLower.Trend, grid, p.Meta.DataStart, p.Meta.TotalDuration)
	return grid, upper, lower
}

// ScaleValues multiplies restored corridor values by qstep/hstep, for
// metrics whose magnitude tracks the sampling step (rate-like panels).
func ScaleValues(values []float64, qstep, hstep int64) []float64 {
	if hstep <= 0 || qstep == hstep {
		return values
	}
	f := float64(qstep) / float64(hstep)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v * f
	}
	return out
}

// MinWidth derives the repair floor from the DC amplitudes of the two
// envelopes.
func MinWidth(p *Payload, factor float64) float64 {
	ampU := dcAmplitude(p.DFTUpper.Coefficients)
	ampL := dcAmplitude(p.DFTLower.Coefficients)
	w := factor * math.Abs(ampU-ampL)
	if w == 0 {
		w = factor * math.Max(math.Max(math.Abs(ampU), math.Abs(ampL)), 1)
	}
	return w
}

func dcAmplitude(coeffs []fourier.Coefficient) float64 {
	for _, c := range coeffs {
		if c.K == 0 {
			return c.Amplitude
		}
	}
	return 0
}

// RepairWidth enforces upper-lower >= minWidth pointwise. Points already
// satisfying the bound act as anchors; everything between anchors is
// linearly interpolated, and a corridor with no anchor at all collapses to
// a flat band of minWidth around center.
func RepairWidth(upper, lower []float64, minWidth, center float64) {
	n := len(upper)
	if n == 0 || len(lower) != n {
		return
	}

	anchors := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if upper[i]-lower[i] >= minWidth {
			anchors = append(anchors, i)
		}
	}
	if len(anchors) == 0 {
		for i := 0; i < n; i++ {
			upper[i] = center + minWidth/2
			lower[i] = center - minWidth/2
		}
		return
	}

	// Extend anchor coverage to the window endpoints.
	if anchors[0] != 0 {
		upper[0], lower[0] = upper[anchors[0]], lower[anchors[0]]
		anchors = append([]int{0}, anchors...)
	}
	if last := anchors[len(anchors)-1]; last != n-1 {
		upper[n-1], lower[n-1] = upper[last], lower[last]
		anchors = append(anchors, n-1)
	}

	for a := 0; a < len(anchors)-1; a++ {
		lo, hi := anchors[a], anchors[a+1]
		if hi-lo < 2 {
			continue
		}
		span := float64(hi - lo)
		for i := lo + 1; i < hi; i++ {
			if upper[i]-lower[i] >= minWidth {
				continue
			}
			frac := float64(i-lo) / span
			upper[i] = upper[lo] + (upper[hi]-upper[lo])*frac
			lower[i] = lower[lo] + (lower[hi]-lower[lo])*frac
		}
	}
}

// Center picks the flat-band midpoint for a corridor with no valid
// anchors: the mean trend intercept, falling back to the mean of the DC
// amplitudes when the trends carry no level.
func Center(p *Payload) float64 {
	c := (p.DFTUpper.Trend.Intercept + p.DFTLower.Trend.Intercept) / 2
	if c != 0 {
		return c
	}
	return (dcAmplitude(p.DFTUpper.Coefficients) + dcAmplitude(p.DFTLower.Coefficients)) / 2
}
