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

// Package autotune finds the dominant period of a metric so the corridor
// history window can be cut to an integer number of cycles. The search
// sweeps truncations of the resampled signal, scores the strongest
// spectral peak of each truncation by how well a few-harmonic
// reconstruction explains the data, and converts the winning bin into
// days.
package autotune

import (
	"math"
	"sort"

	"github.com/corridorhq/corridor-gateway/pkg/fourier"
)

// Options are the tuner knobs.
type Options struct {
	StepHours     float64
	UseHannWindow bool
}

// Result is the tuner outcome, memoised in the permanent cache.
type Result struct {
	OptimalPeriodDays float64 `json:"optimal_period_days"`
	K                 int     `json:"k"`
	Factor            float64 `json:"factor"`
}

const (
	minResampled  = 8
	topPeaks      = 5
	varianceFloor = 1e-10
	windowFloor   = 1e-3
)

// OptimalPeriodDays picks the history length, in days, that spans an
// integer number of the dominant cycle of the (t, v) mapping. totalHours
// is the span the caller is willing to fetch.
func OptimalPeriodDays(points map[int64]float64, totalHours float64, opts Options) Result {
	stepHours := opts.StepHours
	if stepHours <= 0 {
		stepHours = 4
	}

	ts, vs := sortAndTrim(points)
	grid := resample(ts, vs, stepHours)
	n := len(grid)
	fallback := Result{OptimalPeriodDays: float64(n) * stepHours / 24}
	if n < minResampled {
		return fallback
	}

	best := struct {
		score float64
		m     int
		k     int
	}{score: -1}

	for cut := 0; cut <= n-2; cut++ {
		m := n - cut
		if m < minResampled {
			break
		}
		slice := grid[:m]
		score, k := scoreSlice(slice, opts.UseHannWindow)
		if k > 0 && score > best.score {
			best.score, best.m, best.k = score, m, k
		}
	}
	if best.k <= 0 {
		return fallback
	}

	periodHours := float64(best.m) / float64(best.k) * stepHours
	if totalHours <= 0 {
		totalHours = float64(n) * stepHours
	}
	cycles := math.Floor(totalHours / periodHours)
	if cycles < 1 {
		return fallback
	}
	return Result{
		OptimalPeriodDays: cycles * periodHours / 24,
		K:                 best.k,
		Factor:            best.score,
	}
}

// sortAndTrim orders the mapping by time and drops the leading all-zero
// prefix.
func sortAndTrim(points map[int64]float64) ([]int64, []float64) {
	ts := make([]int64, 0, len(points))
	for t := range points {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	start := 0
	for start < len(ts) && points[ts[start]] == 0 {
		start++
	}
	if start == len(ts) {
		start = 0
	}
	ts = ts[start:]
	vs := make([]float64, len(ts))
	for i, t := range ts {
		vs[i] = points[t]
	}
	return ts, vs
}

// resample interpolates the signal onto a uniform grid of stepHours,
// dropping non-finite values.
func resample(ts []int64, vs []float64, stepHours float64) []float64 {
	if len(ts) < 2 {
		return append([]float64(nil), vs...)
	}
	step := int64(stepHours * 3600)
	if step <= 0 {
		return nil
	}
	out := make([]float64, 0, (ts[len(ts)-1]-ts[0])/step+1)
	j := 0
	for t := ts[0]; t <= ts[len(ts)-1]; t += step {
		for j+1 < len(ts) && ts[j+1] < t {
			j++
		}
		var v float64
		if ts[j] == t || j+1 >= len(ts) {
			v = vs[j]
		} else {
			span := float64(ts[j+1] - ts[j])
			if span <= 0 {
				v = vs[j]
			} else {
				frac := float64(t-ts[j]) / span
				v = vs[j] + (vs[j+1]-vs[j])*frac
			}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// scoreSlice detrends one truncation, computes its power spectrum and
// scores the strongest peak as (peak/median) * R^2 of a top-five-peak
// reconstruction.
func scoreSlice(slice []float64, useHann bool) (float64, int) {
	m := len(slice)
	idx := make([]int64, m)
	for i := range idx {
		idx[i] = int64(i)
	}
	trend := fourier.FitTrend(idx, slice)
	detrended := trend.Detrend(idx, slice)

	window := make([]float64, m)
	for i := range window {
		window[i] = 1
	}
	if useHann {
		for i := range window {
			window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(m-1)))
		}
		for i := range detrended {
			detrended[i] *= window[i]
		}
	}

	kMax := m/4 - 1
	if kMax < 1 {
		return 0, 0
	}
	type bin struct {
		k      int
		re, im float64
		power  float64
	}
	bins := make([]bin, 0, kMax)
	for k := 1; k <= kMax; k++ {
		var re, im float64
		for i, v := range detrended {
			angle := 2 * math.Pi * float64(k) * float64(i) / float64(m)
			re += v * math.Cos(angle)
			im -= v * math.Sin(angle)
		}
		bins = append(bins, bin{k: k, re: re, im: im, power: re*re + im*im})
	}

	powers := make([]float64, len(bins))
	for i, b := range bins {
		powers[i] = b.power
	}
	med := median(powers)
	if med <= 0 {
		return 0, 0
	}

	ranked := append([]bin(nil), bins...)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].power > ranked[j].power })
	peaks := ranked
	if len(peaks) > topPeaks {
		peaks = peaks[:topPeaks]
	}

	// Reconstruct from the peak bins, undo the window, re-add the trend.
	recon := make([]float64, m)
	for i := 0; i < m; i++ {
		var v float64
		for _, b := range peaks {
			angle := 2 * math.Pi * float64(b.k) * float64(i) / float64(m)
			v += (2 / float64(m)) * (b.re*math.Cos(angle) - b.im*math.Sin(angle))
		}
		w := window[i]
		if w < windowFloor {
			w = windowFloor
		}
		recon[i] = v/w + trend.At(int64(i))
	}

	variance := varianceOf(slice)
	if variance < varianceFloor {
		return 0, 0
	}
	var mse float64
	for i := range slice {
		d := slice[i] - recon[i]
		mse += d * d
	}
	mse /= float64(m)
	r2 := 1 - mse/variance
	if r2 < 0 {
		r2 = 0
	}
	return (ranked[0].power / med) * r2, ranked[0].k
}

func median(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func varianceOf(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))
	var acc float64
	for _, v := range vs {
		d := v - mean
		acc += d * d
	}
	return acc / float64(len(vs))
}
