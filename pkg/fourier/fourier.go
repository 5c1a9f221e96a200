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

// Package fourier implements the discrete Fourier transform used by the
// corridor engine, in a uniform and a non-uniform flavor, together with the
// linear trend estimator and contribution-based harmonic selection.
package fourier

import (
	"math"
	"sort"
)

// Coefficient is one harmonic of a transformed series. K == 0 is the DC
// offset and carries amplitude only.
type Coefficient struct {
	K         int     `json:"k"`
	Amplitude float64 `json:"amplitude"`
	Phase     float64 `json:"phase"`
}

// Transformer converts a detrended sample vector into ranked DFT
// coefficients. totalDuration is the declared window length in seconds.
type Transformer interface {
	Transform(ts []int64, vs []float64, totalDuration float64, maxHarmonics int) []Coefficient
}

// Uniform assumes equispaced samples and transforms over sample indices.
type Uniform struct{}

// NonUniform uses absolute timestamps normalised against the first sample,
// weighting each sample by its spacing to the next.
type NonUniform struct{}

// contributionFloor scales the drop threshold for negligible harmonics.
const contributionFloor = 1e-6

// Transform computes coefficients for k in [0, N/2] over sample indices.
func (Uniform) Transform(ts []int64, vs []float64, totalDuration float64, maxHarmonics int) []Coefficient {
	n := len(vs)
	if n == 0 {
		return nil
	}
	coeffs := make([]Coefficient, 0, n/2+1)
	for k := 0; k <= n/2; k++ {
		var re, im float64
		for i, v := range vs {
			angle := 2 * math.Pi * float64(k) * float64(i) / float64(n)
			re += v * math.Cos(angle)
			im -= v * math.Sin(angle)
		}
		coeffs = append(coeffs, coefficientFrom(k, re, im, float64(n)))
	}
	return selectHarmonics(coeffs, ts, totalDuration, maxHarmonics)
}

// Transform computes coefficients against absolute time. The angle of
// sample i for harmonic k is 2*pi*k*(t_i-t_0)/T, and each sample is
// weighted by its spacing dt_i (the last spacing is extended).
func (NonUniform) Transform(ts []int64, vs []float64, totalDuration float64, maxHarmonics int) []Coefficient {
	n := len(vs)
	if n == 0 || totalDuration <= 0 {
		return nil
	}
	if len(ts) < n {
		n = len(ts)
	}
	dts := spacings(ts[:n])
	t0 := ts[0]

	coeffs := make([]Coefficient, 0, n/2+1)
	for k := 0; k <= n/2; k++ {
		var re, im float64
		for i := 0; i < n; i++ {
			angle := 2 * math.Pi * float64(k) * float64(ts[i]-t0) / totalDuration
			re += vs[i] * math.Cos(angle) * dts[i]
			im -= vs[i] * math.Sin(angle) * dts[i]
		}
		coeffs = append(coeffs, coefficientFrom(k, re, im, totalDuration))
	}
	return selectHarmonics(coeffs, ts[:n], totalDuration, maxHarmonics)
}

// coefficientFrom normalises a complex sum into amplitude and phase. norm is
// the sample count for the uniform variant and the window duration for the
// non-uniform one.
func coefficientFrom(k int, re, im, norm float64) Coefficient {
	var amp, phase float64
	if k == 0 {
		amp = math.Hypot(re, im) / norm
	} else {
		amp = math.Hypot(re, im) / (norm / 2)
	}
	if re != 0 || im != 0 {
		phase = math.Atan2(im, re)
	}
	return Coefficient{K: k, Amplitude: amp, Phase: phase}
}

// spacings returns dt_i per sample: the gap to the next sample, with the
// last gap copied forward. A single sample gets dt 1.
func spacings(ts []int64) []float64 {
	n := len(ts)
	dts := make([]float64, n)
	for i := 0; i < n-1; i++ {
		dts[i] = float64(ts[i+1] - ts[i])
	}
	if n > 1 {
		dts[n-1] = dts[n-2]
	} else {
		dts[0] = 1
	}
	return dts
}

// selectHarmonics ranks coefficients by their visible energy over the
// window and keeps DC plus the top maxHarmonics-1 contributors. Plain
// amplitude ranking is not enough: the DC term dominates it, so each
// harmonic is scored by the L1 integral of its reconstructed wave.
func selectHarmonics(coeffs []Coefficient, ts []int64, totalDuration float64, maxHarmonics int) []Coefficient {
	if len(coeffs) == 0 {
		return nil
	}
	if totalDuration <= 0 {
		totalDuration = 1
	}
	threshold := totalDuration * (2 / math.Pi) * contributionFloor

	type scored struct {
		c     Coefficient
		score float64
	}
	var dc Coefficient
	rest := make([]scored, 0, len(coeffs))
	for _, c := range coeffs {
		if c.K == 0 {
			dc = c
			continue
		}
		s := contribution(c, ts, totalDuration)
		if s < threshold {
			continue
		}
		rest = append(rest, scored{c: c, score: s})
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].score > rest[j].score })

	keep := maxHarmonics - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(rest) {
		keep = len(rest)
	}
	out := make([]Coefficient, 0, keep+1)
	out = append(out, dc)
	for _, s := range rest[:keep] {
		out = append(out, s.c)
	}
	return out
}

// contribution integrates |amplitude*cos(2*pi*k*tau+phase)| over the
// window using the sample grid spacing. DC contributes amplitude*T.
func contribution(c Coefficient, ts []int64, totalDuration float64) float64 {
	if c.K == 0 {
		return math.Abs(c.Amplitude) * totalDuration
	}
	if len(ts) < 2 {
		return math.Abs(c.Amplitude) * totalDuration * (2 / math.Pi)
	}
	dts := spacings(ts)
	t0 := ts[0]
	var sum float64
	for i, t := range ts {
		tau := float64(t-t0) / totalDuration
		sum += math.Abs(c.Amplitude*math.Cos(2*math.Pi*float64(c.K)*tau+c.Phase)) * dts[i]
	}
	return sum
}

// Reconstruct evaluates the harmonic sum plus trend at absolute time t.
// tau is the position of t inside the original data window.
func Reconstruct(coeffs []Coefficient, trend Trend, t, dataStart int64, totalDuration float64) float64 {
	if totalDuration <= 0 {
		totalDuration = 1
	}
	tau := float64(t-dataStart) / totalDuration
	var v float64
	for _, c := range coeffs {
		if c.K == 0 {
			v += c.Amplitude
			continue
		}
		v += c.Amplitude * math.Cos(2*math.Pi*float64(c.K)*tau+c.Phase)
	}
	return v + trend.At(t)
}

// ReconstructSeries evaluates the harmonic sum plus trend on a whole grid.
func ReconstructSeries(coeffs []Coefficient, trend Trend, grid []int64, dataStart int64, totalDuration float64) []float64 {
	out := make([]float64, len(grid))
	for i, t := range grid {
		out[i] = Reconstruct(coeffs, trend, t, dataStart, totalDuration)
	}
	return out
}
