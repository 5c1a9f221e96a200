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

package fourier

// Trend is a linear model value = Slope*t + Intercept over absolute unix
// seconds.
type Trend struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// denominator below this is treated as degenerate (all timestamps equal).
const trendDenomEps = 1e-10

// FitTrend runs ordinary least squares over (ts, vs). Inputs shorter than
// two points yield a flat trend through the first value. A degenerate
// denominator yields a flat trend through the mean. The result is finite
// for any finite input.
func FitTrend(ts []int64, vs []float64) Trend {
	n := len(ts)
	if n < 2 || len(vs) < 2 {
		if len(vs) > 0 {
			return Trend{Intercept: vs[0]}
		}
		return Trend{}
	}
	if len(vs) < n {
		n = len(vs)
	}

	var sumT, sumV, sumTT, sumTV float64
	for i := 0; i < n; i++ {
		t := float64(ts[i])
		sumT += t
		sumV += vs[i]
		sumTT += t * t
		sumTV += t * vs[i]
	}
	meanT := sumT / float64(n)
	meanV := sumV / float64(n)

	denom := sumTT - float64(n)*meanT*meanT
	if denom < trendDenomEps && denom > -trendDenomEps {
		return Trend{Intercept: meanV}
	}
	slope := (sumTV - float64(n)*meanT*meanV) / denom
	return Trend{Slope: slope, Intercept: meanV - slope*meanT}
}

// At evaluates the trend at an absolute timestamp.
func (tr Trend) At(t int64) float64 {
	return tr.Slope*float64(t) + tr.Intercept
}

// Detrend subtracts the trend from vs at the given timestamps, returning a
// new slice.
func (tr Trend) Detrend(ts []int64, vs []float64) []float64 {
	out := make([]float64, len(vs))
	for i := range vs {
		out[i] = vs[i] - tr.At(ts[i])
	}
	return out
}
