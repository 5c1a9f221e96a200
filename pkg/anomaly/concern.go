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

package anomaly

// ConcernConfig carries the scoring knobs.
type ConcernConfig struct {
	TargetPercentile float64
	Multiplier       float64
	WindowSize       float64
	Percentiles      []float64
}

// Scores are the per-direction concern scalars emitted with a result row.
type Scores struct {
	Above    float64 `json:"anomaly_concern_above"`
	Below    float64 `json:"anomaly_concern_below"`
	AboveSum float64 `json:"anomaly_concern_above_sum"`
	BelowSum float64 `json:"anomaly_concern_below_sum"`
}

// Concern scores the current window against the stored historical
// baselines. Per direction, the duration and size families each compare
// the current worst value to the interpolated historical percentile, and
// the direction's concern is their sum.
func Concern(current Stats, histAbove, histBelow CompressedStats, cfg ConcernConfig) Scores {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1
	}
	above := familyConcern(current.Above.Durations, histAbove.Durations, cfg, mult) +
		familyConcern(current.Above.Sizes, histAbove.Sizes, cfg, mult)
	below := familyConcern(current.Below.Durations, histBelow.Durations, cfg, mult) +
		familyConcern(current.Below.Sizes, histBelow.Sizes, cfg, mult)
	return Scores{
		Above:    above,
		Below:    below,
		AboveSum: above * cfg.WindowSize,
		BelowSum: below * cfg.WindowSize,
	}
}

func familyConcern(current []float64, historical [HistorySlots]float64, cfg ConcernConfig, mult float64) float64 {
	if len(current) == 0 {
		return 0
	}
	cur := current[0]
	for _, v := range current[1:] {
		if v > cur {
			cur = v
		}
	}
	hist := InterpolatePercentile(historical, cfg.TargetPercentile, cfg.Percentiles)
	if hist <= 0 {
		return 1
	}
	c := cur/(hist*mult) - 1
	if c < 0 {
		return 0
	}
	return c
}
