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

import (
	"strconv"

	"github.com/corridorhq/corridor-gateway/internal/promapi"
	"github.com/corridorhq/corridor-gateway/pkg/anomaly"
	"github.com/corridorhq/corridor-gateway/pkg/corridor"
	"github.com/corridorhq/corridor-gateway/pkg/timeseries"
)

// ResultRow is the per-series outcome handed to the formatter.
type ResultRow struct {
	Series       *timeseries.Series
	Labels       map[string]string
	LabelsJSON   string
	Grid         []int64
	Upper, Lower []float64
	Stats        anomaly.Stats
	Hist         corridor.MetaStats
	Scores       anomaly.Scores
	RebuildCount int64
	Placeholder  bool
	NoData       bool
	EmittedAt    int64
}

// Family base names, the vocabulary of dashboard.show_metrics.
const (
	FamilyOriginal            = "original"
	FamilyNoData              = "nodata"
	FamilyDFTUpper            = "dft_upper"
	FamilyDFTLower            = "dft_lower"
	FamilyDFTRange            = "dft_range"
	FamilyTimeOutside         = "time_outside_percent"
	FamilyAnomalyCount        = "anomaly_count"
	FamilyAnomalyDuration     = "anomaly_duration"
	FamilyAnomalySize         = "anomaly_size"
	FamilyHistTimeOutside     = "historical_time_outside_percent"
	FamilyHistAnomalyCount    = "historical_anomaly_count"
	FamilyHistAnomalyDuration = "historical_anomaly_duration"
	FamilyHistAnomalySize     = "historical_anomaly_size"
	FamilyConcern             = "anomaly_concern"
	FamilyConcernSum          = "anomaly_concern_sum"
	FamilyRebuildCount        = "dft_rebuild_count"
)

// Format renders result rows into the Prometheus matrix shape, filtered
// by the dashboard.show_metrics whitelist (empty = everything).
func Format(rows []*ResultRow, query string, show []string) []promapi.SeriesRow {
	allowed := map[string]bool{}
	for _, s := range show {
		allowed[s] = true
	}
	emit := func(family string) bool {
		return len(allowed) == 0 || allowed[family]
	}

	var out []promapi.SeriesRow
	for _, row := range rows {
		e := emitter{row: row, query: query}

		if row.NoData && row.Series == nil {
			if emit(FamilyNoData) {
				out = append(out, e.scalar("nodata", 1))
			}
			continue
		}

		if emit(FamilyOriginal) && row.Series != nil && len(row.Series.Points) > 0 {
			out = append(out, e.points("original", row.Series.Points))
		}
		if row.Placeholder {
			if emit(FamilyNoData) {
				out = append(out, e.scalar("nodata", 1))
			}
			if emit(FamilyConcern) {
				out = append(out, e.scalar("anomaly_concern_above", 0))
				out = append(out, e.scalar("anomaly_concern_below", 0))
			}
			continue
		}

		if emit(FamilyDFTUpper) {
			out = append(out, e.grid("dft_upper", row.Upper))
		}
		if emit(FamilyDFTLower) {
			out = append(out, e.grid("dft_lower", row.Lower))
		}
		if emit(FamilyDFTRange) {
			diff := make([]float64, len(row.Upper))
			for i := range diff {
				diff[i] = row.Upper[i] - row.Lower[i]
			}
			out = append(out, e.grid("dft_range", diff))
		}

		if emit(FamilyTimeOutside) {
			out = append(out, e.scalar("upper_time_outside_percent", row.Stats.Above.TimeOutsidePercent))
			out = append(out, e.scalar("lower_time_outside_percent", row.Stats.Below.TimeOutsidePercent))
		}
		if emit(FamilyAnomalyCount) {
			out = append(out, e.scalar("upper_anomaly_count", float64(row.Stats.Above.AnomalyCount)))
			out = append(out, e.scalar("lower_anomaly_count", float64(row.Stats.Below.AnomalyCount)))
		}
		if emit(FamilyAnomalyDuration) {
			out = append(out, e.scalar("upper_anomaly_duration", maxOf(row.Stats.Above.Durations)))
			out = append(out, e.scalar("lower_anomaly_duration", maxOf(row.Stats.Below.Durations)))
		}
		if emit(FamilyAnomalySize) {
			out = append(out, e.scalar("upper_anomaly_size", maxOf(row.Stats.Above.Sizes)))
			out = append(out, e.scalar("lower_anomaly_size", maxOf(row.Stats.Below.Sizes)))
		}

		if emit(FamilyHistTimeOutside) {
			out = append(out, e.scalar("historical_upper_time_outside_percent", row.Hist.Above.TimeOutsidePercent))
			out = append(out, e.scalar("historical_lower_time_outside_percent", row.Hist.Below.TimeOutsidePercent))
		}
		if emit(FamilyHistAnomalyCount) {
			out = append(out, e.scalar("historical_upper_anomaly_count", float64(row.Hist.Above.AnomalyCount)))
			out = append(out, e.scalar("historical_lower_anomaly_count", float64(row.Hist.Below.AnomalyCount)))
		}
		if emit(FamilyHistAnomalyDuration) {
			out = append(out, e.scalar("historical_upper_anomaly_duration", maxOf(row.Hist.Above.Durations[:])))
			out = append(out, e.scalar("historical_lower_anomaly_duration", maxOf(row.Hist.Below.Durations[:])))
		}
		if emit(FamilyHistAnomalySize) {
			out = append(out, e.scalar("historical_upper_anomaly_size", maxOf(row.Hist.Above.Sizes[:])))
			out = append(out, e.scalar("historical_lower_anomaly_size", maxOf(row.Hist.Below.Sizes[:])))
		}

		if emit(FamilyConcern) {
			out = append(out, e.scalar("anomaly_concern_above", row.Scores.Above))
			out = append(out, e.scalar("anomaly_concern_below", row.Scores.Below))
		}
		if emit(FamilyConcernSum) {
			out = append(out, e.scalar("anomaly_concern_above_sum", row.Scores.AboveSum))
			out = append(out, e.scalar("anomaly_concern_below_sum", row.Scores.BelowSum))
		}
		if emit(FamilyRebuildCount) {
			out = append(out, e.scalar("dft_rebuild_count", float64(row.RebuildCount)))
		}
	}
	return out
}

type emitter struct {
	row   *ResultRow
	query string
}

func (e emitter) metric(name string) map[string]string {
	m := make(map[string]string, len(e.row.Labels)+2)
	for k, v := range e.row.Labels {
		if k == "__name__" {
			continue
		}
		m[k] = v
	}
	m["__name__"] = name
	m["original_query"] = e.query
	return m
}

func (e emitter) scalar(name string, v float64) promapi.SeriesRow {
	return promapi.SeriesRow{
		Metric: e.metric(name),
		Values: [][2]any{{e.row.EmittedAt, formatValue(v)}},
	}
}

func (e emitter) grid(name string, vs []float64) promapi.SeriesRow {
	values := make([][2]any, 0, len(vs))
	for i, v := range vs {
		if i >= len(e.row.Grid) {
			break
		}
		values = append(values, [2]any{e.row.Grid[i], formatValue(v)})
	}
	return promapi.SeriesRow{Metric: e.metric(name), Values: values}
}

func (e emitter) points(name string, pts []timeseries.Sample) promapi.SeriesRow {
	values := make([][2]any, 0, len(pts))
	for _, p := range pts {
		values = append(values, [2]any{p.T, formatValue(p.V)})
	}
	return promapi.SeriesRow{Metric: e.metric(name), Values: values}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func maxOf(vs []float64) float64 {
	var m float64
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}
