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
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/corridorhq/corridor-gateway/pkg/cache"
	"github.com/corridorhq/corridor-gateway/pkg/config"
	"github.com/corridorhq/corridor-gateway/pkg/timeseries"
)

// fetchFunc adapts a function to the Fetcher interface.
type fetchFunc func(ctx context.Context, query string, start, end, step int64) ([]timeseries.LabeledSample, error)

func (f fetchFunc) QueryRange(ctx context.Context, query string, start, end, step int64) ([]timeseries.LabeledSample, error) {
	return f(ctx, query, start, end, step)
}

// testNow is aligned to a day boundary so sine phases are predictable.
const testNow = int64(1_700_006_400)

func newTestPipeline(t *testing.T) (*Pipeline, *cache.Store) {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "corridor.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := New(store, NewMetrics(prometheus.NewRegistry()), nil)
	p.now = func() time.Time { return time.Unix(testNow, 0) }
	return p, store
}

// synthFetcher serves gen(t) on the requested window. History windows
// (coarse step) are served at 300s resolution so every history bucket
// holds several raw samples.
func synthFetcher(gen func(t int64) float64, labels map[string]string) fetchFunc {
	return func(_ context.Context, _ string, start, end, step int64) ([]timeseries.LabeledSample, error) {
		sample := step
		if step >= 3600 {
			sample = 300
		}
		var out []timeseries.LabeledSample
		for ts := start; ts <= end; ts += sample {
			out = append(out, timeseries.LabeledSample{T: ts, V: gen(ts), Labels: labels})
		}
		return out, nil
	}
}

// sineWithJitter is the history generator: a daily sine with a fast
// oscillation that widens every history bucket by a few units.
func sineWithJitter(t int64) float64 {
	return 100 + 10*math.Sin(2*math.Pi*float64(t)/86400) + 3*math.Sin(2*math.Pi*float64(t)/900)
}

func testConfig() *config.Config {
	return config.New(map[string]any{
		"corrdor_params.history_step":           int64(3600),
		"corrdor_params.historical_offset_days": float64(1),
	})
}

func TestRunPlaceholder(t *testing.T) {
	p, _ := newTestPipeline(t)
	labels := map[string]string{"job": "cold"}

	fetcher := fetchFunc(func(_ context.Context, _ string, start, end, step int64) ([]timeseries.LabeledSample, error) {
		var out []timeseries.LabeledSample
		n := 5
		if step >= 3600 {
			n = 3 // history below min_data_points
		}
		for i := 0; i < n; i++ {
			out = append(out, timeseries.LabeledSample{T: start + int64(i)*step, V: 1, Labels: labels})
		}
		return out, nil
	})

	start := testNow - 300
	rows, err := p.Run(context.Background(), fetcher, "up", start, testNow, 60, testConfig())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	require.True(t, row.Placeholder)
	require.Len(t, row.Series.Points, 5)
	require.Equal(t, "true", row.Labels["unused_metric"])

	formatted := Format(rows, "up", nil)
	names := map[string]int{}
	for _, r := range formatted {
		names[r.Metric["__name__"]]++
	}
	require.Equal(t, 1, names["original"])
	require.Equal(t, 1, names["nodata"])
	require.Zero(t, names["dft_upper"], "placeholder emits no corridor")

	// No cache write happened.
	_, ok, err := p.store.LoadFromCache("up", row.Series.LabelsJSON)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunStableCorridorWithSpikes(t *testing.T) {
	p, _ := newTestPipeline(t)
	labels := map[string]string{"job": "steady"}

	spikes := map[int64]bool{
		testNow - 3000: true,
		testNow - 1800: true,
		testNow - 600:  true,
	}
	gen := func(ts int64) float64 {
		if ts < testNow-3600 {
			// History window (it ends one day before the live window).
			return sineWithJitter(ts)
		}
		base := 100 + 10*math.Sin(2*math.Pi*float64(ts)/86400)
		if spikes[ts] {
			return base + 50
		}
		return base
	}

	start := testNow - 3600
	rows, err := p.Run(context.Background(), synthFetcher(gen, labels), "steady_query", start, testNow, 60, testConfig())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	require.False(t, row.Placeholder)
	require.Len(t, row.Upper, len(row.Grid))

	// The corridor stays a near-sinusoid around the signal level.
	var mean float64
	for i := range row.Upper {
		require.GreaterOrEqual(t, row.Upper[i], row.Lower[i]-1e-9)
		mean += (row.Upper[i] + row.Lower[i]) / 2
	}
	mean /= float64(len(row.Upper))
	require.InDelta(t, 100, mean, 10)

	require.Equal(t, 3, row.Stats.Above.AnomalyCount, "each synthetic spike counts once")
	require.Equal(t, 0, row.Stats.Below.AnomalyCount)
	require.Equal(t, int64(1), row.RebuildCount)
}

func TestRunConfigInvalidation(t *testing.T) {
	p, store := newTestPipeline(t)
	labels := map[string]string{"job": "steady"}
	fetcher := synthFetcher(sineWithJitter, labels)
	cfg := testConfig()

	start := testNow - 3600
	rows, err := p.Run(context.Background(), fetcher, "q", start, testNow, 60, cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0].RebuildCount)

	// Same config: served from cache, no rebuild.
	rows, err = p.Run(context.Background(), fetcher, "q", start, testNow, 60, cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0].RebuildCount)

	// Corridor-affecting override: exactly one more rebuild, and the new
	// payload respects the tighter harmonic budget.
	tighter := cfg.Clone()
	require.NoError(t, tighter.ApplyOverrides("corrdor_params.max_harmonics=5"))
	rows, err = p.Run(context.Background(), fetcher, "q", start, testNow, 60, tighter)
	require.NoError(t, err)
	require.Equal(t, int64(2), rows[0].RebuildCount)

	payload, ok, err := store.LoadFromCache("q", rows[0].LabelsJSON)
	require.NoError(t, err)
	require.True(t, ok)
	require.LessOrEqual(t, len(payload.DFTUpper.Coefficients), 5)
	require.LessOrEqual(t, len(payload.DFTLower.Coefficients), 5)
}

func TestRunAutotuneMemoised(t *testing.T) {
	p, _ := newTestPipeline(t)
	labels := map[string]string{"job": "steady"}
	fetcher := synthFetcher(sineWithJitter, labels)
	cfg := testConfig()

	start := testNow - 3600
	_, err := p.Run(context.Background(), fetcher, "q", start, testNow, 60, cfg)
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.AutotuneRuns))

	// An unrelated config change forces a corridor rebuild but must reuse
	// the memoised period instead of re-running the tuner.
	other := cfg.Clone()
	require.NoError(t, other.ApplyOverrides("anomaly.window_size=25"))
	_, err = p.Run(context.Background(), fetcher, "q", start, testNow, 60, other)
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.AutotuneRuns))
}

func TestRunEmptyWindow(t *testing.T) {
	p, _ := newTestPipeline(t)
	rows, err := p.Run(context.Background(), synthFetcher(sineWithJitter, nil), "q", testNow, testNow, 60, testConfig())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].NoData)

	formatted := Format(rows, "q", nil)
	require.Len(t, formatted, 1)
	require.Equal(t, "nodata", formatted[0].Metric["__name__"])
}

func TestRunMixedSeriesIndependent(t *testing.T) {
	p, _ := newTestPipeline(t)
	a := map[string]string{"job": "a"}
	b := map[string]string{"job": "b"}

	fetcher := fetchFunc(func(_ context.Context, _ string, start, end, step int64) ([]timeseries.LabeledSample, error) {
		sample := step
		if step >= 3600 {
			sample = 300
		}
		var out []timeseries.LabeledSample
		for ts := start; ts <= end; ts += sample {
			out = append(out, timeseries.LabeledSample{T: ts, V: sineWithJitter(ts), Labels: a})
			if step < 3600 {
				// Series b has live data but no history at all.
				out = append(out, timeseries.LabeledSample{T: ts, V: 1, Labels: b})
			}
		}
		return out, nil
	})

	start := testNow - 3600
	rows, err := p.Run(context.Background(), fetcher, "q", start, testNow, 60, testConfig())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byJob := map[string]*ResultRow{}
	for _, r := range rows {
		byJob[r.Labels["job"]] = r
	}
	require.False(t, byJob["a"].Placeholder)
	require.True(t, byJob["b"].Placeholder)
}

func TestFormatWhitelist(t *testing.T) {
	p, _ := newTestPipeline(t)
	fetcher := synthFetcher(sineWithJitter, map[string]string{"job": "steady"})

	start := testNow - 3600
	rows, err := p.Run(context.Background(), fetcher, "q", start, testNow, 60, testConfig())
	require.NoError(t, err)

	formatted := Format(rows, "q", []string{FamilyConcern})
	require.NotEmpty(t, formatted)
	for _, r := range formatted {
		name := r.Metric["__name__"]
		require.Contains(t, []string{"anomaly_concern_above", "anomaly_concern_below"}, name)
		require.Equal(t, "q", r.Metric["original_query"])
	}
}
