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

// Package pipeline drives one query_range request end to end: fetch live
// and historical series, decide per series whether the cached corridor is
// still valid, rebuild and persist it when it is not, restore it onto the
// request grid and score the live window against the historical anomaly
// baseline.
package pipeline

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/corridorhq/corridor-gateway/pkg/anomaly"
	"github.com/corridorhq/corridor-gateway/pkg/autotune"
	"github.com/corridorhq/corridor-gateway/pkg/cache"
	"github.com/corridorhq/corridor-gateway/pkg/config"
	"github.com/corridorhq/corridor-gateway/pkg/corridor"
	"github.com/corridorhq/corridor-gateway/pkg/grafana"
	"github.com/corridorhq/corridor-gateway/pkg/timeseries"
)

// ErrNoSeries is returned when every series of a request failed upstream.
var ErrNoSeries = errors.New("no series survived the request")

// Fetcher abstracts the upstream range fetch so tests can stub it and the
// gateway can bind the tenant's datasource.
type Fetcher interface {
	QueryRange(ctx context.Context, query string, start, end, step int64) ([]timeseries.LabeledSample, error)
}

// Pipeline is the per-request orchestrator. It owns no per-request state;
// one instance serves all requests.
type Pipeline struct {
	logger  log.Logger
	store   *cache.Store
	metrics *Metrics
	now     func() time.Time
}

// New builds the orchestrator around the shared cache handle.
func New(store *cache.Store, metrics *Metrics, logger log.Logger) *Pipeline {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pipeline{logger: logger, store: store, metrics: metrics, now: time.Now}
}

// Run executes the request and returns one result row per surviving
// series. A per-series failure drops that series only.
func (p *Pipeline) Run(ctx context.Context, fetcher Fetcher, query string, start, end, step int64, cfg *config.Config) ([]*ResultRow, error) {
	if end <= start {
		return []*ResultRow{{NoData: true, Labels: map[string]string{}, EmittedAt: p.now().Unix()}}, nil
	}

	histStep := cfg.Int("corrdor_params.history_step")
	if histStep <= 0 {
		histStep = step
	}
	periodDays := cfg.Float("corrdor_params.historical_period_days")
	if budget, ok, err := p.store.LoadMaxPeriod(query); err == nil && ok && budget > 0 && budget < periodDays {
		periodDays = budget
	}
	offsetDays := cfg.Float("corrdor_params.historical_offset_days")
	now := p.now().Unix()
	histEnd := now - int64(offsetDays*86400)
	histStart := histEnd - int64(periodDays*86400)

	// Live and history fetches may run concurrently; both must finish
	// before any corridor is restored.
	var live, hist []timeseries.LabeledSample
	g, fctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		live, err = fetcher.QueryRange(fctx, query, start, end, step)
		return err
	})
	g.Go(func() error {
		began := time.Now()
		var err error
		hist, err = fetcher.QueryRange(fctx, query, histStart, histEnd, histStep)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// Halve the fetch budget so the next request asks for less.
				if serr := p.store.SaveMaxPeriod(query, periodDays/2); serr != nil {
					level.Warn(p.logger).Log("msg", "saving fetch budget failed", "err", serr)
				}
			}
			level.Warn(p.logger).Log("msg", "history fetch failed", "query", query, "took", time.Since(began), "err", err)
			hist = nil
			return nil // degraded: every series takes the placeholder path
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	liveSeries := timeseries.Group(live)
	histSeries := timeseries.Group(hist)
	if len(liveSeries) == 0 {
		// The upstream answered with nothing to analyse; keep the response
		// shape with a nodata row instead of failing the request.
		return []*ResultRow{{NoData: true, Labels: map[string]string{}, EmittedAt: p.now().Unix()}}, nil
	}

	keys := make([]string, 0, len(liveSeries))
	for k := range liveSeries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	maxMetrics := int(cfg.Int("timeout.max_metrics"))
	if maxMetrics <= 0 {
		maxMetrics = 50
	}
	if len(keys) > maxMetrics {
		level.Warn(p.logger).Log("msg", "metric budget exceeded, truncating", "series", len(keys), "max", maxMetrics)
		keys = keys[:maxMetrics]
	}

	rows := make([]*ResultRow, len(keys))
	wg, wctx := errgroup.WithContext(ctx)
	wg.SetLimit(maxMetrics)
	for i, key := range keys {
		i, key := i, key
		wg.Go(func() error {
			row, err := p.processSeries(wctx, query, liveSeries[key], histSeries[key], start, end, step, histStart, histEnd, histStep, cfg)
			if err != nil {
				p.metrics.SeriesErrors.Inc()
				level.Warn(p.logger).Log("msg", "series dropped", "labels", key, "err", err)
				return nil // one bad series never aborts its siblings
			}
			rows[i] = row
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, r := range rows {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSeries
	}
	return out, nil
}

// processSeries walks one series through the cache state machine and
// produces its result row.
func (p *Pipeline) processSeries(ctx context.Context, query string, live, hist *timeseries.Series, qs, qe, qstep, histStart, histEnd, histStep int64, cfg *config.Config) (*ResultRow, error) {
	minPoints := int(cfg.Int("corrdor_params.min_data_points"))
	if hist == nil || len(hist.Points) < minPoints {
		p.metrics.Placeholders.Inc()
		labelsJSON, lset := placeholderLabels(live)
		return &ResultRow{
			Series:      live,
			Labels:      lset,
			LabelsJSON:  labelsJSON,
			Placeholder: true,
			EmittedAt:   p.now().Unix(),
		}, nil
	}

	payload, loaded, err := p.store.LoadFromCache(query, live.LabelsJSON)
	if err != nil {
		level.Warn(p.logger).Log("msg", "cache load failed, rebuilding", "err", err)
		loaded = false
	}

	if !loaded || p.store.ShouldRecreateCache(query, live.LabelsJSON, cfg) {
		p.metrics.CacheMisses.Inc()
		var prior int64
		if loaded && payload != nil {
			prior = payload.Meta.RebuildCount
		}
		payload, err = p.rebuild(ctx, query, live, hist, histStart, histEnd, histStep, prior, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		p.metrics.CacheHits.Inc()
	}

	grid, upper, lower := corridor.Restore(payload, qs, qe, qstep)

	// The repair floor and centre are derived from the unscaled envelope;
	// width repair then runs on the (possibly rescaled) bounds with that floor.
	minWidth := corridor.MinWidth(payload, cfg.Float("corrdor_params.min_width_factor"))
	center := corridor.Center(payload)
	if cfg.Bool("corrdor_params.scale_corridor") && qstep != payload.Meta.Step {
		upper = corridor.ScaleValues(upper, qstep, payload.Meta.Step)
		lower = corridor.ScaleValues(lower, qstep, payload.Meta.Step)
	}
	corridor.RepairWidth(upper, lower, minWidth, center)

	points := alignToGrid(live, grid, qstep)
	stats := anomaly.Detect(points, upper, lower, grid, qstep)

	scores := anomaly.Concern(stats, payload.Meta.AnomalyStats.Above, payload.Meta.AnomalyStats.Below, anomaly.ConcernConfig{
		TargetPercentile: cfg.Float("anomaly.target_percentile"),
		Multiplier:       cfg.Float("anomaly.multiplier"),
		WindowSize:       cfg.Float("anomaly.window_size"),
		Percentiles:      cfg.Floats("anomaly.percentiles"),
	})

	return &ResultRow{
		Series:       live,
		Labels:       live.Labels,
		LabelsJSON:   live.LabelsJSON,
		Grid:         grid,
		Upper:        upper,
		Lower:        lower,
		Stats:        stats,
		Hist:         payload.Meta.AnomalyStats,
		Scores:       scores,
		RebuildCount: payload.Meta.RebuildCount,
		EmittedAt:    p.now().Unix(),
	}, nil
}

// rebuild runs the miss path: resolve the history length (L1 memo or
// auto-tune), fit the corridor, compute the historical baseline and
// persist the payload.
func (p *Pipeline) rebuild(ctx context.Context, query string, live, hist *timeseries.Series, histStart, histEnd, histStep int64, priorRebuilds int64, cfg *config.Config) (*corridor.Payload, error) {
	requestMD5 := grafana.NormalizedRequestMD5(query, live.LabelsJSON)
	scaleCorridor := cfg.Bool("corrdor_params.scale_corridor")

	var optimalDays float64
	l1, ok, err := p.store.LoadMetricsCacheL1(query, live.LabelsJSON)
	if err != nil {
		level.Warn(p.logger).Log("msg", "L1 load failed", "err", err)
		ok = false
	}
	if ok && l1.RequestMD5 == requestMD5 {
		optimalDays = l1.OptimalPeriodDays
	} else {
		p.metrics.AutotuneRuns.Inc()
		points := make(map[int64]float64, len(hist.Points))
		for _, pt := range hist.Points {
			points[pt.T] = pt.V
		}
		totalHours := float64(histEnd-histStart) / 3600
		res := autotune.OptimalPeriodDays(points, totalHours, autotune.Options{
			StepHours:     cfg.Float("autotune.step_hours"),
			UseHannWindow: cfg.Bool("autotune.use_hann_window"),
		})
		optimalDays = res.OptimalPeriodDays
		if err := p.store.SaveMetricsCacheL1(query, live.LabelsJSON, requestMD5, res, scaleCorridor); err != nil {
			level.Warn(p.logger).Log("msg", "L1 save failed", "err", err)
		}
	}

	trimStart := histStart
	if optimalDays > 0 {
		if t := histEnd - int64(optimalDays*86400); t > trimStart {
			trimStart = t
		}
	}
	trimmed := &timeseries.Series{LabelsJSON: hist.LabelsJSON, Labels: hist.Labels}
	for _, pt := range hist.Points {
		if pt.T >= trimStart {
			trimmed.Points = append(trimmed.Points, pt)
		}
	}

	bounds, grid := corridor.BoundsFromHistory(trimmed, trimStart, histEnd, histStep)
	payload, err := corridor.Build(bounds, grid, histStep, corridor.BuildOptions{
		MaxHarmonics:   int(cfg.Int("corrdor_params.max_harmonics")),
		UseCommonTrend: cfg.Bool("corrdor_params.use_common_trend"),
	})
	if err != nil {
		return nil, err
	}

	payload.Meta.Labels = live.Labels
	// created_at is stamped by the store on save, with the same clock its
	// TTL check reads.
	payload.Meta.RebuildCount = priorRebuilds + 1
	p.metrics.Rebuilds.Inc()
	if maxRebuilds := cfg.Int("corrdor_params.max_rebuild_count"); maxRebuilds > 0 && payload.Meta.RebuildCount > maxRebuilds {
		level.Warn(p.logger).Log("msg", "rebuild count exceeded", "labels", live.LabelsJSON, "count", payload.Meta.RebuildCount)
	}

	// The historical baseline: the history itself classified against its
	// own corridor, compressed to the twelve-slot records.
	hGrid, hUpper, hLower := corridor.Restore(payload, grid[0], grid[len(grid)-1], histStep)
	corridor.RepairWidth(hUpper, hLower, corridor.MinWidth(payload, cfg.Float("corrdor_params.min_width_factor")), corridor.Center(payload))
	hPoints := alignToGrid(trimmed, hGrid, histStep)
	hStats := anomaly.Detect(hPoints, hUpper, hLower, hGrid, histStep)
	percentiles := cfg.Floats("anomaly.percentiles")
	payload.Meta.AnomalyStats = corridor.MetaStats{
		Above: anomaly.Compress(hStats.Above, percentiles),
		Below: anomaly.Compress(hStats.Below, percentiles),
	}

	// A cancelled request never persists a partial corridor.
	if ctx.Err() == nil {
		if err := p.store.SaveToCache(query, live.LabelsJSON, payload, cfg); err != nil {
			level.Warn(p.logger).Log("msg", "corridor save failed", "err", err)
		}
	}
	return payload, nil
}

// alignToGrid projects a series onto a grid by bucket, NaN where the
// bucket holds no sample. NaN never classifies as an exceedance.
func alignToGrid(s *timeseries.Series, grid []int64, step int64) []float64 {
	out := make([]float64, len(grid))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(grid) == 0 || step <= 0 {
		return out
	}
	start := grid[0]
	for _, pt := range s.Points {
		if pt.T < start {
			continue
		}
		i := int((pt.T - start) / step)
		if i >= len(out) {
			continue
		}
		out[i] = pt.V
	}
	return out
}

func placeholderLabels(live *timeseries.Series) (string, map[string]string) {
	return live.WithLabel("unused_metric", "true")
}
