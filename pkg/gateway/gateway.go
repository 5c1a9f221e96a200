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

// Package gateway exposes the Prometheus-compatible HTTP surface and
// resolves each request's tenant from its Basic-auth credentials.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/model"

	"github.com/corridorhq/corridor-gateway/internal/promapi"
	"github.com/corridorhq/corridor-gateway/pkg/cache"
	"github.com/corridorhq/corridor-gateway/pkg/config"
	"github.com/corridorhq/corridor-gateway/pkg/grafana"
	"github.com/corridorhq/corridor-gateway/pkg/pipeline"
	"github.com/corridorhq/corridor-gateway/pkg/timeseries"
)

// Tenant is the upstream identity resolved from one request.
type Tenant struct {
	Instance cache.Instance
	Client   *grafana.Client
}

// Handler serves the /api routes.
type Handler struct {
	logger  log.Logger
	store   *cache.Store
	pipe    *pipeline.Pipeline
	baseCfg *config.Config
	version string
	timeout time.Duration
}

// New wires the handler. baseCfg is cloned per request before overrides
// apply.
func New(store *cache.Store, pipe *pipeline.Pipeline, baseCfg *config.Config, version string, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	timeout := time.Duration(baseCfg.Int("timeout.request_seconds")) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Handler{
		logger:  logger,
		store:   store,
		pipe:    pipe,
		baseCfg: baseCfg,
		version: version,
		timeout: timeout,
	}
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/labels", h.withTenant(h.handleLabels))
	mux.HandleFunc("/api/v1/label/__name__/values", h.withTenant(h.handleLabels))
	mux.HandleFunc("/api/v1/metadata", h.withTenant(h.handleMetadata))
	mux.HandleFunc("/api/v1/query", h.withTenant(h.handleQuery))
	mux.HandleFunc("/api/v1/query_range", h.withTenant(h.handleQueryRange))
	mux.HandleFunc("/api/v1/status/buildinfo", promapi.BuildinfoHandlerFunc(h.logger, "corridor-gateway", h.version))
	mux.HandleFunc("/api/ds/query", h.withTenant(h.handleDSProxy))
	mux.HandleFunc("/api/", h.handleNotFound)
}

// withTenant decodes Basic auth into the upstream identity: the user is
// the upstream port, the password the API token, and the caller's IP
// completes the URL. An X-Datasource-UID header extends the tenant's
// blacklist idempotently.
func (h *Handler) withTenant(next func(http.ResponseWriter, *http.Request, *Tenant)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user == "" {
			promapi.WriteError(h.logger, w, promapi.ErrorUnauthorized, "missing or malformed authorization", http.StatusUnauthorized, r.URL.Path)
			return
		}
		port, err := strconv.Atoi(user)
		if err != nil || port <= 0 || port > 65535 {
			promapi.WriteError(h.logger, w, promapi.ErrorUnauthorized, "authorization user must be an upstream port", http.StatusUnauthorized, r.URL.Path)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		upstreamURL := fmt.Sprintf("http://%s:%d", host, port)

		inst, err := h.store.SaveGrafanaInstance(upstreamURL, pass)
		if err != nil {
			level.Warn(h.logger).Log("msg", "saving tenant failed", "err", err)
			promapi.WriteError(h.logger, w, promapi.ErrorInternal, "tenant store failure", http.StatusInternalServerError, r.URL.Path)
			return
		}
		if uid := r.Header.Get("X-Datasource-UID"); uid != "" {
			if err := h.store.AppendBlacklistUID(inst.ID, uid); err != nil {
				level.Warn(h.logger).Log("msg", "appending blacklist uid failed", "err", err)
			}
		}

		tenant := &Tenant{
			Instance: inst,
			Client:   grafana.NewClient(upstreamURL, pass, h.timeout, h.logger),
		}
		next(w, r, tenant)
	}
}

func (h *Handler) handleLabels(w http.ResponseWriter, r *http.Request, _ *Tenant) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "unsupported method", http.StatusMethodNotAllowed, r.URL.Path)
		return
	}
	keys, err := h.store.AllMetricKeys()
	if err != nil {
		level.Warn(h.logger).Log("msg", "listing catalog failed", "err", err)
		keys = nil
	}
	if keys == nil {
		keys = []string{}
	}
	promapi.WriteSuccess(h.logger, w, r.URL.Path, keys)
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request, _ *Tenant) {
	keys, err := h.store.AllMetricKeys()
	if err != nil {
		level.Warn(h.logger).Log("msg", "listing catalog failed", "err", err)
	}
	type metadataEntry struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Unit string `json:"unit"`
	}
	out := make(map[string][]metadataEntry, len(keys))
	for _, k := range keys {
		out[k] = []metadataEntry{{Type: "gauge", Help: k, Unit: ""}}
	}
	promapi.WriteSuccess(h.logger, w, r.URL.Path, out)
}

// handleQuery: instant queries are not evaluated; an empty vector keeps
// Grafana's exploration views quiet.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request, _ *Tenant) {
	promapi.WriteSuccess(h.logger, w, r.URL.Path, promapi.QueryData{
		ResultType: "vector",
		Result:     []any{},
	})
}

func (h *Handler) handleQueryRange(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	if err := r.ParseForm(); err != nil {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "parsing form failed", http.StatusBadRequest, r.URL.Path)
		return
	}
	rawQuery := r.FormValue("query")
	if rawQuery == "" {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "query is required", http.StatusBadRequest, r.URL.Path)
		return
	}

	query, cfg, err := h.applyInlineOverrides(rawQuery)
	if err != nil {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, err.Error(), http.StatusBadRequest, r.URL.Path)
		return
	}

	start, err := parseTime(r.FormValue("start"))
	if err != nil {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "invalid start", http.StatusBadRequest, r.URL.Path)
		return
	}
	end, err := parseTime(r.FormValue("end"))
	if err != nil {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "invalid end", http.StatusBadRequest, r.URL.Path)
		return
	}
	step, err := parseStep(r.FormValue("step"))
	if err != nil || step <= 0 {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "step must be positive", http.StatusBadRequest, r.URL.Path)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	fetcher := h.fetcherFor(tenant, query)
	rows, err := h.pipe.Run(ctx, fetcher, query, start, end, step, cfg)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoSeries) {
			promapi.WriteError(h.logger, w, promapi.ErrorUnavailable, "no series survived upstream fetches", http.StatusBadGateway, r.URL.Path)
			return
		}
		level.Warn(h.logger).Log("msg", "pipeline failed", "query", query, "err", err)
		promapi.WriteError(h.logger, w, promapi.ErrorInternal, "pipeline failure", http.StatusInternalServerError, r.URL.Path)
		return
	}

	result := pipeline.Format(rows, query, cfg.Strings("dashboard.show_metrics"))
	promapi.WriteSuccess(h.logger, w, r.URL.Path, promapi.QueryData{
		ResultType: "matrix",
		Result:     result,
	})
}

func (h *Handler) handleDSProxy(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	if r.Method != http.MethodPost {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "unsupported method", http.StatusMethodNotAllowed, r.URL.Path)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		promapi.WriteError(h.logger, w, promapi.ErrorBadData, "reading body failed", http.StatusBadRequest, r.URL.Path)
		return
	}
	code, payload, err := tenant.Client.Proxy(r.Context(), body)
	if err != nil {
		promapi.WriteError(h.logger, w, promapi.ErrorUnavailable, "upstream proxy failed", http.StatusBadGateway, r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(payload)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	promapi.WriteError(h.logger, w, promapi.ErrorNotFound, "unknown route", http.StatusNotFound, r.URL.Path)
}

// applyInlineOverrides splits "query # key=value; ..." and applies the
// overrides to a clone of the base configuration.
func (h *Handler) applyInlineOverrides(raw string) (string, *config.Config, error) {
	cfg := h.baseCfg.Clone()
	query := raw
	if i := strings.Index(raw, "#"); i >= 0 {
		query = strings.TrimSpace(raw[:i])
		if err := cfg.ApplyOverrides(raw[i+1:]); err != nil {
			return "", nil, err
		}
	}
	if query == "" {
		return "", nil, fmt.Errorf("empty query before overrides")
	}
	return query, cfg, nil
}

// fetcherFor binds the tenant client to the datasource the catalog maps
// the query to, falling back to Grafana's default datasource.
func (h *Handler) fetcherFor(tenant *Tenant, query string) pipeline.Fetcher {
	uid := ""
	entries, err := h.store.ListCatalog(tenant.Instance.ID)
	if err == nil {
		for _, e := range entries {
			if e.Key == query {
				uid = e.DatasourceUID
				break
			}
		}
	}
	return boundFetcher{client: tenant.Client, uid: uid}
}

type boundFetcher struct {
	client *grafana.Client
	uid    string
}

func (f boundFetcher) QueryRange(ctx context.Context, query string, start, end, step int64) ([]timeseries.LabeledSample, error) {
	return f.client.QueryRange(ctx, f.uid, query, start, end, step)
}

// parseTime accepts unix seconds (optionally fractional) or RFC3339.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// parseStep accepts plain seconds or a Prometheus duration string.
func parseStep(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty step")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), nil
	}
	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return int64(time.Duration(d).Seconds()), nil
}
