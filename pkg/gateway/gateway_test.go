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

package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/corridorhq/corridor-gateway/pkg/cache"
	"github.com/corridorhq/corridor-gateway/pkg/config"
	"github.com/corridorhq/corridor-gateway/pkg/pipeline"
)

// stubGrafana answers /api/ds/query with a single-series dataframe
// generated from the requested window.
func stubGrafana(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ds/query" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			From    string `json:"from"`
			To      string `json:"to"`
			Queries []struct {
				IntervalMs int64 `json:"intervalMs"`
			} `json:"queries"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		from, _ := strconv.ParseInt(req.From, 10, 64)
		to, _ := strconv.ParseInt(req.To, 10, 64)
		step := int64(60_000)
		if len(req.Queries) > 0 && req.Queries[0].IntervalMs > 0 {
			step = req.Queries[0].IntervalMs
		}

		var times []int64
		var vals []float64
		for ts := from; ts <= to; ts += step {
			times = append(times, ts)
			vals = append(vals, 100+10*math.Sin(2*math.Pi*float64(ts/1000)/86400))
		}
		resp := map[string]any{
			"results": map[string]any{
				"A": map[string]any{
					"frames": []any{
						map[string]any{
							"schema": map[string]any{
								"name": "test_metric",
								"fields": []any{
									map[string]any{"name": "time", "type": "time"},
									map[string]any{"name": "value", "labels": map[string]string{"job": "demo"}},
								},
							},
							"data": map[string]any{"values": []any{times, vals}},
						},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "corridor.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.New(map[string]any{
		"corrdor_params.historical_period_days": float64(1),
		"corrdor_params.min_data_points":        int64(5),
	})
	pipe := pipeline.New(store, pipeline.NewMetrics(prometheus.NewRegistry()), nil)
	return New(store, pipe, cfg, "test", nil)
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// authedRequest targets the stub upstream: the Basic user carries its
// port, the RemoteAddr its host.
func authedRequest(t *testing.T, upstream *httptest.Server, method, target string, form url.Values) *http.Request {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.SetBasicAuth(u.Port(), "test-token")
	req.RemoteAddr = u.Hostname() + ":45678"
	return req
}

func TestAuthRequired(t *testing.T) {
	h := newTestHandler(t)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/labels", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/labels", nil)
	req.SetBasicAuth("not-a-port", "x")
	rec = serve(h, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "error", body["status"])
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryRangeValidation(t *testing.T) {
	h := newTestHandler(t)
	upstream := stubGrafana(t)
	defer upstream.Close()

	cases := []struct {
		doc  string
		form url.Values
	}{
		{
			doc:  "missing query",
			form: url.Values{"start": {"100"}, "end": {"200"}, "step": {"60"}},
		},
		{
			doc:  "malformed override",
			form: url.Values{"query": {"up # nonsense"}, "start": {"100"}, "end": {"200"}, "step": {"60"}},
		},
		{
			doc:  "non-positive step",
			form: url.Values{"query": {"up"}, "start": {"100"}, "end": {"200"}, "step": {"0"}},
		},
		{
			doc:  "bad start",
			form: url.Values{"query": {"up"}, "start": {"yesterday"}, "end": {"200"}, "step": {"60"}},
		},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			req := authedRequest(t, upstream, http.MethodPost, "/api/v1/query_range", c.form)
			rec := serve(h, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestInstantQueryEmptyVector(t *testing.T) {
	h := newTestHandler(t)
	upstream := stubGrafana(t)
	defer upstream.Close()

	req := authedRequest(t, upstream, http.MethodPost, "/api/v1/query", url.Values{"query": {"up"}})
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []any  `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "success", body.Status)
	require.Equal(t, "vector", body.Data.ResultType)
	require.Empty(t, body.Data.Result)
}

func TestBuildinfo(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/status/buildinfo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"version":"2.55.0"`)
}

func TestQueryRangeEndToEnd(t *testing.T) {
	h := newTestHandler(t)
	upstream := stubGrafana(t)
	defer upstream.Close()

	end := int64(1_700_006_400)
	form := url.Values{
		"query": {"test_metric"},
		"start": {fmt.Sprintf("%d", end-3600)},
		"end":   {fmt.Sprintf("%d", end)},
		"step":  {"60"},
	}
	req := authedRequest(t, upstream, http.MethodPost, "/api/v1/query_range", form)
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Metric map[string]string `json:"metric"`
				Values [][2]any          `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "success", body.Status)
	require.Equal(t, "matrix", body.Data.ResultType)
	require.NotEmpty(t, body.Data.Result)

	names := map[string]bool{}
	for _, r := range body.Data.Result {
		names[r.Metric["__name__"]] = true
		require.Equal(t, "test_metric", r.Metric["original_query"])
	}
	require.True(t, names["original"])
	require.True(t, names["dft_upper"])
	require.True(t, names["dft_lower"])
}

func TestQueryRangeInlineWhitelist(t *testing.T) {
	h := newTestHandler(t)
	upstream := stubGrafana(t)
	defer upstream.Close()

	end := int64(1_700_006_400)
	form := url.Values{
		"query": {"test_metric # dashboard.show_metrics=anomaly_concern"},
		"start": {fmt.Sprintf("%d", end-3600)},
		"end":   {fmt.Sprintf("%d", end)},
		"step":  {"60"},
	}
	req := authedRequest(t, upstream, http.MethodPost, "/api/v1/query_range", form)
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data struct {
			Result []struct {
				Metric map[string]string `json:"metric"`
			} `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.Result)
	for _, r := range body.Data.Result {
		name := r.Metric["__name__"]
		require.Contains(t, []string{"anomaly_concern_above", "anomaly_concern_below"}, name)
	}
}

func TestDSQueryProxy(t *testing.T) {
	h := newTestHandler(t)
	upstream := stubGrafana(t)
	defer upstream.Close()

	payload := `{"from":"1000","to":"61000","queries":[{"intervalMs":60000}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/ds/query", strings.NewReader(payload))
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	req.SetBasicAuth(u.Port(), "token")
	req.RemoteAddr = u.Hostname() + ":45678"

	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "frames")
}

func TestMetadata(t *testing.T) {
	h := newTestHandler(t)
	upstream := stubGrafana(t)
	defer upstream.Close()

	require.NoError(t, h.store.ReplaceCatalog(1, []cache.CatalogMetric{{Key: "test_metric"}}))

	req := authedRequest(t, upstream, http.MethodGet, "/api/v1/metadata", nil)
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"type":"gauge"`)
}

func TestParseStep(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{in: "60", want: 60},
		{in: "1m", want: 60},
		{in: "2h", want: 7200},
		{in: "", err: true},
		{in: "bogus", err: true},
	}
	for _, c := range cases {
		got, err := parseStep(c.in)
		if c.err {
			require.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)
	}
}
