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

// Package grafana talks to the upstream Grafana instance: raw series
// fetches through /api/ds/query and catalog enumeration through the
// Grafana HTTP API.
package grafana

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/corridorhq/corridor-gateway/pkg/timeseries"
)

// ErrUpstream marks a failed or malformed upstream exchange. The pipeline
// drops the affected series and keeps the request alive.
var ErrUpstream = errors.New("upstream error")

// Client fetches raw series from one Grafana tenant.
type Client struct {
	logger  log.Logger
	http    *http.Client
	baseURL string
	token   string
}

// NewClient builds a pooled client against the tenant's base URL.
func NewClient(baseURL, token string, timeout time.Duration, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	hc := cleanhttp.DefaultPooledClient()
	if timeout > 0 {
		hc.Timeout = timeout
	}
	return &Client{
		logger:  logger,
		http:    hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// BaseURL returns the tenant's upstream URL.
func (c *Client) BaseURL() string { return c.baseURL }

// dsQueryRequest is the /api/ds/query body shape Grafana expects.
type dsQueryRequest struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Queries []dsQuery `json:"queries"`
}

type dsQuery struct {
	RefID         string       `json:"refId"`
	Datasource    dsRef        `json:"datasource"`
	Expr          string       `json:"expr"`
	IntervalMs    int64        `json:"intervalMs"`
	MaxDataPoints int64        `json:"maxDataPoints"`
	Format        string       `json:"format,omitempty"`
	RawSQL        string       `json:"rawSql,omitempty"`
}

type dsRef struct {
	UID string `json:"uid"`
}

// dsQueryResponse mirrors the dataframe envelope of /api/ds/query.
type dsQueryResponse struct {
	Results map[string]struct {
		Error  string    `json:"error"`
		Frames []dsFrame `json:"frames"`
	} `json:"results"`
}

type dsFrame struct {
	Schema struct {
		Name   string `json:"name"`
		Fields []struct {
			Name   string            `json:"name"`
			Type   string            `json:"type"`
			Labels map[string]string `json:"labels"`
		} `json:"fields"`
	} `json:"schema"`
	Data struct {
		Values []json.RawMessage `json:"values"`
	} `json:"data"`
}

// QueryRange fetches [start, end] at step seconds and flattens the
// returned frames into labeled samples ready for grouping.
func (c *Client) QueryRange(ctx context.Context, datasourceUID, query string, start, end, step int64) ([]timeseries.LabeledSample, error) {
	body, err := json.Marshal(dsQueryRequest{
		From: fmt.Sprintf("%d", start*1000),
		To:   fmt.Sprintf("%d", end*1000),
		Queries: []dsQuery{{
			RefID:         "A",
			Datasource:    dsRef{UID: datasourceUID},
			Expr:          query,
			IntervalMs:    step * 1000,
			MaxDataPoints: (end-start)/max64(step, 1) + 1,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode query: %v", ErrUpstream, err)
	}

	raw, err := c.post(ctx, "/api/ds/query", body)
	if err != nil {
		return nil, err
	}

	var resp dsQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}

	var out []timeseries.LabeledSample
	for _, res := range resp.Results {
		if res.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrUpstream, res.Error)
		}
		for _, frame := range res.Frames {
			samples, err := flattenFrame(frame)
			if err != nil {
				level.Warn(c.logger).Log("msg", "skipping malformed frame", "err", err)
				continue
			}
			out = append(out, samples...)
		}
	}
	return out, nil
}

// flattenFrame turns one dataframe (time field + N value fields) into
// labeled samples. Timestamps arrive in milliseconds.
func flattenFrame(frame dsFrame) ([]timeseries.LabeledSample, error) {
	if len(frame.Schema.Fields) < 2 || len(frame.Data.Values) < 2 {
		return nil, nil
	}
	var times []int64
	if err := json.Unmarshal(frame.Data.Values[0], &times); err != nil {
		return nil, fmt.Errorf("time column: %w", err)
	}

	var out []timeseries.LabeledSample
	for fi := 1; fi < len(frame.Schema.Fields) && fi < len(frame.Data.Values); fi++ {
		var vals []*float64
		if err := json.Unmarshal(frame.Data.Values[fi], &vals); err != nil {
			return nil, fmt.Errorf("value column %d: %w", fi, err)
		}
		lset := frame.Schema.Fields[fi].Labels
		if lset == nil {
			lset = map[string]string{}
		}
		if _, ok := lset["__name__"]; !ok && frame.Schema.Name != "" {
			lset["__name__"] = frame.Schema.Name
		}
		for i, v := range vals {
			if i >= len(times) || v == nil {
				continue
			}
			out = append(out, timeseries.LabeledSample{
				T:      times[i] / 1000,
				V:      *v,
				Labels: lset,
			})
		}
	}
	return out, nil
}

// Proxy forwards a raw /api/ds/query body unchanged and returns the
// upstream status and payload.
func (c *Client) Proxy(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ds/query", bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return resp.StatusCode, out, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, path, resp.StatusCode, truncate(out, 256))
	}
	return out, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// NormalizedRequestMD5 hashes the request identity used as the L1 memo
// guard: the query text with collapsed whitespace plus the canonical
// labels JSON. Only runs of whitespace between tokens are collapsed, so
// changing the amount of spacing between tokens does not retune the period;
// adding or removing a space inside a token sequence does.
func NormalizedRequestMD5(query, labelsJSON string) string {
	norm := strings.Join(strings.Fields(query), " ")
	sum := md5.Sum([]byte(norm + labelsJSON))
	return hex.EncodeToString(sum[:])
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
