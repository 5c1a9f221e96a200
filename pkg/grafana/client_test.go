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

package grafana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizedRequestMD5(t *testing.T) {
	a := NormalizedRequestMD5("rate(up[5m])", `{"job":"a"}`)
	b := NormalizedRequestMD5("rate(up[5m])  ", `{"job":"a"}`)
	c := NormalizedRequestMD5("rate( up [5m])", `{"job":"a"}`)
	d := NormalizedRequestMD5("rate(up[5m])", `{"job":"b"}`)

	require.Equal(t, a, b, "trailing whitespace is normalised away")
	require.NotEqual(t, a, c, "interior token changes count")
	require.NotEqual(t, a, d, "labels are part of the identity")
	require.Len(t, a, 32)
}

func TestQueryRange(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/ds/query", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req dsQueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Queries, 1)
		require.Equal(t, "up", req.Queries[0].Expr)
		require.Equal(t, "ds-1", req.Queries[0].Datasource.UID)

		resp := map[string]any{
			"results": map[string]any{
				"A": map[string]any{
					"frames": []any{
						map[string]any{
							"schema": map[string]any{
								"name": "up",
								"fields": []any{
									map[string]any{"name": "time", "type": "time"},
									map[string]any{"name": "value", "labels": map[string]string{"job": "node"}},
								},
							},
							"data": map[string]any{
								"values": []any{
									[]int64{60_000, 120_000, 180_000},
									[]any{1.0, nil, 3.0},
								},
							},
						},
					},
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 0, nil)
	samples, err := c.QueryRange(context.Background(), "ds-1", "up", 60, 180, 60)
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", gotAuth)

	// Null values drop, timestamps convert to seconds, frame name fills
	// __name__.
	require.Len(t, samples, 2)
	require.Equal(t, int64(60), samples[0].T)
	require.Equal(t, 1.0, samples[0].V)
	require.Equal(t, int64(180), samples[1].T)
	require.Equal(t, "node", samples[0].Labels["job"])
	require.Equal(t, "up", samples[0].Labels["__name__"])
}

func TestQueryRangeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0, nil)
	_, err := c.QueryRange(context.Background(), "", "up", 0, 60, 60)
	require.ErrorIs(t, err, ErrUpstream)
}

func TestQueryRangeResultError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{"A": map[string]any{"error": "query parse failure"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0, nil)
	_, err := c.QueryRange(context.Background(), "", "up", 0, 60, 60)
	require.ErrorIs(t, err, ErrUpstream)
	require.Contains(t, err.Error(), "query parse failure")
}

func TestExpandVariables(t *testing.T) {
	cases := []struct {
		doc  string
		expr string
		vars map[string][]string
		want []string
	}{
		{
			doc:  "no variables",
			expr: "up",
			vars: map[string][]string{"host": {"a"}},
			want: []string{"up"},
		},
		{
			doc:  "single value",
			expr: `up{host="$host"}`,
			vars: map[string][]string{"host": {"web-1"}},
			want: []string{`up{host="web-1"}`},
		},
		{
			doc:  "braced form",
			expr: `up{host="${host}"}`,
			vars: map[string][]string{"host": {"web-1"}},
			want: []string{`up{host="web-1"}`},
		},
		{
			doc:  "multi value fans out",
			expr: `up{host="$host"}`,
			vars: map[string][]string{"host": {"a", "b"}},
			want: []string{`up{host="a"}`, `up{host="b"}`},
		},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			require.Equal(t, c.want, expandVariables(c.expr, c.vars))
		})
	}
}

func TestExpandVariablesCapped(t *testing.T) {
	vals := make([]string, 50)
	for i := range vals {
		vals[i] = string(rune('a' + i%26))
	}
	vars := map[string][]string{"x": vals, "y": vals}
	got := expandVariables(`m{a="$x",b="$y"}`, vars)
	require.LessOrEqual(t, len(got), maxVariableCombinations)
}

func TestDatasourceUID(t *testing.T) {
	require.Equal(t, "ds-1", datasourceUID("ds-1"))
	require.Equal(t, "ds-2", datasourceUID(map[string]any{"uid": "ds-2"}))
	require.Equal(t, "", datasourceUID(nil))
	require.Equal(t, "", datasourceUID(42))
}
