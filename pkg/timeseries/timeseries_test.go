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

package timeseries

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCanonicalLabelsJSON(t *testing.T) {
	cases := []struct {
		doc    string
		labels map[string]string
		want   string
	}{
		{
			doc:    "empty set",
			labels: nil,
			want:   "{}",
		},
		{
			doc:    "keys sorted",
			labels: map[string]string{"b": "2", "a": "1", "c": "3"},
			want:   `{"a":"1","b":"2","c":"3"}`,
		},
		{
			doc:    "empty values stripped",
			labels: map[string]string{"a": "1", "b": ""},
			want:   `{"a":"1"}`,
		},
		{
			doc:    "internal labels retained",
			labels: map[string]string{"__name__": "cpu", "panel_url": "/d/x"},
			want:   `{"__name__":"cpu","panel_url":"/d/x"}`,
		},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			require.Equal(t, c.want, CanonicalLabelsJSON(c.labels))
		})
	}
}

func TestCanonicalLabelsJSONIdempotent(t *testing.T) {
	in := map[string]string{"z": "9", "a": "1", "m": "5", "drop": ""}
	once := CanonicalLabelsJSON(in)
	parsed, err := ParseLabelsJSON(once)
	require.NoError(t, err)
	require.Equal(t, once, CanonicalLabelsJSON(parsed))
}

func TestParseLabelsJSONRejectsNonScalars(t *testing.T) {
	_, err := ParseLabelsJSON(`{"a":["x"]}`)
	require.Error(t, err)
	_, err = ParseLabelsJSON(`{"a":{"b":"c"}}`)
	require.Error(t, err)
}

func TestGroup(t *testing.T) {
	flat := []LabeledSample{
		{T: 30, V: 3, Labels: map[string]string{"job": "a"}},
		{T: 10, V: 1, Labels: map[string]string{"job": "a"}},
		{T: 20, V: 2, Labels: map[string]string{"job": "b"}},
		{T: 10, V: 7, Labels: map[string]string{"job": "a"}}, // duplicate timestamp, later wins
	}
	groups := Group(flat)
	require.Len(t, groups, 2)

	a := groups[`{"job":"a"}`]
	require.NotNil(t, a)
	want := []Sample{{T: 10, V: 7}, {T: 30, V: 3}}
	if diff := cmp.Diff(want, a.Points); diff != "" {
		t.Fatalf("unexpected points (-want +got):\n%s", diff)
	}

	b := groups[`{"job":"b"}`]
	require.NotNil(t, b)
	require.Equal(t, []Sample{{T: 20, V: 2}}, b.Points)
}

func TestGroupEmpty(t *testing.T) {
	require.Empty(t, Group(nil))
}

func TestFingerprintStable(t *testing.T) {
	f1 := Fingerprint("up", `{"job":"a"}`)
	f2 := Fingerprint("up", `{"job":"a"}`)
	f3 := Fingerprint("up", `{"job":"b"}`)
	require.Equal(t, f1, f2)
	require.NotEqual(t, f1, f3)
	require.Len(t, f1, 32)
}

func TestWithLabel(t *testing.T) {
	s := &Series{Labels: map[string]string{"job": "a"}}
	lj, lset := s.WithLabel("unused_metric", "true")
	require.Equal(t, `{"job":"a","unused_metric":"true"}`, lj)
	require.Equal(t, "true", lset["unused_metric"])
	// Source labels untouched.
	_, ok := s.Labels["unused_metric"]
	require.False(t, ok)
}
