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

// Package config reads the gateway configuration from an INI file with
// dotted keys and applies per-request inline overrides to a copy. The
// nested tree form is what the cache hashes, so every mutation goes
// through the same path-based setter.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// ErrBadOverride marks a malformed inline override; the gateway surfaces
// it as HTTP 400.
var ErrBadOverride = errors.New("malformed config override")

// Config is a nested key tree read from INI. Leaves are bool, int64,
// float64, string or []any.
type Config struct {
	tree map[string]any
}

// Load reads the INI file at path and merges it over the built-in
// defaults. Section names and key names nest on dots.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	c := &Config{tree: defaults()}
	for _, sec := range f.Sections() {
		prefix := ""
		if sec.Name() != ini.DefaultSection {
			prefix = sec.Name() + "."
		}
		for _, key := range sec.Keys() {
			c.set(prefix+key.Name(), parseValue(key.Value()))
		}
	}
	return c, nil
}

// New builds a config from a flat map of dotted keys, nested and merged
// over defaults.
// Used by tests and by the override machinery.
func New(flat map[string]any) *Config {
	c := &Config{tree: defaults()}
	for k, v := range flat {
		c.set(k, v)
	}
	return c
}

func defaults() map[string]any {
	c := &Config{tree: map[string]any{}}
	for k, v := range map[string]any{
		"corrdor_params.historical_period_days": float64(7),
		"corrdor_params.historical_offset_days": float64(0),
		"corrdor_params.history_step":           int64(300),
		"corrdor_params.max_harmonics":          int64(10),
		"corrdor_params.min_width_factor":       0.1,
		"corrdor_params.use_common_trend":       true,
		"corrdor_params.scale_corridor":         false,
		"corrdor_params.max_rebuild_count":      int64(10),
		"corrdor_params.min_data_points":        int64(10),
		"cache.database.path":                   "./cache/corridor.db",
		"cache.max_ttl_hours":                   int64(24),
		"cache.cleanup_days":                    int64(30),
		"anomaly.percentiles":                   []any{float64(0), float64(10), float64(20), float64(30), float64(40), float64(50), float64(60), float64(70), float64(80), float64(90), float64(95), float64(100)},
		"anomaly.target_percentile":             float64(75),
		"anomaly.multiplier":                    float64(1),
		"anomaly.window_size":                   float64(10),
		"autotune.step_hours":                   float64(4),
		"autotune.use_hann_window":              true,
		"timeout.max_metrics":                   int64(50),
		"timeout.request_seconds":               int64(60),
		"dashboard.show_metrics":                "",
		"grafana.url":                           "",
		"grafana.token":                         "",
		"grafana.refresh_interval_minutes":      int64(60),
	} {
		c.set(k, v)
	}
	return c.tree
}

// Raw exposes the nested tree, for config hashing. Callers must not
// mutate it.
func (c *Config) Raw() map[string]any { return c.tree }

// Clone deep-copies the config so overrides never leak across requests.
func (c *Config) Clone() *Config {
	return &Config{tree: deepCopy(c.tree).(map[string]any)}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = deepCopy(e)
		}
		return l
	default:
		return v
	}
}

// ApplyOverrides parses an inline override spec ("key=value; key2=value2",
// the part of a query after '#') and applies it to the config in place.
func (c *Config) ApplyOverrides(spec string) error {
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return fmt.Errorf("%w: %q", ErrBadOverride, part)
		}
		c.set(strings.TrimSpace(kv[0]), parseValue(strings.TrimSpace(kv[1])))
	}
	return nil
}

// parseValue types a textual value: bool, CSV list, int, float, string.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, parseValue(strings.TrimSpace(p)))
		}
		return out
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (c *Config) set(path string, value any) {
	parts := strings.Split(path, ".")
	node := c.tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// Get walks the tree along a dotted path.
func (c *Config) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = c.tree
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Typed accessors. Keys absent from the tree or holding a value of an
// unconvertible type read as the zero value of the accessor's type.

func (c *Config) Float(path string) float64 {
	v, ok := c.Get(path)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func (c *Config) Int(path string) int64 {
	v, ok := c.Get(path)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func (c *Config) Bool(path string) bool {
	v, ok := c.Get(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (c *Config) String(path string) string {
	v, ok := c.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Floats reads a list-valued key, coercing numeric members.
func (c *Config) Floats(path string) []float64 {
	v, ok := c.Get(path)
	if !ok {
		return nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(l))
	for _, e := range l {
		switch t := e.(type) {
		case float64:
			out = append(out, t)
		case int64:
			out = append(out, float64(t))
		}
	}
	return out
}

// Strings reads a list- or scalar-valued key as a string list. A scalar
// becomes a one-element list; an empty scalar becomes nil.
func (c *Config) Strings(path string) []string {
	v, ok := c.Get(path)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
