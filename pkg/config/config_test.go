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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadNestsDottedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.cfg")
	require.NoError(t, os.WriteFile(path, []byte(`
corrdor_params.max_harmonics = 20
corrdor_params.use_common_trend = false

[cache]
max_ttl_hours = 48
database.path = /tmp/corridor.db

[dashboard]
show_metrics = original,dft_upper
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, int64(20), cfg.Int("corrdor_params.max_harmonics"))
	require.False(t, cfg.Bool("corrdor_params.use_common_trend"))
	require.Equal(t, int64(48), cfg.Int("cache.max_ttl_hours"))
	require.Equal(t, "/tmp/corridor.db", cfg.String("cache.database.path"))
	require.Equal(t, []string{"original", "dft_upper"}, cfg.Strings("dashboard.show_metrics"))

	// Untouched keys keep their defaults.
	require.Equal(t, 0.1, cfg.Float("corrdor_params.min_width_factor"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.cfg")
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cases := []struct {
		doc   string
		spec  string
		check func(t *testing.T, cfg *Config)
	}{
		{
			doc:  "bool",
			spec: "corrdor_params.scale_corridor=true",
			check: func(t *testing.T, cfg *Config) {
				require.True(t, cfg.Bool("corrdor_params.scale_corridor"))
			},
		},
		{
			doc:  "int",
			spec: "corrdor_params.max_harmonics=5",
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, int64(5), cfg.Int("corrdor_params.max_harmonics"))
			},
		},
		{
			doc:  "float",
			spec: "anomaly.multiplier=1.5",
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, 1.5, cfg.Float("anomaly.multiplier"))
			},
		},
		{
			doc:  "csv list",
			spec: "dashboard.show_metrics=original,anomaly_concern",
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, []string{"original", "anomaly_concern"}, cfg.Strings("dashboard.show_metrics"))
			},
		},
		{
			doc:  "string",
			spec: "dashboard.show_metrics=anomaly_concern",
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, []string{"anomaly_concern"}, cfg.Strings("dashboard.show_metrics"))
			},
		},
		{
			doc:  "multiple overrides",
			spec: "corrdor_params.max_harmonics=3; anomaly.window_size=20",
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, int64(3), cfg.Int("corrdor_params.max_harmonics"))
				require.Equal(t, 20.0, cfg.Float("anomaly.window_size"))
			},
		},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			cfg := New(nil)
			require.NoError(t, cfg.ApplyOverrides(c.spec))
			c.check(t, cfg)
		})
	}
}

func TestApplyOverridesMalformed(t *testing.T) {
	cfg := New(nil)
	require.ErrorIs(t, cfg.ApplyOverrides("no-equals-sign"), ErrBadOverride)
	require.ErrorIs(t, cfg.ApplyOverrides("=value"), ErrBadOverride)
}

func TestCloneIsolation(t *testing.T) {
	base := New(nil)
	clone := base.Clone()
	require.NoError(t, clone.ApplyOverrides("corrdor_params.max_harmonics=99"))
	require.Equal(t, int64(10), base.Int("corrdor_params.max_harmonics"))
	require.Equal(t, int64(99), clone.Int("corrdor_params.max_harmonics"))
}
