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
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gapi "github.com/grafana/grafana-api-golang-client"

	"github.com/corridorhq/corridor-gateway/pkg/cache"
)

// maxVariableCombinations caps template-variable expansion per panel so a
// pathological dashboard cannot explode the catalog.
const maxVariableCombinations = 100

// Refresher periodically re-enumerates a tenant's dashboard panels into
// the metric catalog. The catalog is read-only at query time.
type Refresher struct {
	logger     log.Logger
	api        *gapi.Client
	store      *cache.Store
	instanceID int64
	blacklist  map[string]struct{}
	interval   time.Duration
}

// NewRefresher builds the refresher for one tenant. blacklistUIDs filters
// newly enumerated entries; previously cached catalog rows are left in
// place until the next full refresh.
func NewRefresher(baseURL, token string, store *cache.Store, instanceID int64, blacklistUIDs []string, interval time.Duration, logger log.Logger) (*Refresher, error) {
	api, err := gapi.New(baseURL, gapi.Config{APIKey: token})
	if err != nil {
		return nil, fmt.Errorf("%w: grafana api client: %v", ErrUpstream, err)
	}
	bl := make(map[string]struct{}, len(blacklistUIDs))
	for _, uid := range blacklistUIDs {
		bl[uid] = struct{}{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{
		logger:     logger,
		api:        api,
		store:      store,
		instanceID: instanceID,
		blacklist:  bl,
		interval:   interval,
	}, nil
}

// Run refreshes the catalog on the configured interval until ctx ends.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.RefreshOnce(); err != nil {
			level.Warn(r.logger).Log("msg", "catalog refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshOnce enumerates all dashboards of the tenant and replaces its
// catalog atomically.
func (r *Refresher) RefreshOnce() error {
	dashboards, err := r.api.Dashboards()
	if err != nil {
		return fmt.Errorf("%w: list dashboards: %v", ErrUpstream, err)
	}

	var metrics []cache.CatalogMetric
	for _, d := range dashboards {
		if d.Type == "dash-folder" {
			continue
		}
		board, err := r.api.DashboardByUID(d.UID)
		if err != nil {
			level.Warn(r.logger).Log("msg", "fetching dashboard failed", "uid", d.UID, "err", err)
			continue
		}
		metrics = append(metrics, r.panelMetrics(board, d.URL)...)
	}

	if err := r.store.ReplaceCatalog(r.instanceID, metrics); err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "catalog refreshed", "metrics", len(metrics))
	return nil
}

// panelMetrics extracts every target expression of every panel, expanded
// over the dashboard's template variables.
func (r *Refresher) panelMetrics(board *gapi.Dashboard, dashURL string) []cache.CatalogMetric {
	model := board.Model
	vars := templateVariables(model)

	panels, _ := model["panels"].([]any)
	var out []cache.CatalogMetric
	for i := 0; i < len(panels); i++ {
		panel, ok := panels[i].(map[string]any)
		if !ok {
			continue
		}
		// Row panels nest their children.
		if nested, ok := panel["panels"].([]any); ok {
			panels = append(panels, nested...)
		}
		uid := datasourceUID(panel["datasource"])
		if _, blocked := r.blacklist[uid]; blocked {
			continue
		}
		panelURL := fmt.Sprintf("%s?viewPanel=%v", dashURL, panel["id"])

		targets, _ := panel["targets"].([]any)
		for _, t := range targets {
			target, ok := t.(map[string]any)
			if !ok {
				continue
			}
			expr := targetExpr(target)
			if expr == "" {
				continue
			}
			for _, expanded := range expandVariables(expr, vars) {
				out = append(out, cache.CatalogMetric{
					Key:           expanded,
					DatasourceUID: uid,
					PanelURL:      panelURL,
				})
			}
		}
	}
	return out
}

func targetExpr(target map[string]any) string {
	for _, key := range []string{"expr", "query", "rawSql"} {
		if s, ok := target[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func datasourceUID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if uid, ok := t["uid"].(string); ok {
			return uid
		}
	}
	return ""
}

// templateVariables reads the dashboard's templating block into a name ->
// values mapping. Multi-value variables contribute all options, others
// their current value.
func templateVariables(model map[string]any) map[string][]string {
	out := map[string][]string{}
	templating, ok := model["templating"].(map[string]any)
	if !ok {
		return out
	}
	list, _ := templating["list"].([]any)
	for _, v := range list {
		tv, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tv["name"].(string)
		if name == "" {
			continue
		}
		multi, _ := tv["multi"].(bool)
		if multi {
			if opts, ok := tv["options"].([]any); ok {
				for _, o := range opts {
					om, ok := o.(map[string]any)
					if !ok {
						continue
					}
					if val, ok := om["value"].(string); ok && val != "" && val != "$__all" {
						out[name] = append(out[name], val)
					}
				}
			}
		}
		if len(out[name]) == 0 {
			if cur, ok := tv["current"].(map[string]any); ok {
				switch val := cur["value"].(type) {
				case string:
					out[name] = []string{val}
				case []any:
					for _, e := range val {
						if s, ok := e.(string); ok {
							out[name] = append(out[name], s)
						}
					}
				}
			}
		}
	}
	return out
}

// expandVariables substitutes $var and ${var} occurrences with every
// combination of the variable values, capped at maxVariableCombinations.
func expandVariables(expr string, vars map[string][]string) []string {
	results := []string{expr}
	for name, values := range vars {
		if len(values) == 0 {
			continue
		}
		needle1, needle2 := "$"+name, "${"+name+"}"
		if !strings.Contains(expr, needle1) && !strings.Contains(expr, needle2) {
			continue
		}
		var next []string
		for _, base := range results {
			for _, val := range values {
				s := strings.ReplaceAll(base, needle2, val)
				s = strings.ReplaceAll(s, needle1, val)
				next = append(next, s)
				if len(next) >= maxVariableCombinations {
					return next
				}
			}
		}
		results = next
	}
	return results
}

// DataSourceUIDs lists the tenant's datasource UIDs minus the blacklist,
// for picking the default fetch target.
func (r *Refresher) DataSourceUIDs() ([]string, error) {
	sources, err := r.api.DataSources()
	if err != nil {
		return nil, fmt.Errorf("%w: list datasources: %v", ErrUpstream, err)
	}
	var out []string
	for _, ds := range sources {
		if _, blocked := r.blacklist[ds.UID]; blocked {
			continue
		}
		out = append(out, ds.UID)
	}
	return out, nil
}
