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

package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Instance is one authenticated Grafana tenant.
type Instance struct {
	ID            int64
	URL           string
	Token         string
	BlacklistUIDs []string
}

// CatalogMetric is one enumerated dashboard metric of a tenant.
type CatalogMetric struct {
	Key           string
	DatasourceUID string
	PanelURL      string
}

// SaveGrafanaInstance upserts the tenant record keyed by upstream URL and
// returns it. The blacklist is preserved across calls; saving the same
// instance twice does not mutate it.
func (s *Store) SaveGrafanaInstance(url, token string) (Instance, error) {
	var inst Instance
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO grafana_instances (url, token) VALUES (?, ?)
			ON CONFLICT(url) DO UPDATE SET token = excluded.token`, url, token)
		if err != nil {
			return err
		}
		return scanInstance(tx.QueryRow(`SELECT id, url, token, blacklist_uids FROM grafana_instances WHERE url = ?`, url), &inst)
	})
	return inst, err
}

// GetGrafanaInstance looks a tenant up by upstream URL.
func (s *Store) GetGrafanaInstance(url string) (Instance, bool, error) {
	var inst Instance
	err := scanInstance(s.reader().QueryRow(`SELECT id, url, token, blacklist_uids FROM grafana_instances WHERE url = ?`, url), &inst)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, fmt.Errorf("%w: %v", ErrCache, err)
	}
	return inst, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner, inst *Instance) error {
	var blacklist string
	if err := row.Scan(&inst.ID, &inst.URL, &inst.Token, &blacklist); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(blacklist), &inst.BlacklistUIDs); err != nil {
		inst.BlacklistUIDs = nil
	}
	return nil
}

// AppendBlacklistUID adds a datasource UID to the tenant's blacklist.
// Appending an already-present UID is a no-op, so repeated headers on
// every request cost nothing.
func (s *Store) AppendBlacklistUID(instanceID int64, uid string) error {
	if uid == "" {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		var blob string
		if err := tx.QueryRow(`SELECT blacklist_uids FROM grafana_instances WHERE id = ?`, instanceID).Scan(&blob); err != nil {
			return err
		}
		var uids []string
		_ = json.Unmarshal([]byte(blob), &uids)
		for _, u := range uids {
			if u == uid {
				return nil
			}
		}
		uids = append(uids, uid)
		out, err := json.Marshal(uids)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE grafana_instances SET blacklist_uids = ? WHERE id = ?`, string(out), instanceID)
		return err
	})
}

// ReplaceCatalog swaps the tenant's metric catalog for a fresh
// enumeration. The per-tenant rows are deleted and reinserted under one
// transaction, and the global metric list is rebuilt from all tenants, so
// readers observe row-level atomicity.
func (s *Store) ReplaceCatalog(instanceID int64, metrics []CatalogMetric) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM grafana_individual_metrics WHERE instance_id = ?`, instanceID); err != nil {
			return err
		}
		for _, m := range metrics {
			if _, err := tx.Exec(`
				INSERT OR REPLACE INTO grafana_individual_metrics (instance_id, metric_key, datasource_uid, panel_url)
				VALUES (?, ?, ?, ?)`, instanceID, m.Key, m.DatasourceUID, m.PanelURL); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM grafana_metrics`); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO grafana_metrics (query) SELECT DISTINCT metric_key FROM grafana_individual_metrics`)
		return err
	})
}

// ListCatalog returns the tenant's catalog entries.
func (s *Store) ListCatalog(instanceID int64) ([]CatalogMetric, error) {
	rows, err := s.reader().Query(`
		SELECT metric_key, datasource_uid, panel_url FROM grafana_individual_metrics
		WHERE instance_id = ? ORDER BY metric_key`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}
	defer rows.Close()

	var out []CatalogMetric
	for rows.Next() {
		var m CatalogMetric
		if err := rows.Scan(&m.Key, &m.DatasourceUID, &m.PanelURL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCache, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AllMetricKeys lists every enumerated metric key across tenants, for the
// labels endpoints.
func (s *Store) AllMetricKeys() ([]string, error) {
	rows, err := s.reader().Query(`SELECT query FROM grafana_metrics ORDER BY query`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCache, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
