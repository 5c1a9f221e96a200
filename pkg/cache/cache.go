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

// Package cache is the persistent multi-tier store behind the corridor
// engine: interned query texts, TTL'd corridor payloads (L2), permanent
// auto-tune memos (L1), the Grafana metric catalog and per-metric-key
// fetch budgets. Backed by a single SQLite file.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "modernc.org/sqlite"

	"github.com/corridorhq/corridor-gateway/pkg/autotune"
	"github.com/corridorhq/corridor-gateway/pkg/config"
	"github.com/corridorhq/corridor-gateway/pkg/corridor"
	"github.com/corridorhq/corridor-gateway/pkg/timeseries"
)

// ErrCache wraps persistent-store I/O failures. Callers treat it as a
// cache miss, never as a request failure.
var ErrCache = errors.New("cache error")

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	query_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	query         TEXT NOT NULL UNIQUE,
	custom_params TEXT NOT NULL DEFAULT '',
	config_hash   TEXT NOT NULL DEFAULT '',
	last_accessed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS corridor_entries (
	query_id      INTEGER NOT NULL,
	metric_hash   TEXT NOT NULL,
	payload       TEXT NOT NULL,
	config_hash   TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	PRIMARY KEY (query_id, metric_hash)
);
CREATE TABLE IF NOT EXISTS metrics_cache_permanent (
	query_id            INTEGER NOT NULL,
	metric_hash         TEXT NOT NULL,
	request_md5         TEXT NOT NULL,
	optimal_period_days REAL NOT NULL,
	scale_corridor      INTEGER NOT NULL DEFAULT 0,
	k                   INTEGER NOT NULL DEFAULT 0,
	factor              REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (query_id, metric_hash)
);
CREATE TABLE IF NOT EXISTS grafana_metrics (
	query TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS grafana_individual_metrics (
	instance_id INTEGER NOT NULL,
	metric_key  TEXT NOT NULL,
	datasource_uid TEXT NOT NULL DEFAULT '',
	panel_url   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (instance_id, metric_key)
);
CREATE TABLE IF NOT EXISTS grafana_instances (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	url            TEXT NOT NULL UNIQUE,
	token          TEXT NOT NULL DEFAULT '',
	blacklist_uids TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS metrics_max_periods (
	metric_key      TEXT PRIMARY KEY,
	max_period_days REAL NOT NULL
);
`

// Store is the cache handle. Safe for concurrent use; mutating operations
// serialise through a single transaction at a time.
type Store struct {
	logger log.Logger
	path   string
	now    func() time.Time

	mtx sync.RWMutex
	db  *sql.DB
}

// Open creates the cache directory (0755) if needed and opens the SQLite
// file with WAL journaling.
func Open(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{logger: logger, path: path, now: time.Now}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create cache dir: %v", ErrCache, err)
		}
	}
	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrCache, s.path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: create schema: %v", ErrCache, err)
	}
	s.db = db
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// reader hands out the current database handle under the read lock, so a
// failure-path re-open never races an in-flight read.
func (s *Store) reader() *sql.DB {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.db
}

// withTx runs fn inside a write transaction, retrying once through a
// re-open on I/O failure.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	err := s.runTx(fn)
	if err == nil {
		return nil
	}
	level.Warn(s.logger).Log("msg", "cache transaction failed, reopening", "err", err)
	s.db.Close()
	if oerr := s.open(); oerr != nil {
		return oerr
	}
	if err := s.runTx(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrCache, err)
	}
	return nil
}

func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// internQuery inserts or refreshes the query row and returns its id.
func internQuery(tx *sql.Tx, query, configHash string, now int64) (int64, error) {
	_, err := tx.Exec(`
		INSERT INTO queries (query, config_hash, last_accessed) VALUES (?, ?, ?)
		ON CONFLICT(query) DO UPDATE SET config_hash = excluded.config_hash, last_accessed = excluded.last_accessed`,
		query, configHash, now)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRow(`SELECT query_id FROM queries WHERE query = ?`, query).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) queryID(query string) (int64, bool, error) {
	var id int64
	err := s.reader().QueryRow(`SELECT query_id FROM queries WHERE query = ?`, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrCache, err)
	}
	return id, true, nil
}

// SaveToCache interns the query under the current config hash and replaces
// the corridor entry for the fingerprint. Last writer wins.
func (s *Store) SaveToCache(query, labelsJSON string, payload *corridor.Payload, cfg *config.Config) error {
	hash := CreateConfigHash(cfg)
	metricHash := timeseries.Fingerprint(query, labelsJSON)
	now := s.now().Unix()

	payload.Meta.ConfigHash = hash
	if payload.Meta.CreatedAt == 0 {
		payload.Meta.CreatedAt = now
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrCache, err)
	}

	return s.withTx(func(tx *sql.Tx) error {
		id, err := internQuery(tx, query, hash, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO corridor_entries
				(query_id, metric_hash, payload, config_hash, created_at, last_accessed)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, metricHash, string(blob), hash, payload.Meta.CreatedAt, now)
		return err
	})
}

// LoadFromCache returns the decoded payload for the fingerprint, bumping
// last_accessed at most once per hour.
func (s *Store) LoadFromCache(query, labelsJSON string) (*corridor.Payload, bool, error) {
	id, ok, err := s.queryID(query)
	if err != nil || !ok {
		return nil, false, err
	}
	metricHash := timeseries.Fingerprint(query, labelsJSON)

	var blob string
	var lastAccessed int64
	err = s.reader().QueryRow(`
		SELECT payload, last_accessed FROM corridor_entries
		WHERE query_id = ? AND metric_hash = ?`, id, metricHash).Scan(&blob, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCache, err)
	}

	var payload corridor.Payload
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return nil, false, fmt.Errorf("%w: decode payload: %v", ErrCache, err)
	}

	now := s.now().Unix()
	if now-lastAccessed >= 3600 {
		err := s.withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`UPDATE corridor_entries SET last_accessed = ? WHERE query_id = ? AND metric_hash = ?`, now, id, metricHash); err != nil {
				return err
			}
			_, err := tx.Exec(`UPDATE queries SET last_accessed = ? WHERE query_id = ?`, now, id)
			return err
		})
		if err != nil {
			level.Warn(s.logger).Log("msg", "bumping last_accessed failed", "err", err)
		}
	}
	return &payload, true, nil
}

// ShouldRecreateCache reports whether the corridor for the fingerprint
// must be rebuilt: missing entry, stale config hash, or exceeded TTL. A
// series flagged unused_metric skips the config-hash dimension while the
// TTL holds, so placeholder rows don't churn on config edits.
func (s *Store) ShouldRecreateCache(query, labelsJSON string, cfg *config.Config) bool {
	id, ok, err := s.queryID(query)
	if err != nil {
		level.Warn(s.logger).Log("msg", "cache read failed, treating as miss", "err", err)
		return true
	}
	if !ok {
		return true
	}
	metricHash := timeseries.Fingerprint(query, labelsJSON)

	var storedHash string
	var createdAt int64
	err = s.reader().QueryRow(`
		SELECT config_hash, created_at FROM corridor_entries
		WHERE query_id = ? AND metric_hash = ?`, id, metricHash).Scan(&storedHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	if err != nil {
		level.Warn(s.logger).Log("msg", "cache read failed, treating as miss", "err", err)
		return true
	}

	maxTTL := time.Duration(cfg.Int("cache.max_ttl_hours")) * time.Hour
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	expired := s.now().Unix()-createdAt > int64(maxTTL.Seconds())

	lset, err := timeseries.ParseLabelsJSON(labelsJSON)
	if err == nil && lset["unused_metric"] == "true" {
		return expired
	}
	if expired {
		return true
	}
	return storedHash != CreateConfigHash(cfg)
}

// L1Entry is the permanent auto-tune memo for one fingerprint.
type L1Entry struct {
	RequestMD5        string
	OptimalPeriodDays float64
	ScaleCorridor     bool
	K                 int
	Factor            float64
}

// SaveMetricsCacheL1 writes the permanent memo. Entries never expire and
// survive configuration changes.
func (s *Store) SaveMetricsCacheL1(query, labelsJSON, requestMD5 string, res autotune.Result, scaleCorridor bool) error {
	metricHash := timeseries.Fingerprint(query, labelsJSON)
	now := s.now().Unix()
	return s.withTx(func(tx *sql.Tx) error {
		id, err := internQuery(tx, query, "", now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO metrics_cache_permanent
				(query_id, metric_hash, request_md5, optimal_period_days, scale_corridor, k, factor)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, metricHash, requestMD5, res.OptimalPeriodDays, boolToInt(scaleCorridor), res.K, res.Factor)
		return err
	})
}

// LoadMetricsCacheL1 reads the permanent memo if present.
func (s *Store) LoadMetricsCacheL1(query, labelsJSON string) (L1Entry, bool, error) {
	id, ok, err := s.queryID(query)
	if err != nil || !ok {
		return L1Entry{}, false, err
	}
	metricHash := timeseries.Fingerprint(query, labelsJSON)

	var e L1Entry
	var scale int
	err = s.reader().QueryRow(`
		SELECT request_md5, optimal_period_days, scale_corridor, k, factor
		FROM metrics_cache_permanent WHERE query_id = ? AND metric_hash = ?`, id, metricHash).
		Scan(&e.RequestMD5, &e.OptimalPeriodDays, &scale, &e.K, &e.Factor)
	if errors.Is(err, sql.ErrNoRows) {
		return L1Entry{}, false, nil
	}
	if err != nil {
		return L1Entry{}, false, fmt.Errorf("%w: %v", ErrCache, err)
	}
	e.ScaleCorridor = scale != 0
	return e, true, nil
}

// CleanupOldEntries removes corridor entries not accessed for the given
// number of days, plus queries rows left without entries, inside one
// transaction.
func (s *Store) CleanupOldEntries(days int) error {
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM corridor_entries WHERE last_accessed < ?`, cutoff); err != nil {
			return err
		}
		_, err := tx.Exec(`
			DELETE FROM queries WHERE query_id NOT IN (SELECT query_id FROM corridor_entries)
			AND query_id NOT IN (SELECT query_id FROM metrics_cache_permanent)`)
		return err
	})
}

// SaveMaxPeriod memoises the fetch budget observed for a metric key.
func (s *Store) SaveMaxPeriod(metricKey string, days float64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO metrics_max_periods (metric_key, max_period_days) VALUES (?, ?)`, metricKey, days)
		return err
	})
}

// LoadMaxPeriod returns the memoised fetch budget, if any.
func (s *Store) LoadMaxPeriod(metricKey string) (float64, bool, error) {
	var days float64
	err := s.reader().QueryRow(`SELECT max_period_days FROM metrics_max_periods WHERE metric_key = ?`, metricKey).Scan(&days)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrCache, err)
	}
	return days, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
