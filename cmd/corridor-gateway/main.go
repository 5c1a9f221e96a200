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

// The corridor gateway sits between a dashboarding frontend and the
// upstream time-series backends behind a Grafana instance. It re-emits
// queried series together with a history-derived tolerance corridor and
// anomaly-intensity series, so anomalies can be overlaid on any dashboard
// without modifying it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corridorhq/corridor-gateway/pkg/cache"
	"github.com/corridorhq/corridor-gateway/pkg/config"
	"github.com/corridorhq/corridor-gateway/pkg/gateway"
	"github.com/corridorhq/corridor-gateway/pkg/grafana"
	"github.com/corridorhq/corridor-gateway/pkg/pipeline"
)

const version = "0.9.0"

func main() {
	a := kingpin.New("corridor-gateway", "Prometheus-compatible anomaly-corridor gateway")
	configFile := a.Flag("config.file", "Path to the INI configuration.").
		Default("config/config.cfg").String()
	listenAddress := a.Flag("web.listen-address", "Address to expose the API and metrics on.").
		Default(":19094").String()
	logLevel := a.Flag("log.level", "The level of logging. Can be one of 'debug', 'info', 'warn', 'error'").
		Default("info").Enum("debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing flags:", err)
		os.Exit(2)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	switch *logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := cache.Open(cfg.String("cache.database.path"), log.With(logger, "component", "cache"))
	if err != nil {
		level.Error(logger).Log("msg", "opening cache failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	pipeMetrics := pipeline.NewMetrics(metrics)
	pipe := pipeline.New(store, pipeMetrics, log.With(logger, "component", "pipeline"))
	handler := gateway.New(store, pipe, cfg, version, log.With(logger, "component", "gateway"))

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Corridor gateway is Healthy.")
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Corridor gateway is Ready.")
	})

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		server := &http.Server{Addr: *listenAddress, Handler: mux}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting web server", "listen", *listenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}
	{
		// Cache janitor: evict corridor entries nobody asked for lately.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			days := int(cfg.Int("cache.cleanup_days"))
			if days <= 0 {
				days = 30
			}
			ticker := time.NewTicker(12 * time.Hour)
			defer ticker.Stop()
			for {
				if err := store.CleanupOldEntries(days); err != nil {
					level.Warn(logger).Log("msg", "cache cleanup failed", "err", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		}, func(error) {
			cancel()
		})
	}
	if grafanaURL := cfg.String("grafana.url"); grafanaURL != "" {
		// Catalog refresher for the statically configured tenant. Tenants
		// arriving via Basic auth reuse whatever the refresher populated.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			inst, err := store.SaveGrafanaInstance(grafanaURL, cfg.String("grafana.token"))
			if err != nil {
				return err
			}
			interval := time.Duration(cfg.Int("grafana.refresh_interval_minutes")) * time.Minute
			refresher, err := grafana.NewRefresher(grafanaURL, cfg.String("grafana.token"), store, inst.ID,
				inst.BlacklistUIDs, interval, log.With(logger, "component", "catalog"))
			if err != nil {
				return err
			}
			err = refresher.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "running gateway failed", "err", err)
		os.Exit(1)
	}
}
