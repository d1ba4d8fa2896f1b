// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/config"
	"github.com/histoslide/slidecache/fleet"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/metrics"
	"github.com/histoslide/slidecache/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a worker fleet and its cache manager",
	Long: `
Run one worker per configured address together with the cache manager, until
interrupted. Worker sockets are created in the configured socket directory.
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// loadConfig loads the configuration named by --config and applies the
// --workers override.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if len(workerAddrs) > 0 {
		for _, addr := range workerAddrs {
			if _, _, err := rpc.ParseAddr(addr); err != nil {
				return config.Config{}, err
			}
		}
		cfg.WorkerAddrs = workerAddrs
	}
	return cfg, nil
}

func clientLogger() base.Logger {
	if verbose {
		return base.DefaultLogger
	}
	return base.NoopLogger{}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveMetricsAddr != "" {
		cfg.MetricsAddr = serveMetricsAddr
	}
	for _, addr := range cfg.WorkerAddrs {
		if network, address, _ := rpc.ParseAddr(addr); network == "unix" {
			if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
				return errors.Wrapf(err, "creating socket directory for %s", addr)
			}
		}
	}

	var logf func(string, ...interface{})
	if verbose {
		logf = log.Printf
	}
	loc, _, err := cfg.Locator(logf)
	if err != nil {
		return err
	}
	defer loc.Close()

	mets := metrics.New()
	reg := prometheus.NewRegistry()
	if err := mets.Register(reg); err != nil {
		return err
	}

	var logger base.Logger = base.DefaultLogger
	if !verbose {
		logger = base.NewRateLimitedLogger(base.DefaultLogger, time.Second)
	}
	f, err := fleet.New(cfg, fleet.Options{Locator: loc, Metrics: mets, Logger: logger})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Printf("serving %d workers on %v", len(cfg.WorkerAddrs), f.Addrs())
	err = f.Run(ctx)
	for i, w := range f.Workers() {
		log.Printf("worker %d: %s", i, w.Stats())
	}
	log.Printf("cache manager: %s", f.Manager().Stats())
	return err
}
