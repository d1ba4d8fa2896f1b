// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	workerAddrs []string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "slidecache [command] (flags)",
	Short: "slidecache worker fleet and diagnostics",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		serveCmd,
		probeCmd,
		benchCmd,
	)

	for _, cmd := range []*cobra.Command{serveCmd, probeCmd, benchCmd} {
		cmd.Flags().StringVarP(
			&configPath, "config", "c", "", "path of the YAML configuration file")
		cmd.Flags().BoolVarP(
			&verbose, "verbose", "v", false, "log retries and purges")
	}
	for _, cmd := range []*cobra.Command{probeCmd, benchCmd} {
		cmd.Flags().StringSliceVar(
			&workerAddrs, "workers", nil, "worker addresses, overriding the configuration")
	}

	serveCmd.Flags().StringVar(
		&serveMetricsAddr, "metrics-addr", "", "address to expose /metrics on, overriding the configuration")

	benchCmd.Flags().IntVarP(
		&benchConfig.concurrency, "concurrency", "n", 4, "number of concurrent clients")
	benchCmd.Flags().DurationVarP(
		&benchConfig.duration, "duration", "d", 10*time.Second, "the duration to run")
	benchCmd.Flags().IntVar(
		&benchConfig.size, "size", 512, "edge of each requested region, in pixels")
	benchCmd.Flags().IntVar(
		&benchConfig.level, "level", 0, "pyramid level to read")
	benchCmd.Flags().Int64Var(
		&benchConfig.seed, "seed", 1, "seed for region placement")
	benchCmd.Flags().BoolVar(
		&benchConfig.local, "local", false,
		"run against an in-process fleet serving a synthetic slide; the slide argument is ignored")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
