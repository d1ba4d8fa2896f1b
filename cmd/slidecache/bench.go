// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/guptarohit/asciigraph"
	"github.com/histoslide/slidecache/config"
	"github.com/histoslide/slidecache/fleet"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/internal/tifftest"
	"github.com/histoslide/slidecache/rpc"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

var benchConfig struct {
	concurrency int
	duration    time.Duration
	size        int
	level       int
	seed        int64
	local       bool
}

var benchCmd = &cobra.Command{
	Use:   "bench [slide-url]",
	Short: "measure read_region latency against a fleet",
	Long: `
Issue random read_region requests of a fixed size from concurrent clients and
report latency percentiles and throughput. With --local an in-process fleet
serving a synthetic slide is started instead.
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBench,
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

func clampLatency(d time.Duration) time.Duration {
	return min(max(d, minLatency), maxLatency)
}

// startLocal runs a two-worker fleet on loopback listeners serving one
// synthetic slide. The returned function stops it.
func startLocal(ctx context.Context) (*rpc.Client, string, func() error, error) {
	cfg, err := config.Default().Parse()
	if err != nil {
		return nil, "", nil, err
	}
	loc, mem, err := cfg.Locator(nil)
	if err != nil {
		return nil, "", nil, err
	}
	mem.Put("bench.tif", tifftest.Write(tifftest.Options{
		Width: 4096, Height: 4096, Levels: 4,
		Compression: tifftest.CompressionDeflate,
	}).Data)

	var lns []net.Listener
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, "", nil, err
		}
		lns = append(lns, ln)
	}
	var logger base.Logger = base.NoopLogger{}
	if verbose {
		logger = base.DefaultLogger
	}
	f, err := fleet.New(cfg, fleet.Options{Locator: loc, Logger: logger, Listeners: lns})
	if err != nil {
		return nil, "", nil, err
	}
	client, err := f.Client()
	if err != nil {
		return nil, "", nil, errors.CombineErrors(err, f.Close())
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	stop := func() error {
		cancel()
		return errors.CombineErrors(<-done, loc.Close())
	}
	return client, "mem://bench.tif", stop, nil
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *rpc.Client
	var url string
	var err error
	if benchConfig.local {
		var stopLocal func() error
		client, url, stopLocal, err = startLocal(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := stopLocal(); err != nil {
				fmt.Fprintf(os.Stderr, "stopping local fleet: %v\n", err)
			}
		}()
	} else {
		if len(args) != 1 {
			return errors.New("bench: a slide url is required without --local")
		}
		url = args[0]
		if client, err = newClient(); err != nil {
			return err
		}
	}

	slide := client.Slide(url)
	dims, err := slide.LevelDimensions(ctx)
	if err != nil {
		return err
	}
	downsamples, err := slide.LevelDownsamples(ctx)
	if err != nil {
		return err
	}
	level, size := benchConfig.level, benchConfig.size
	if level < 0 || level >= len(dims) {
		return errors.Newf("bench: level %d out of range [0, %d)", level, len(dims))
	}
	if size <= 0 || benchConfig.concurrency <= 0 {
		return errors.Newf("bench: size and concurrency must be positive")
	}
	w, h := dims[level][0], dims[level][1]
	ds := downsamples[level]

	ctx, cancel := context.WithTimeout(ctx, benchConfig.duration)
	defer cancel()
	var ops atomic.Int64
	hists := make([]*hdrhistogram.Histogram, benchConfig.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	start := crtime.NowMono()
	for i := range hists {
		hist := newHistogram()
		hists[i] = hist
		rng := rand.New(rand.NewSource(uint64(benchConfig.seed) + uint64(i)))
		g.Go(func() error {
			for gctx.Err() == nil {
				x := rng.Int63n(int64(max(1, w-size)))
				y := rng.Int63n(int64(max(1, h-size)))
				t := crtime.NowMono()
				_, err := slide.ReadRegion(gctx, int64(float64(x)*ds), int64(float64(y)*ds), level, size, size)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := hist.RecordValue(clampLatency(t.Elapsed()).Nanoseconds()); err != nil {
					return err
				}
				ops.Add(1)
			}
			return nil
		})
	}

	var perSec []float64
	ticker := time.NewTicker(time.Second)
	var prev int64
	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	for done := false; !done; {
		select {
		case <-ticker.C:
			n := ops.Load()
			perSec = append(perSec, float64(n-prev))
			prev = n
		case err = <-waitErr:
			done = true
		}
	}
	ticker.Stop()
	if err != nil {
		return err
	}
	elapsed := start.Elapsed()

	total := newHistogram()
	for _, hist := range hists {
		total.Merge(hist)
	}
	fmt.Printf("%s: level %d, %dx%d regions, %d clients, %s\n",
		url, level, size, size, benchConfig.concurrency, elapsed.Round(time.Millisecond))
	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{"ops", "ops/sec", "mean", "p50", "p95", "p99", "max"})
	ms := func(ns int64) string {
		return fmt.Sprintf("%.2fms", float64(ns)/float64(time.Millisecond))
	}
	tbl.Append([]string{
		fmt.Sprint(total.TotalCount()),
		fmt.Sprintf("%.1f", float64(total.TotalCount())/elapsed.Seconds()),
		ms(int64(total.Mean())),
		ms(total.ValueAtQuantile(50)),
		ms(total.ValueAtQuantile(95)),
		ms(total.ValueAtQuantile(99)),
		ms(total.Max()),
	})
	tbl.Render()
	if len(perSec) > 1 {
		fmt.Println("ops/sec:")
		fmt.Println(asciigraph.Plot(perSec, asciigraph.Height(10)))
	}
	return nil
}
