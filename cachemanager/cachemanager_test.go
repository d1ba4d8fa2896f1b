// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cachemanager

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/datadriven"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/metrics"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func (m *Manager) describePages() string {
	type entry struct {
		k pageKey
		t int64
	}
	var entries []entry
	m.mu.Lock()
	m.mu.pages.All(func(k pageKey, t int64) bool {
		entries = append(entries, entry{k, t})
		return true
	})
	m.mu.Unlock()
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Or(
			cmp.Compare(a.k.worker, b.k.worker),
			strings.Compare(a.k.url, b.k.url),
			cmp.Compare(a.k.index, b.k.index),
		)
	})
	var lines []string
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("w%d %s#%d@%d", e.k.worker, e.k.url, e.k.index, e.t))
	}
	return strings.Join(lines, "\n")
}

func TestManagerDataDriven(t *testing.T) {
	var m *Manager
	datadriven.RunTest(t, "testdata/cachemanager", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "init":
			var opts Options
			d.ScanArgs(t, "max-pages", &opts.MaxPages)
			d.MaybeScanArgs(t, "purge-percent", &opts.PurgePercent)
			opts.Logger = base.NoopLogger{}
			m = New(opts)
			return ""

		case "record":
			var ev AccessEvent
			d.ScanArgs(t, "worker", &ev.WorkerID)
			d.ScanArgs(t, "url", &ev.URL)
			d.ScanArgs(t, "idx", &ev.PageIndex)
			d.ScanArgs(t, "t", &ev.AccessTime)
			cutoff, purged := m.Record(ev)
			if purged {
				return fmt.Sprintf("purged watermark=%d tracked=%d", cutoff, m.Stats().Tracked)
			}
			return fmt.Sprintf("tracked=%d", m.Stats().Tracked)

		case "pages":
			return m.describePages()

		case "watermark":
			return fmt.Sprint(m.Watermark().Load())

		case "stats":
			return m.Stats().String()

		default:
			d.Fatalf(t, "unknown command %q", d.Cmd)
			return ""
		}
	})
}

func TestWatermarkMonotonic(t *testing.T) {
	var w Watermark
	require.Equal(t, int64(0), w.Load())
	require.True(t, w.Advance(10))
	require.False(t, w.Advance(10))
	require.False(t, w.Advance(3))
	require.Equal(t, int64(10), w.Load())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := int64(0); j < 1000; j++ {
				w.Advance(j*8 + int64(i))
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(999*8+7), w.Load())
}

func TestRun(t *testing.T) {
	defer leaktest.AfterTest(t)()
	m := New(Options{MaxPages: 8, Logger: base.NoopLogger{}})
	events := make(chan AccessEvent, 16)
	done := make(chan error)
	go func() { done <- m.Run(context.Background(), events) }()
	for i := 0; i < 100; i++ {
		events <- AccessEvent{WorkerID: i % 2, URL: "mem://b/s", PageIndex: int64(i), AccessTime: int64(i + 1)}
	}
	close(events)
	require.NoError(t, <-done)

	s := m.Stats()
	require.Equal(t, int64(100), s.Events)
	require.LessOrEqual(t, s.Tracked, 8)
	require.Greater(t, s.Purges, int64(0))
	require.Equal(t, s.Watermark, m.Watermark().Load())
	// The newest page is always retained.
	at, ok := m.Tracked(1, "mem://b/s", 99)
	require.True(t, ok)
	require.Equal(t, int64(100), at)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- m.Run(ctx, make(chan AccessEvent)) }()
	cancel()
	require.NoError(t, <-done)
}

func TestManagerMetrics(t *testing.T) {
	mets := metrics.New()
	m := New(Options{MaxPages: 3, PurgePercent: 50, Metrics: mets, Logger: base.NoopLogger{}})
	for i := int64(1); i <= 4; i++ {
		m.Record(AccessEvent{URL: "mem://b/s", PageIndex: i, AccessTime: i * 1e9})
	}
	// Four entries at 1s..4s: the oldest two fall below the 3s cutoff.
	require.Equal(t, int64(3e9), m.Watermark().Load())

	var dm dto.Metric
	require.NoError(t, mets.TrackedPages.Write(&dm))
	require.Equal(t, float64(2), dm.GetGauge().GetValue())
	require.NoError(t, mets.Watermark.Write(&dm))
	require.Equal(t, float64(3), dm.GetGauge().GetValue())
	require.NoError(t, mets.Purges.Write(&dm))
	require.Equal(t, float64(1), dm.GetCounter().GetValue())
}
