// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package metrics holds the Prometheus collectors exported by a slidecache
// fleet and small value types shared by component Stats.
package metrics

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slidecache"

// Metrics is the set of collectors for one fleet. Per-worker views are
// obtained with ForWorker.
type Metrics struct {
	PageHits      *prometheus.CounterVec
	PageMisses    *prometheus.CounterVec
	PageEvictions *prometheus.CounterVec
	ResidentPages *prometheus.GaugeVec
	ResidentBytes *prometheus.GaugeVec

	RemoteCalls *prometheus.CounterVec
	RemoteBytes *prometheus.CounterVec

	OpenSlides       *prometheus.GaugeVec
	TileDecodeErrors *prometheus.CounterVec

	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	DroppedEvents prometheus.Counter
	TrackedPages  prometheus.Gauge
	Purges        prometheus.Counter
	Watermark     prometheus.Gauge
}

// New constructs unregistered collectors.
func New() *Metrics {
	workerLabel := []string{"worker"}
	return &Metrics{
		PageHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pagecache", Name: "hits_total",
			Help: "Page lookups served from the page cache.",
		}, workerLabel),
		PageMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pagecache", Name: "misses_total",
			Help: "Pages that had to be fetched from remote storage.",
		}, workerLabel),
		PageEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pagecache", Name: "evictions_total",
			Help: "Pages removed by watermark purges.",
		}, workerLabel),
		ResidentPages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pagecache", Name: "resident_pages",
			Help: "Pages currently held by the page cache.",
		}, workerLabel),
		ResidentBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pagecache", Name: "resident_bytes",
			Help: "Bytes currently held by the page cache.",
		}, workerLabel),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "calls_total",
			Help: "Range reads issued against remote storage.",
		}, workerLabel),
		RemoteBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "bytes_total",
			Help: "Bytes fetched from remote storage.",
		}, workerLabel),
		OpenSlides: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "open_slides",
			Help: "Pyramid readers held in the worker handle cache.",
		}, workerLabel),
		TileDecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pyramid", Name: "tile_decode_errors_total",
			Help: "Tiles replaced by a blank placeholder after a decode failure.",
		}, workerLabel),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "requests_total",
			Help: "RPC requests handled, by command and result code.",
		}, []string{"command", "code"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "request_duration_seconds",
			Help:    "Time spent handling an RPC request.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"command"}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cachemanager", Name: "dropped_events_total",
			Help: "Access events dropped because the manager queue was full.",
		}),
		TrackedPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cachemanager", Name: "tracked_pages",
			Help: "Pages tracked by the cache manager across all workers.",
		}),
		Purges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cachemanager", Name: "purges_total",
			Help: "Watermarks published by the cache manager.",
		}),
		Watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cachemanager", Name: "watermark_seconds",
			Help: "Most recently published eviction watermark (unix seconds).",
		}),
	}
}

// Register registers every collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.PageHits, m.PageMisses, m.PageEvictions, m.ResidentPages, m.ResidentBytes,
		m.RemoteCalls, m.RemoteBytes, m.OpenSlides, m.TileDecodeErrors,
		m.Requests, m.RequestLatency,
		m.DroppedEvents, m.TrackedPages, m.Purges, m.Watermark,
	} {
		if err := r.Register(c); err != nil {
			return errors.Wrap(err, "registering slidecache metrics")
		}
	}
	return nil
}

// PageCache is the per-worker slice of the page cache collectors.
type PageCache struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Evictions     prometheus.Counter
	ResidentPages prometheus.Gauge
	ResidentBytes prometheus.Gauge
}

// Remote is the per-worker slice of the remote read collectors.
type Remote struct {
	Calls prometheus.Counter
	Bytes prometheus.Counter
}

// Worker bundles the collectors a single worker writes to.
type Worker struct {
	PageCache        PageCache
	Remote           Remote
	OpenSlides       prometheus.Gauge
	TileDecodeErrors prometheus.Counter
	DroppedEvents    prometheus.Counter
	Requests         *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
}

// ForWorker returns the collectors labelled for worker id.
func (m *Metrics) ForWorker(id int) *Worker {
	l := strconv.Itoa(id)
	return &Worker{
		PageCache: PageCache{
			Hits:          m.PageHits.WithLabelValues(l),
			Misses:        m.PageMisses.WithLabelValues(l),
			Evictions:     m.PageEvictions.WithLabelValues(l),
			ResidentPages: m.ResidentPages.WithLabelValues(l),
			ResidentBytes: m.ResidentBytes.WithLabelValues(l),
		},
		Remote: Remote{
			Calls: m.RemoteCalls.WithLabelValues(l),
			Bytes: m.RemoteBytes.WithLabelValues(l),
		},
		OpenSlides:       m.OpenSlides.WithLabelValues(l),
		TileDecodeErrors: m.TileDecodeErrors.WithLabelValues(l),
		DroppedEvents:    m.DroppedEvents,
		Requests:         m.Requests,
		RequestLatency:   m.RequestLatency,
	}
}
