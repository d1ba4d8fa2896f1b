// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cachemanager enforces a fleet-wide page budget. It consumes the
// access events of every worker, remembers the latest access time of each
// (worker, url, page) and, whenever more pages are tracked than the budget
// allows, publishes a watermark. Workers evict pages last accessed before
// the watermark on their own schedule; the manager never touches a worker's
// cache.
package cachemanager

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/swiss"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/metrics"
)

// Defaults for Options.
const (
	DefaultMaxPages     = 16384
	DefaultPurgePercent = 25
)

// AccessEvent reports that a worker read or inserted a page.
type AccessEvent struct {
	WorkerID  int
	URL       string
	PageIndex int64
	// AccessTime is in unix nanoseconds.
	AccessTime int64
}

// SafeFormat implements redact.SafeFormatter.
func (e AccessEvent) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("w%d %s#%d@%d", redact.SafeInt(e.WorkerID), e.URL,
		redact.SafeInt(e.PageIndex), redact.SafeInt(e.AccessTime))
}

func (e AccessEvent) String() string {
	return redact.StringWithoutMarkers(e)
}

// Watermark is the eviction cutoff shared between the manager and the
// workers. It only moves forward. The zero value is a watermark of 0, which
// evicts nothing.
type Watermark struct {
	v atomic.Int64
}

// Load returns the current watermark.
func (w *Watermark) Load() int64 {
	return w.v.Load()
}

// Advance raises the watermark to t. It returns false, leaving the
// watermark unchanged, if t is not above the current value.
func (w *Watermark) Advance(t int64) bool {
	for {
		cur := w.v.Load()
		if t <= cur {
			return false
		}
		if w.v.CompareAndSwap(cur, t) {
			return true
		}
	}
}

// Options configure a Manager.
type Options struct {
	// MaxPages is the number of pages tracked fleet-wide before a purge.
	MaxPages int
	// PurgePercent is the share of tracked pages a purge drops, in (0, 100).
	PurgePercent int
	// Metrics, if set, receives the tracked page count, purges and
	// watermark.
	Metrics *metrics.Metrics
	// Logger receives purge notices. Defaults to base.DefaultLogger.
	Logger base.Logger
}

func (o *Options) ensureDefaults() {
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.PurgePercent <= 0 || o.PurgePercent >= 100 {
		o.PurgePercent = DefaultPurgePercent
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
}

// Stats describe the manager's activity.
type Stats struct {
	Events  int64
	Purges  int64
	Tracked int
	// Watermark is the last published cutoff.
	Watermark int64
}

// SafeFormat implements redact.SafeFormatter.
func (s Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("events=%d purges=%d tracked=%d watermark=%d",
		redact.SafeInt(s.Events), redact.SafeInt(s.Purges),
		redact.SafeInt(s.Tracked), redact.SafeInt(s.Watermark))
}

func (s Stats) String() string {
	return redact.StringWithoutMarkers(s)
}

type pageKey struct {
	worker int
	url    string
	index  int64
}

// Manager tracks page accesses across a fleet.
type Manager struct {
	opts      Options
	watermark Watermark

	mu struct {
		sync.Mutex
		pages swiss.Map[pageKey, int64]
		stats Stats
		// times is scratch space for computing cutoffs.
		times []int64
	}
}

// New returns a Manager.
func New(opts Options) *Manager {
	opts.ensureDefaults()
	m := &Manager{opts: opts}
	m.mu.pages.Init(opts.MaxPages + 1)
	return m
}

// Watermark returns the watermark the manager publishes to.
func (m *Manager) Watermark() *Watermark {
	return &m.watermark
}

// Run consumes events until ctx is canceled or events is closed.
func (m *Manager) Run(ctx context.Context, events <-chan AccessEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Record(ev)
		}
	}
}

// Record applies one event. If the tracked set grows past MaxPages, the
// oldest PurgePercent of the entries are dropped and the cutoff separating
// them from the rest is published; Record then returns the cutoff and true.
func (m *Manager) Record(ev AccessEvent) (cutoff int64, purged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.stats.Events++
	k := pageKey{worker: ev.WorkerID, url: ev.URL, index: ev.PageIndex}
	if prev, ok := m.mu.pages.Get(k); !ok || ev.AccessTime > prev {
		m.mu.pages.Put(k, ev.AccessTime)
	}
	if m.mu.pages.Len() > m.opts.MaxPages {
		cutoff, purged = m.purgeLocked()
	}
	m.mu.stats.Tracked = m.mu.pages.Len()
	if m.opts.Metrics != nil {
		m.opts.Metrics.TrackedPages.Set(float64(m.mu.stats.Tracked))
	}
	return cutoff, purged
}

// purgeLocked picks the cutoff: the oldest access time strictly newer than
// the oldest PurgePercent of the entries. Entries tied with the last of
// those are dropped along with them. If no time qualifies nothing is
// dropped.
func (m *Manager) purgeLocked() (int64, bool) {
	times := m.mu.times[:0]
	m.mu.pages.All(func(_ pageKey, t int64) bool {
		times = append(times, t)
		return true
	})
	slices.Sort(times)
	m.mu.times = times
	n := len(times)
	k := min(n, max(1, n*m.opts.PurgePercent/100))
	j := k
	for j < n && times[j] == times[k-1] {
		j++
	}
	if j == n {
		return 0, false
	}
	cutoff := times[j]

	stale := make([]pageKey, 0, j)
	m.mu.pages.All(func(key pageKey, t int64) bool {
		if t < cutoff {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		m.mu.pages.Delete(key)
	}
	if !m.watermark.Advance(cutoff) {
		// An older cutoff still shrinks the tracked set but is not
		// republished.
		return 0, false
	}
	m.mu.stats.Purges++
	m.mu.stats.Watermark = cutoff
	if m.opts.Metrics != nil {
		m.opts.Metrics.Purges.Inc()
		m.opts.Metrics.Watermark.Set(float64(cutoff) / float64(time.Second))
	}
	m.opts.Logger.Infof("cachemanager: dropped %d of %d tracked pages; watermark %s",
		len(stale), n, time.Unix(0, cutoff).UTC().Format(time.RFC3339Nano))
	return cutoff, true
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.mu.stats
	s.Tracked = m.mu.pages.Len()
	return s
}

// Tracked returns the latest access time recorded for a page.
func (m *Manager) Tracked(workerID int, url string, index int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.pages.Get(pageKey{worker: workerID, url: url, index: index})
}
