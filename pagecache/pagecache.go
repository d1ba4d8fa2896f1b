// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package pagecache implements the byte-range page cache that sits between a
// remote blob and the pyramid decoder. Objects are split into fixed size,
// power-of-two pages keyed by (url, page index). Pages are written once and
// never modified in place: the remote objects they mirror are assumed to be
// immutable for as long as a page is resident.
//
// Eviction is driven from outside the cache. Every page records the time it
// was last read or inserted, and Purge drops every page older than a
// watermark. Watermarks only move forward: a cache ignores a watermark that is
// not newer than the last one it applied.
package pagecache

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/swiss"
	"github.com/histoslide/slidecache/internal/invariants"
	"github.com/histoslide/slidecache/metrics"
)

// MinPageSize is the smallest page size a Cache accepts.
const MinPageSize = 512

// PageKey identifies a page within one cache.
type PageKey struct {
	URL   string
	Index int64
}

func (k PageKey) String() string {
	return redact.StringWithoutMarkers(k)
}

// SafeFormat implements redact.SafeFormatter.
func (k PageKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s#%d", k.URL, redact.SafeInt(k.Index))
}

// Page is one cached, page-aligned byte range of a remote object. Data is
// shorter than the page size only for the last page of an object.
type Page struct {
	Key  PageKey
	Data []byte
	// lastAccess is protected by Cache.mu.
	lastAccess int64
}

// AccessListener is invoked, outside the cache's lock, every time a page is
// read from or inserted into the cache. accessTime is in unix nanoseconds.
type AccessListener func(url string, index int64, accessTime int64)

// ReadFunc reads len(p) bytes at offset off from the remote object. It may
// return fewer bytes only at the end of the object.
type ReadFunc func(ctx context.Context, p []byte, off int64) (int, error)

// Options configure a Cache.
type Options struct {
	// PageSize is the size of every page. It must be a power of two and at
	// least MinPageSize.
	PageSize int
	// OnAccess, if set, observes page hits and inserts.
	OnAccess AccessListener
	// Now returns the current time in unix nanoseconds. Defaults to
	// time.Now().UnixNano().
	Now func() int64
	// Metrics, if set, receives hit/miss/eviction counts.
	Metrics *metrics.PageCache
}

// Stats is a point-in-time snapshot of a cache's counters.
type Stats struct {
	Hits        int64
	Misses      int64
	RemoteReads int64
	Inserts     int64
	Evictions   int64
	Purges      int64
	Watermark   int64
	Resident    metrics.CountAndSize
}

// SafeFormat implements redact.SafeFormatter.
func (s Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("hits=%d misses=%d remote-reads=%d inserts=%d evictions=%d resident=%s",
		redact.SafeInt(s.Hits), redact.SafeInt(s.Misses), redact.SafeInt(s.RemoteReads),
		redact.SafeInt(s.Inserts), redact.SafeInt(s.Evictions), s.Resident)
}

func (s Stats) String() string {
	return redact.StringWithoutMarkers(s)
}

type urlPages struct {
	pages swiss.Map[int64, *Page]
}

// Cache is a per-worker page cache. All methods are safe for concurrent use,
// although a worker drives its cache from a single goroutine.
type Cache struct {
	bm       blockMath
	onAccess AccessListener
	now      func() int64
	metrics  *metrics.PageCache

	mu struct {
		sync.Mutex
		urls swiss.Map[string, *urlPages]
		// watermark is the newest watermark applied by Purge.
		watermark int64
		stats     Stats
	}
}

// New creates an empty cache.
func New(opts Options) (*Cache, error) {
	if opts.PageSize < MinPageSize || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, errors.Newf("invalid page size %d (must be a power of 2 >= %d)", opts.PageSize, MinPageSize)
	}
	c := &Cache{
		bm:       makeBlockMath(opts.PageSize),
		onAccess: opts.OnAccess,
		now:      opts.Now,
		metrics:  opts.Metrics,
	}
	if c.now == nil {
		c.now = func() int64 { return time.Now().UnixNano() }
	}
	c.mu.urls.Init(16)
	return c, nil
}

// PageSize returns the cache's page size.
func (c *Cache) PageSize() int {
	return c.bm.BlockSize()
}

// Len returns the number of resident pages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.mu.stats.Resident.Count)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.mu.stats
	s.Watermark = c.mu.watermark
	return s
}

// GetPage returns the page at (url, index) and refreshes its access time. A
// miss has no side effect on the cache contents.
func (c *Cache) GetPage(url string, index int64) (*Page, bool) {
	now := c.now()
	c.mu.Lock()
	p := c.lookupLocked(url, index)
	if p == nil {
		c.mu.Unlock()
		return nil, false
	}
	p.lastAccess = now
	c.mu.stats.Hits++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Hits.Inc()
	}
	if c.onAccess != nil {
		c.onAccess(url, index, now)
	}
	return p, true
}

// SetPage inserts data at (url, index) if that slot is empty and returns the
// new page. If a page already exists the call is a no-op and returns nil,
// false: the first writer for a slot wins and data is never overwritten.
func (c *Cache) SetPage(url string, index int64, data []byte) (*Page, bool) {
	if invariants.Enabled && len(data) > c.bm.BlockSize() {
		panic(fmt.Sprintf("page %s#%d larger than page size: %d", url, index, len(data)))
	}
	now := c.now()
	c.mu.Lock()
	up, ok := c.mu.urls.Get(url)
	if !ok {
		up = &urlPages{}
		up.pages.Init(8)
		c.mu.urls.Put(url, up)
	}
	if _, ok := up.pages.Get(index); ok {
		c.mu.Unlock()
		return nil, false
	}
	p := &Page{Key: PageKey{URL: url, Index: index}, Data: data, lastAccess: now}
	up.pages.Put(index, p)
	c.mu.stats.Inserts++
	c.mu.stats.Resident.Inc(uint64(len(data)))
	resident := c.mu.stats.Resident
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ResidentPages.Set(float64(resident.Count))
		c.metrics.ResidentBytes.Set(float64(resident.Bytes))
	}
	if c.onAccess != nil {
		c.onAccess(url, index, now)
	}
	return p, true
}

// Purge removes every page whose last access is older than watermark, but
// only if watermark is newer than the last watermark this cache applied.
// Returns the number of pages removed.
func (c *Cache) Purge(watermark int64) int {
	c.mu.Lock()
	if watermark <= c.mu.watermark {
		c.mu.Unlock()
		return 0
	}
	c.mu.watermark = watermark

	var emptied []string
	removed := 0
	c.mu.urls.All(func(url string, up *urlPages) bool {
		var stale []int64
		up.pages.All(func(index int64, p *Page) bool {
			if p.lastAccess < watermark {
				stale = append(stale, index)
			}
			return true
		})
		for _, index := range stale {
			p, _ := up.pages.Get(index)
			up.pages.Delete(index)
			c.mu.stats.Resident.Dec(uint64(len(p.Data)))
		}
		removed += len(stale)
		if up.pages.Len() == 0 {
			emptied = append(emptied, url)
		}
		return true
	})
	for _, url := range emptied {
		c.mu.urls.Delete(url)
	}
	c.mu.stats.Evictions += int64(removed)
	c.mu.stats.Purges++
	resident := c.mu.stats.Resident
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Evictions.Add(float64(removed))
		c.metrics.ResidentPages.Set(float64(resident.Count))
		c.metrics.ResidentBytes.Set(float64(resident.Bytes))
	}
	return removed
}

func (c *Cache) lookupLocked(url string, index int64) *Page {
	up, ok := c.mu.urls.Get(url)
	if !ok {
		return nil
	}
	p, _ := up.pages.Get(index)
	return p
}

// ReadAt fills p with the bytes of the object at url starting at off, using
// cached pages where present. objSize bounds the read; reading at or past it
// returns io.EOF and reads straddling it are truncated.
//
// Pages are visited in order. Each contiguous run of missing pages is fetched
// with exactly one call to read covering the whole run; the result is split on
// page boundaries and inserted before being copied out. Returns the number of
// bytes written into p.
func (c *Cache) ReadAt(
	ctx context.Context, url string, p []byte, off int64, objSize int64, read ReadFunc,
) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, errors.Newf("negative offset %d", off)
	}
	if off >= objSize {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > objSize {
		end = objSize
	}

	n := 0
	copyPage := func(pg *Page) {
		pageStart := c.bm.BlockOffset(pg.Key.Index)
		from := max(off, pageStart)
		to := min(end, pageStart+int64(len(pg.Data)))
		if from >= to {
			return
		}
		n += copy(p[from-off:to-off], pg.Data[from-pageStart:to-pageStart])
	}

	runStart := int64(-1)
	fetchRun := func(runEnd int64) error {
		defer func() { runStart = -1 }()
		pages, err := c.fetch(ctx, url, runStart, runEnd, objSize, read)
		if err != nil {
			return err
		}
		for _, pg := range pages {
			copyPage(pg)
		}
		return nil
	}

	first, last := c.bm.Block(off), c.bm.Block(end-1)
	for idx := first; idx <= last; idx++ {
		pg, ok := c.GetPage(url, idx)
		if !ok {
			if runStart < 0 {
				runStart = idx
			}
			continue
		}
		if runStart >= 0 {
			if err := fetchRun(idx); err != nil {
				return n, err
			}
		}
		copyPage(pg)
	}
	if runStart >= 0 {
		if err := fetchRun(last + 1); err != nil {
			return n, err
		}
	}
	if want := int(end - off); n != want {
		return n, errors.Wrapf(io.ErrUnexpectedEOF, "read %d of %d bytes of %s at %d", n, want, url, off)
	}
	return n, nil
}

// fetch reads pages [runStart, runEnd) with one remote call and inserts them.
// It returns the resident page for every index in the run that the remote
// read covered. Only complete pages, and the final page of the object, are
// inserted.
func (c *Cache) fetch(
	ctx context.Context, url string, runStart, runEnd int64, objSize int64, read ReadFunc,
) ([]*Page, error) {
	runOff := c.bm.BlockOffset(runStart)
	runLen := c.bm.BlockOffset(runEnd) - runOff
	if runOff+runLen > objSize {
		runLen = objSize - runOff
	}
	buf := make([]byte, runLen)
	got, err := read(ctx, buf, runOff)
	if err != nil && !(errors.Is(err, io.EOF) && got > 0) {
		return nil, errors.Wrapf(err, "reading %s [%d, %d)", url, runOff, runOff+runLen)
	}
	buf = buf[:got]

	c.mu.Lock()
	c.mu.stats.RemoteReads++
	c.mu.stats.Misses += runEnd - runStart
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.Misses.Add(float64(runEnd - runStart))
	}

	pages := make([]*Page, 0, runEnd-runStart)
	for idx := runStart; idx < runEnd; idx++ {
		s := c.bm.BlockOffset(idx) - runOff
		if s >= int64(len(buf)) {
			break
		}
		e := min(s+int64(c.bm.BlockSize()), int64(len(buf)))
		data := append([]byte(nil), buf[s:e]...)
		if e-s < int64(c.bm.BlockSize()) && runOff+e < objSize {
			// A truncated read; the short page is returned but not cached.
			pages = append(pages, &Page{Key: PageKey{URL: url, Index: idx}, Data: data})
			break
		}
		pg, ok := c.SetPage(url, idx, data)
		if !ok {
			// Another reader filled the slot first; its data wins.
			c.mu.Lock()
			pg = c.lookupLocked(url, idx)
			c.mu.Unlock()
			if pg == nil {
				pg = &Page{Key: PageKey{URL: url, Index: idx}, Data: data}
			}
		}
		pages = append(pages, pg)
	}
	return pages, nil
}
