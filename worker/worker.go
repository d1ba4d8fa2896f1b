// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package worker serves pyramid reader requests for the slides routed to it.
// A worker owns a page cache and a cache of open slides; it handles one
// request at a time on a single goroutine.
package worker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/swiss"
	"github.com/histoslide/slidecache/cachemanager"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/metrics"
	"github.com/histoslide/slidecache/objstorage/remote"
	"github.com/histoslide/slidecache/pagecache"
	"github.com/histoslide/slidecache/pyramid"
	"github.com/histoslide/slidecache/remotefile"
	"github.com/histoslide/slidecache/rpc"
)

// Defaults for Options.
const (
	DefaultAcceptTimeout     = 30 * time.Second
	DefaultHandleIdleTimeout = 30 * time.Minute
	DefaultIOTimeout         = 60 * time.Second
	DefaultPageSize          = 64 << 10
)

// Options configure a Worker.
type Options struct {
	// ID identifies the worker in access events and metrics.
	ID int
	// Addr is the address to listen on (see rpc.ParseAddr). Ignored if
	// Listener is set.
	Addr string
	// Listener, if set, is used instead of listening on Addr. It must support
	// SetDeadline.
	Listener net.Listener
	// Locator resolves slide URLs to remote storage.
	Locator *remote.Locator
	// PageSize is the page cache page size. Defaults to 64 KiB.
	PageSize int
	// AcceptTimeout bounds how long the worker waits for a connection before
	// running housekeeping. Defaults to 30s.
	AcceptTimeout time.Duration
	// HandleIdleTimeout is how long an unused slide stays open. Defaults to
	// 30m.
	HandleIdleTimeout time.Duration
	// IOTimeout bounds reading a request and writing its response. Defaults
	// to 60s.
	IOTimeout time.Duration
	// MaxFrameSize bounds request frames. Defaults to rpc.DefaultMaxFrameSize.
	MaxFrameSize int64
	// ImageCodec compresses images in responses. Defaults to rpc.CodecNone.
	ImageCodec rpc.ImageCodec
	// Events, if set, receives an event for every page hit and insert. Sends
	// never block; events that do not fit are dropped and counted.
	Events chan<- cachemanager.AccessEvent
	// Watermark, if set, is applied to the page cache after every request
	// and accept timeout.
	Watermark *cachemanager.Watermark
	// Pacer, if set, limits remote fetch bandwidth.
	Pacer *remotefile.Pacer
	// Metrics, if set, receives the worker's metrics.
	Metrics *metrics.Worker
	// Logger defaults to base.DefaultLogger.
	Logger base.Logger
	// Now returns the time used for page access times and slide idleness.
	// Defaults to time.Now. Socket deadlines always use the wall clock.
	Now func() time.Time
}

func (o *Options) ensureDefaults() {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = DefaultAcceptTimeout
	}
	if o.HandleIdleTimeout <= 0 {
		o.HandleIdleTimeout = DefaultHandleIdleTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = rpc.DefaultMaxFrameSize
	}
	if o.ImageCodec == "" {
		o.ImageCodec = rpc.CodecNone
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats describe a worker's activity.
type Stats struct {
	Requests      int64
	Errors        int64
	OpenSlides    int
	DroppedEvents int64
	IdleEvictions int64
	Cache         pagecache.Stats
}

// SafeFormat implements redact.SafeFormatter.
func (s Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("requests=%d errors=%d open=%d dropped=%d idle-evictions=%d cache: %v",
		redact.SafeInt(s.Requests), redact.SafeInt(s.Errors), redact.SafeInt(s.OpenSlides),
		redact.SafeInt(s.DroppedEvents), redact.SafeInt(s.IdleEvictions), s.Cache)
}

func (s Stats) String() string {
	return redact.StringWithoutMarkers(s)
}

type slide struct {
	handle     *remotefile.Handle
	reader     *pyramid.Reader
	lastAccess time.Time
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Worker serves requests on one listener.
type Worker struct {
	opts  Options
	ln    net.Listener
	cache *pagecache.Cache
	// slides is only accessed by the serving goroutine.
	slides swiss.Map[string, *slide]

	mu struct {
		sync.Mutex
		stats  Stats
		closed bool
	}
}

// New creates a worker and starts listening. Serve must be called to handle
// requests.
func New(opts Options) (*Worker, error) {
	opts.ensureDefaults()
	if opts.Locator == nil {
		return nil, errors.New("worker: no locator")
	}
	w := &Worker{opts: opts}
	cacheOpts := pagecache.Options{
		PageSize: opts.PageSize,
		OnAccess: w.sendEvent,
		Now:      func() int64 { return w.opts.Now().UnixNano() },
	}
	if opts.Metrics != nil {
		cacheOpts.Metrics = &opts.Metrics.PageCache
	}
	var err error
	if w.cache, err = pagecache.New(cacheOpts); err != nil {
		return nil, err
	}
	w.ln = opts.Listener
	if w.ln == nil {
		if w.ln, err = rpc.Listen(opts.Addr); err != nil {
			return nil, err
		}
	}
	if _, ok := w.ln.(deadliner); !ok {
		return nil, errors.Newf("worker: listener %T does not support deadlines", w.ln)
	}
	w.slides.Init(16)
	return w, nil
}

// Addr returns the listener's address.
func (w *Worker) Addr() net.Addr {
	return w.ln.Addr()
}

// Cache returns the worker's page cache.
func (w *Worker) Cache() *pagecache.Cache {
	return w.cache
}

// sendEvent forwards a page access to the manager without blocking.
func (w *Worker) sendEvent(url string, index int64, accessTime int64) {
	if w.opts.Events == nil {
		return
	}
	select {
	case w.opts.Events <- cachemanager.AccessEvent{
		WorkerID: w.opts.ID, URL: url, PageIndex: index, AccessTime: accessTime,
	}:
	default:
		w.mu.Lock()
		w.mu.stats.DroppedEvents++
		w.mu.Unlock()
		if w.opts.Metrics != nil {
			w.opts.Metrics.DroppedEvents.Inc()
		}
	}
}

// Serve accepts and handles connections one at a time until ctx is canceled
// or the worker is closed. Housekeeping runs after every request and
// whenever no connection arrives within the accept timeout.
func (w *Worker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = w.ln.Close() })
	defer stop()
	defer w.closeSlides()
	dl := w.ln.(deadliner)
	for {
		if err := dl.SetDeadline(time.Now().Add(w.opts.AcceptTimeout)); err != nil {
			if w.stopping(ctx) {
				return nil
			}
			return errors.Wrap(err, "setting accept deadline")
		}
		conn, err := w.ln.Accept()
		if err != nil {
			if w.stopping(ctx) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				w.housekeeping()
				continue
			}
			return errors.Wrap(err, "accepting connection")
		}
		w.handleConn(ctx, conn)
		w.housekeeping()
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.closed
}

// Close stops the listener. A running Serve returns once the request in
// flight completes.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.mu.closed {
		w.mu.Unlock()
		return base.ErrClosed
	}
	w.mu.closed = true
	w.mu.Unlock()
	if err := w.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// handleConn serves the single request carried by conn. Framing violations
// close the connection without a response.
func (w *Worker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := crtime.NowMono()
	if err := conn.SetDeadline(time.Now().Add(w.opts.IOTimeout)); err != nil {
		w.opts.Logger.Errorf("worker %d: setting deadline: %v", w.opts.ID, err)
		return
	}
	payload, err := rpc.ReadFrame(conn, w.opts.MaxFrameSize)
	if err != nil {
		w.countRequest("invalid", rpc.CodeInternal, start)
		w.opts.Logger.Infof("worker %d: dropping connection: %v", w.opts.ID, err)
		return
	}
	req, err := rpc.DecodeRequest(payload)
	if err != nil {
		w.countRequest("invalid", rpc.CodeInternal, start)
		w.opts.Logger.Infof("worker %d: dropping connection: %v", w.opts.ID, err)
		return
	}

	value, err := w.serveRequest(ctx, req)
	resp, err := w.encodeResponse(req, value, err, start)
	if err != nil {
		w.opts.Logger.Errorf("worker %d: %v", w.opts.ID, err)
		return
	}
	if err := rpc.WriteFrame(conn, resp); err != nil {
		w.opts.Logger.Infof("worker %d: writing response: %v", w.opts.ID, err)
	}
}

// encodeResponse encodes the result of req and counts the request. A result
// too large for a single frame is replaced by an invalid-argument error.
func (w *Worker) encodeResponse(
	req rpc.Request, value interface{}, err error, start crtime.Mono,
) ([]byte, error) {
	if err == nil {
		resp, encErr := rpc.EncodeResponse(value, nil)
		if encErr != nil {
			return nil, encErr
		}
		if int64(len(resp)) <= w.opts.MaxFrameSize {
			w.countRequest(string(req.Command), "ok", start)
			return resp, nil
		}
		err = base.InvalidArgumentErrorf("%s response of %d bytes exceeds the maximum frame size %d",
			req.Command, errors.Safe(len(resp)), errors.Safe(w.opts.MaxFrameSize))
	}
	code := rpc.CodeOf(err)
	if code == rpc.CodeInternal {
		w.opts.Logger.Errorf("worker %d: %s %s: %v", w.opts.ID, req.Command, req.URL, err)
	}
	w.countRequest(string(req.Command), code, start)
	return rpc.EncodeResponse(nil, err)
}

// serveRequest dispatches req. A panic while serving is returned as an
// internal error and the slide is closed so that the next request reopens
// it.
func (w *Worker) serveRequest(ctx context.Context, req rpc.Request) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(errors.AssertionFailedf("panic serving %s: %v", req.Command, r))
			w.closeSlide(req.URL)
		}
	}()
	return w.dispatch(ctx, req)
}

func (w *Worker) countRequest(cmd string, code rpc.ErrorCode, start crtime.Mono) {
	w.mu.Lock()
	w.mu.stats.Requests++
	if code != "ok" {
		w.mu.stats.Errors++
	}
	w.mu.Unlock()
	if m := w.opts.Metrics; m != nil {
		m.Requests.WithLabelValues(cmd, string(code)).Inc()
		m.RequestLatency.WithLabelValues(cmd).Observe(start.Elapsed().Seconds())
	}
}

func (w *Worker) dispatch(ctx context.Context, req rpc.Request) (interface{}, error) {
	if !req.Command.Valid() {
		return nil, errors.Mark(errors.Newf("command %q is not supported", req.Command), rpc.ErrUnknownCommand)
	}
	s, err := w.openSlide(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return rpc.Dispatch(ctx, s.reader, req, w.opts.ImageCodec)
}

// openSlide returns the cached reader for url, opening it on first use.
func (w *Worker) openSlide(ctx context.Context, url string) (*slide, error) {
	now := w.opts.Now()
	if s, ok := w.slides.Get(url); ok {
		s.lastAccess = now
		return s, nil
	}
	fileOpts := remotefile.Options{Cache: w.cache, Pacer: w.opts.Pacer}
	readerOpts := pyramid.Options{Logger: w.opts.Logger}
	if m := w.opts.Metrics; m != nil {
		fileOpts.Metrics = &m.Remote
		readerOpts.TileDecodeErrors = m.TileDecodeErrors
	}
	h, err := remotefile.Open(ctx, w.opts.Locator, url, fileOpts)
	if err != nil {
		return nil, err
	}
	r, err := pyramid.Open(ctx, h, readerOpts)
	if err != nil {
		return nil, errors.CombineErrors(err, h.Close())
	}
	s := &slide{handle: h, reader: r, lastAccess: now}
	w.slides.Put(url, s)
	w.updateOpenSlides()
	return s, nil
}

// housekeeping closes idle slides and applies the latest watermark.
func (w *Worker) housekeeping() {
	w.evictIdle(w.opts.Now())
	if w.opts.Watermark != nil {
		if wm := w.opts.Watermark.Load(); wm > 0 {
			w.cache.Purge(wm)
		}
	}
}

func (w *Worker) evictIdle(now time.Time) {
	var idle []string
	w.slides.All(func(url string, s *slide) bool {
		if now.Sub(s.lastAccess) > w.opts.HandleIdleTimeout {
			idle = append(idle, url)
		}
		return true
	})
	for _, url := range idle {
		s, _ := w.slides.Get(url)
		w.slides.Delete(url)
		if err := s.handle.Close(); err != nil {
			w.opts.Logger.Infof("worker %d: closing %s: %v", w.opts.ID, url, err)
		}
	}
	if len(idle) > 0 {
		w.mu.Lock()
		w.mu.stats.IdleEvictions += int64(len(idle))
		w.mu.Unlock()
		w.updateOpenSlides()
	}
}

func (w *Worker) closeSlide(url string) {
	s, ok := w.slides.Get(url)
	if !ok {
		return
	}
	w.slides.Delete(url)
	if err := s.handle.Close(); err != nil {
		w.opts.Logger.Infof("worker %d: closing %s: %v", w.opts.ID, url, err)
	}
	w.updateOpenSlides()
}

func (w *Worker) closeSlides() {
	var urls []string
	w.slides.All(func(url string, s *slide) bool {
		_ = s.handle.Close()
		urls = append(urls, url)
		return true
	})
	for _, url := range urls {
		w.slides.Delete(url)
	}
	w.updateOpenSlides()
}

func (w *Worker) updateOpenSlides() {
	n := w.slides.Len()
	w.mu.Lock()
	w.mu.stats.OpenSlides = n
	w.mu.Unlock()
	if w.opts.Metrics != nil {
		w.opts.Metrics.OpenSlides.Set(float64(n))
	}
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	s := w.mu.stats
	w.mu.Unlock()
	s.Cache = w.cache.Stats()
	return s
}
