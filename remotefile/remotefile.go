// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package remotefile provides a seekable, file-like handle over a blob in
// remote storage. Reads are served through an optional page cache; without
// one every read turns into a single ranged request.
package remotefile

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/metrics"
	"github.com/histoslide/slidecache/objstorage/remote"
	"github.com/histoslide/slidecache/pagecache"
)

// Options configure a Handle.
type Options struct {
	// Cache, if set, serves reads and coalesces remote fetches.
	Cache *pagecache.Cache
	// Pacer, if set, limits the rate at which bytes are fetched remotely.
	Pacer *Pacer
	// Metrics, if set, counts remote calls and bytes.
	Metrics *metrics.Remote
}

// Stats counts the traffic through a Handle.
type Stats struct {
	// BytesRequested is the number of bytes returned to callers.
	BytesRequested int64
	// BytesFetched is the number of bytes read from remote storage.
	BytesFetched int64
	// RemoteCalls is the number of ranged requests issued.
	RemoteCalls int64
}

// SafeFormat implements redact.SafeFormatter.
func (s Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("requested=%d fetched=%d calls=%d",
		redact.SafeInt(s.BytesRequested), redact.SafeInt(s.BytesFetched), redact.SafeInt(s.RemoteCalls))
}

func (s Stats) String() string {
	return redact.StringWithoutMarkers(s)
}

// Handle is a read-only cursor over one remote object. The size is read once
// at open time. A Handle is not safe for concurrent use by multiple
// goroutines, except for Stats.
type Handle struct {
	url     string
	ref     remote.ObjectRef
	storage remote.Storage
	size    int64
	pos     int64
	opts    Options
	closed  bool

	stats struct {
		bytesRequested atomic.Int64
		bytesFetched   atomic.Int64
		remoteCalls    atomic.Int64
	}
}

// Open resolves url through locator and opens a handle on the object. A
// missing object is reported as base.ErrUnavailable.
func Open(ctx context.Context, locator *remote.Locator, url string, opts Options) (*Handle, error) {
	storage, ref, err := locator.Resolve(url)
	if err != nil {
		return nil, errors.Mark(err, base.ErrUnavailable)
	}
	name := ref.ObjectName()
	exists, err := storage.Exists(ctx, name)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "checking %s", ref), base.ErrUnavailable)
	}
	if !exists {
		return nil, base.UnavailableErrorf("remote object %s does not exist", ref)
	}
	size, err := storage.Size(ctx, name)
	if err != nil {
		if storage.IsNotExistError(err) {
			return nil, base.UnavailableErrorf("remote object %s does not exist", ref)
		}
		return nil, errors.Mark(errors.Wrapf(err, "sizing %s", ref), base.ErrUnavailable)
	}
	return &Handle{
		url:     url,
		ref:     ref,
		storage: storage,
		size:    size,
		opts:    opts,
	}, nil
}

// URL returns the URL the handle was opened with.
func (h *Handle) URL() string {
	return h.url
}

// Size returns the object size observed at open time.
func (h *Handle) Size() int64 {
	return h.size
}

// Tell returns the cursor position.
func (h *Handle) Tell() int64 {
	return h.pos
}

// Seek implements io.Seeker. Positions past the end are allowed; reads there
// return io.EOF.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = h.pos + offset
	case io.SeekEnd:
		abs = h.size + offset
	default:
		return h.pos, base.InvalidArgumentErrorf("invalid whence %d", errors.Safe(whence))
	}
	if abs < 0 {
		return h.pos, base.InvalidArgumentErrorf("seek to negative position %d", errors.Safe(abs))
	}
	h.pos = abs
	return abs, nil
}

// Read reads up to len(p) bytes at the cursor and advances it.
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	n, err := h.ReadAt(ctx, p, h.pos)
	h.pos += int64(n)
	return n, err
}

// ReadAt reads up to len(p) bytes at off without moving the cursor. The read
// is clamped to the end of the object: a read that straddles the end returns
// the available bytes and no error, and a read at or past the end returns
// io.EOF.
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if h.closed {
		return 0, base.ErrClosed
	}
	if off < 0 {
		return 0, base.InvalidArgumentErrorf("negative offset %d", errors.Safe(off))
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= h.size {
		return 0, io.EOF
	}
	if avail := h.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	var n int
	var err error
	if h.opts.Cache != nil {
		n, err = h.opts.Cache.ReadAt(ctx, h.url, p, off, h.size, h.readRemote)
	} else {
		n, err = h.readRemote(ctx, p, off)
	}
	h.stats.bytesRequested.Add(int64(n))
	return n, err
}

// readRemote issues one ranged request for [off, off+len(p)).
func (h *Handle) readRemote(ctx context.Context, p []byte, off int64) (int, error) {
	if h.opts.Pacer != nil {
		if err := h.opts.Pacer.Wait(ctx, len(p)); err != nil {
			return 0, err
		}
	}
	data, err := h.storage.ReadRange(ctx, h.ref.ObjectName(), off, off+int64(len(p))-1)
	h.stats.remoteCalls.Add(1)
	if h.opts.Metrics != nil {
		h.opts.Metrics.Calls.Inc()
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		if h.storage.IsNotExistError(err) {
			return 0, base.UnavailableErrorf("remote object %s disappeared", h.ref)
		}
		return 0, errors.Wrapf(err, "reading %s [%d, %d)", h.ref, errors.Safe(off), errors.Safe(off+int64(len(p))))
	}
	n := copy(p, data)
	h.stats.bytesFetched.Add(int64(n))
	if h.opts.Metrics != nil {
		h.opts.Metrics.Bytes.Add(float64(n))
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ContentHash returns the storage's content identifier for the object.
func (h *Handle) ContentHash(ctx context.Context) (string, error) {
	return h.storage.ContentHash(ctx, h.ref.ObjectName())
}

// Stats returns the handle's traffic counters.
func (h *Handle) Stats() Stats {
	return Stats{
		BytesRequested: h.stats.bytesRequested.Load(),
		BytesFetched:   h.stats.bytesFetched.Load(),
		RemoteCalls:    h.stats.remoteCalls.Load(),
	}
}

// Close releases the handle. The underlying Storage is owned by the locator
// and stays open.
func (h *Handle) Close() error {
	if h.closed {
		return base.ErrClosed
	}
	h.closed = true
	return nil
}
