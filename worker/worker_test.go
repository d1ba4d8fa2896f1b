// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package worker

import (
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/cachemanager"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/internal/tifftest"
	"github.com/histoslide/slidecache/metrics"
	"github.com/histoslide/slidecache/objstorage/remote"
	"github.com/histoslide/slidecache/rpc"
	"github.com/stretchr/testify/require"
)

const fixtureURL = "mem://fixture.tif"

type testEnv struct {
	w      *Worker
	client *rpc.Client
	mem    *remote.InMemStorage
	log    *base.InMemLogger
	stop   func()
}

// startWorker serves a worker on a loopback port until stop is called. The
// fixture has raw 256x256 RGB tiles aligned to 64 KiB, so every tile spans
// exactly three pages.
func startWorker(t *testing.T, opts Options) *testEnv {
	t.Helper()
	mem := remote.NewInMem()
	mem.Put("fixture.tif", tifftest.Write(tifftest.Options{
		Align: 64 << 10, Associated: []string{"label"},
	}).Data)
	mem.Put("garbage.tif", []byte("this is not a tiff file"))
	mem.Put("corrupt.tif", tifftest.Write(tifftest.Options{
		BigTIFF: true, ByteCounts: map[int]uint64{0: 0xFFFFFFFFFFFFFFF0},
	}).Data)
	loc := remote.NewLocator()
	loc.Register("mem", mem)
	loc.Register("panic", panicStorage{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	log := &base.InMemLogger{}
	opts.Listener = ln
	opts.Locator = loc
	opts.Logger = log
	w, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	client, err := rpc.NewClient([]string{ln.Addr().String()}, rpc.ClientOptions{
		IOTimeout: 10 * time.Second, Logger: base.NoopLogger{},
	})
	require.NoError(t, err)
	return &testEnv{w: w, client: client, mem: mem, log: log, stop: func() {
		cancel()
		require.NoError(t, <-done)
	}}
}

// panicStorage panics on every call but Close.
type panicStorage struct {
	remote.Storage
}

func (panicStorage) Exists(context.Context, string) (bool, error) {
	panic("exists")
}

func (panicStorage) Close() error { return nil }

func TestDimensions(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := startWorker(t, Options{})
	defer env.stop()
	w, h, err := env.client.Slide(fixtureURL).Dimensions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2048, w)
	require.Equal(t, 1536, h)
	require.Equal(t, 1, env.w.Stats().OpenSlides)
}

func TestAdjacentWindows(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	env := startWorker(t, Options{})
	defer env.stop()
	slide := env.client.Slide(fixtureURL)

	// Opening the slide reads the header and directories.
	n, err := slide.LevelCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	read := func(x int64) (misses, remoteReads, hits int64) {
		before := env.w.Stats().Cache
		img, err := slide.ReadRegion(ctx, x, 0, 0, 256, 256)
		require.NoError(t, err)
		require.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
		for y := 0; y < 256; y += 17 {
			for px := 0; px < 256; px += 13 {
				require.Equal(t, tifftest.Pixel(0, int(x)+px, y), img.RGBAAt(px, y))
			}
		}
		after := env.w.Stats().Cache
		return after.Misses - before.Misses, after.RemoteReads - before.RemoteReads, after.Hits - before.Hits
	}

	misses, reads, _ := read(0)
	require.Equal(t, int64(3), misses)
	require.Equal(t, int64(1), reads)

	misses, reads, _ = read(256)
	require.Equal(t, int64(3), misses)
	require.Equal(t, int64(1), reads)

	misses, reads, hits := read(0)
	require.Equal(t, int64(0), misses)
	require.Equal(t, int64(0), reads)
	require.Equal(t, int64(3), hits)
}

func TestSlideOperations(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	env := startWorker(t, Options{ImageCodec: rpc.CodecMinLZ})
	defer env.stop()
	slide := env.client.Slide(fixtureURL)

	ds, err := slide.LevelDownsamples(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 4, 8}, ds)

	dims, err := slide.LevelDimensions(ctx)
	require.NoError(t, err)
	require.Equal(t, [][2]int{{2048, 1536}, {1024, 768}, {512, 384}, {256, 192}}, dims)

	level, err := slide.BestLevelForDownsample(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 2, level)

	thumb, err := slide.Thumbnail(ctx, 256, 256)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 256, 192), thumb.Bounds())

	names, err := slide.AssociatedImageNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"label"}, names)
	label, err := slide.ReadAssociatedImage(ctx, "label")
	require.NoError(t, err)
	require.Equal(t, tifftest.AssociatedPixel("label", 5, 9), label.RGBAAt(5, 9))

	props, err := slide.Properties(ctx)
	require.NoError(t, err)
	require.Equal(t, "4", props["slidecache.level-count"])

	_, err = slide.ReadRegion(ctx, 0, 0, 7, 10, 10)
	require.True(t, errors.Is(err, base.ErrInvalidArgument), "%v", err)
}

func TestErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	env := startWorker(t, Options{})
	defer env.stop()

	err := env.client.Call(ctx, fixtureURL, rpc.Command("__class__"), rpc.Args{}, nil)
	require.True(t, errors.Is(err, rpc.ErrUnknownCommand), "%v", err)
	// Unknown commands are rejected before the slide is opened.
	require.Equal(t, 0, env.w.Stats().OpenSlides)

	_, _, err = env.client.Slide("mem://missing.tif").Dimensions(ctx)
	require.True(t, errors.Is(err, base.ErrUnavailable), "%v", err)

	_, _, err = env.client.Slide("mem://garbage.tif").Dimensions(ctx)
	require.True(t, errors.Is(err, base.ErrInvalidFormat), "%v", err)
	require.Equal(t, 0, env.w.Stats().OpenSlides)

	s := env.w.Stats()
	require.Equal(t, int64(3), s.Requests)
	require.Equal(t, int64(3), s.Errors)
}

func TestFramingViolation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := startWorker(t, Options{MaxFrameSize: 1 << 20})
	defer env.stop()

	conn, err := net.Dial("tcp", env.w.Addr().String())
	require.NoError(t, err)
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], 1<<30)
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	require.NoError(t, conn.Close())

	// The worker keeps serving.
	_, _, err = env.client.Slide(fixtureURL).Dimensions(context.Background())
	require.NoError(t, err)
	require.Contains(t, env.log.String(), "dropping connection")
}

func TestEventsAndWatermark(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	events := make(chan cachemanager.AccessEvent, 4)
	var wm cachemanager.Watermark
	mets := metrics.New()
	env := startWorker(t, Options{
		ID: 3, Events: events, Watermark: &wm, Metrics: mets.ForWorker(3),
	})
	defer env.stop()
	slide := env.client.Slide(fixtureURL)
	_, err := slide.ReadRegion(ctx, 0, 0, 0, 512, 512)
	require.NoError(t, err)

	ev := <-events
	require.Equal(t, 3, ev.WorkerID)
	require.Equal(t, fixtureURL, ev.URL)
	require.Greater(t, env.w.Stats().DroppedEvents, int64(0))
	require.Greater(t, env.w.Cache().Len(), 0)

	// A watermark in the future evicts every page after the next request.
	require.True(t, wm.Advance(time.Now().Add(time.Hour).UnixNano()))
	_, err = slide.LevelCount(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.w.Cache().Len() == 0 }, 10*time.Second, time.Millisecond)

	// The reader stays open and refetches what it needs.
	img, err := slide.ReadRegion(ctx, 300, 300, 0, 10, 10)
	require.NoError(t, err)
	require.Equal(t, tifftest.Pixel(0, 305, 301), img.RGBAAt(5, 1))
}

func TestIdleEviction(t *testing.T) {
	defer leaktest.AfterTest(t)()
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	env := startWorker(t, Options{
		AcceptTimeout: 20 * time.Millisecond,
		Now:           func() time.Time { return time.Unix(0, now.Load()) },
	})
	defer env.stop()
	_, _, err := env.client.Slide(fixtureURL).Dimensions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, env.w.Stats().OpenSlides)

	now.Add(int64(29 * time.Minute))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, env.w.Stats().OpenSlides)

	// Housekeeping on accept timeouts closes the idle slide.
	now.Add(int64(2 * time.Minute))
	require.Eventually(t, func() bool { return env.w.Stats().OpenSlides == 0 }, 10*time.Second, time.Millisecond)
	require.Equal(t, int64(1), env.w.Stats().IdleEvictions)

	// Pages survive handle eviction; reopening reads the directories from
	// the cache.
	before := env.w.Stats().Cache.RemoteReads
	_, _, err = env.client.Slide(fixtureURL).Dimensions(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, env.w.Stats().Cache.RemoteReads)
}

func TestCorruptTileByteCount(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	env := startWorker(t, Options{})
	defer env.stop()

	slide := env.client.Slide("mem://corrupt.tif")
	img, err := slide.ReadRegion(ctx, 0, 0, 0, 512, 256)
	require.NoError(t, err)
	// The first tile claims more bytes than the file holds and is left
	// transparent; its neighbour decodes.
	require.Equal(t, color.RGBA{}, img.RGBAAt(10, 10))
	require.Equal(t, tifftest.Pixel(0, 300, 10), img.RGBAAt(300, 10))
	require.Contains(t, env.log.String(), "extends past end of file")

	_, _, err = env.client.Slide(fixtureURL).Dimensions(ctx)
	require.NoError(t, err)
}

func TestPanicIsInternalError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	env := startWorker(t, Options{})
	defer env.stop()

	err := env.client.Call(ctx, "panic://bucket/a.tif", rpc.CmdDimensions, rpc.Args{}, nil)
	var remoteErr *rpc.RemoteError
	require.True(t, errors.As(err, &remoteErr), "%v", err)
	require.Equal(t, rpc.CodeInternal, remoteErr.Code)
	require.Contains(t, env.log.String(), "panic serving")

	// The worker keeps serving.
	_, _, err = env.client.Slide(fixtureURL).Dimensions(ctx)
	require.NoError(t, err)
	s := env.w.Stats()
	require.Equal(t, int64(2), s.Requests)
	require.Equal(t, int64(1), s.Errors)
}

func TestResponseExceedsFrame(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	env := startWorker(t, Options{MaxFrameSize: 1 << 20})
	defer env.stop()

	slide := env.client.Slide(fixtureURL)
	// 1024x1024 RGBA is 4 MiB uncompressed.
	_, err := slide.ReadRegion(ctx, 0, 0, 0, 1024, 1024)
	require.True(t, errors.Is(err, base.ErrInvalidArgument), "%v", err)
	require.Contains(t, err.Error(), "exceeds the maximum frame size")

	img, err := slide.ReadRegion(ctx, 0, 0, 0, 256, 256)
	require.NoError(t, err)
	require.Equal(t, tifftest.Pixel(0, 7, 9), img.RGBAAt(7, 9))
}
