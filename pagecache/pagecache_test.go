// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pagecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// objectData returns the deterministic contents of a test object.
func objectData(url string, size int64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte((int64(i) + int64(url[0])) % 251)
	}
	return b
}

// testRemote serves objectData ranges and records every call.
type testRemote struct {
	calls []string
	short bool
}

func (r *testRemote) readFunc(url string, size int64) ReadFunc {
	return func(ctx context.Context, p []byte, off int64) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		data := objectData(url, size)
		end := min(off+int64(len(p)), size)
		if r.short {
			end = off + (end-off)/2
		}
		r.calls = append(r.calls, fmt.Sprintf("remote read %s [%d, %d)", url, off, end))
		n := copy(p, data[off:end])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
}

func (c *Cache) describePages() string {
	var keys []PageKey
	var lines []string
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.urls.All(func(url string, up *urlPages) bool {
		up.pages.All(func(index int64, p *Page) bool {
			keys = append(keys, p.Key)
			return true
		})
		return true
	})
	slices.SortFunc(keys, func(a, b PageKey) int {
		if c := strings.Compare(a.URL, b.URL); c != 0 {
			return c
		}
		return int(a.Index - b.Index)
	})
	for _, k := range keys {
		p := c.lookupLocked(k.URL, k.Index)
		lines = append(lines, fmt.Sprintf("%s len=%d access=%d", k, len(p.Data), p.lastAccess))
	}
	return strings.Join(lines, "\n")
}

func TestPageCacheDataDriven(t *testing.T) {
	ctx := context.Background()
	var c *Cache
	var now int64
	var events []string
	remote := &testRemote{}

	datadriven.RunTest(t, "testdata/pagecache", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "init":
			pageSize := 512
			d.MaybeScanArgs(t, "page-size", &pageSize)
			var err error
			c, err = New(Options{
				PageSize: pageSize,
				Now:      func() int64 { return now },
				OnAccess: func(url string, index int64, accessTime int64) {
					events = append(events, fmt.Sprintf("%s#%d@%d", url, index, accessTime))
				},
			})
			if err != nil {
				return err.Error()
			}
			events = nil
			return ""

		case "time":
			d.ScanArgs(t, "t", &now)
			return ""

		case "read":
			var url string
			var off, length, size int64
			d.ScanArgs(t, "url", &url)
			d.ScanArgs(t, "off", &off)
			d.ScanArgs(t, "len", &length)
			d.ScanArgs(t, "size", &size)
			remote.calls = nil
			p := make([]byte, length)
			n, err := c.ReadAt(ctx, url, p, off, size, remote.readFunc(url, size))
			var buf strings.Builder
			for _, call := range remote.calls {
				fmt.Fprintln(&buf, call)
			}
			fmt.Fprintf(&buf, "n=%d", n)
			if err != nil {
				fmt.Fprintf(&buf, " err=%v", err)
			} else if !bytes.Equal(p[:n], objectData(url, size)[off:off+int64(n)]) {
				fmt.Fprintf(&buf, " mismatch")
			}
			return buf.String()

		case "get":
			var url string
			var idx int64
			d.ScanArgs(t, "url", &url)
			d.ScanArgs(t, "idx", &idx)
			p, ok := c.GetPage(url, idx)
			if !ok {
				return "miss"
			}
			return fmt.Sprintf("hit len=%d", len(p.Data))

		case "set":
			var url string
			var idx, size int64
			d.ScanArgs(t, "url", &url)
			d.ScanArgs(t, "idx", &idx)
			d.ScanArgs(t, "size", &size)
			start := idx * int64(c.PageSize())
			end := min(start+int64(c.PageSize()), size)
			if _, ok := c.SetPage(url, idx, objectData(url, size)[start:end]); !ok {
				return "exists"
			}
			return "inserted"

		case "purge":
			var watermark int64
			d.ScanArgs(t, "watermark", &watermark)
			return fmt.Sprintf("removed %d", c.Purge(watermark))

		case "pages":
			return c.describePages()

		case "events":
			s := strings.Join(events, "\n")
			events = nil
			return s

		default:
			d.Fatalf(t, "unknown command %q", d.Cmd)
			return ""
		}
	})
}

func TestInvalidPageSize(t *testing.T) {
	for _, size := range []int{0, 256, 1000, 4097} {
		_, err := New(Options{PageSize: size})
		require.Error(t, err, "page size %d", size)
	}
	c, err := New(Options{PageSize: 4096})
	require.NoError(t, err)
	require.Equal(t, 4096, c.PageSize())
}

func TestWriteOnce(t *testing.T) {
	c, err := New(Options{PageSize: 512})
	require.NoError(t, err)

	first := bytes.Repeat([]byte{1}, 512)
	p, ok := c.SetPage("mem://b/x", 3, first)
	require.True(t, ok)
	require.Equal(t, first, p.Data)

	p, ok = c.SetPage("mem://b/x", 3, bytes.Repeat([]byte{2}, 512))
	require.False(t, ok)
	require.Nil(t, p)

	got, ok := c.GetPage("mem://b/x", 3)
	require.True(t, ok)
	require.Equal(t, first, got.Data)
	require.Equal(t, 1, c.Len())
}

func TestPurgeMonotonic(t *testing.T) {
	var now int64
	c, err := New(Options{PageSize: 512, Now: func() int64 { return now }})
	require.NoError(t, err)

	for i := int64(0); i < 10; i++ {
		now = i
		c.SetPage("u", i, []byte{byte(i)})
	}
	require.Equal(t, 5, c.Purge(5))
	require.Equal(t, 5, c.Len())

	// Older or equal watermarks are ignored even though pages would match.
	now = 100
	c.SetPage("u", 0, []byte{0})
	require.Equal(t, 0, c.Purge(5))
	require.Equal(t, 0, c.Purge(3))
	require.Equal(t, 6, c.Len())

	require.Equal(t, 5, c.Purge(50))
	require.Equal(t, 1, c.Len())
	s := c.Stats()
	require.Equal(t, int64(50), s.Watermark)
	require.Equal(t, int64(10), s.Evictions)
	require.Equal(t, int64(2), s.Purges)
}

func TestReadAtShortRemote(t *testing.T) {
	c, err := New(Options{PageSize: 512})
	require.NoError(t, err)
	r := &testRemote{short: true}
	p := make([]byte, 1500)
	n, err := c.ReadAt(context.Background(), "a", p, 0, 2000, r.readFunc("a", 2000))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF), "%v", err)
	require.Equal(t, 768, n)
	// The full first page is kept; the truncated second page is not.
	c.mu.Lock()
	require.NotNil(t, c.lookupLocked("a", 0))
	require.Nil(t, c.lookupLocked("a", 1))
	c.mu.Unlock()

	r.short = false
	n, err = c.ReadAt(context.Background(), "a", p, 0, 2000, r.readFunc("a", 2000))
	require.NoError(t, err)
	require.Equal(t, 1500, n)
	require.Equal(t, objectData("a", 2000)[:1500], p)
}

func TestReadAtCanceled(t *testing.T) {
	c, err := New(Options{PageSize: 512})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &testRemote{}
	_, err = c.ReadAt(ctx, "a", make([]byte, 10), 0, 2000, r.readFunc("a", 2000))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, c.Len())
}

// TestReadAtRandomized checks that ReadAt is transparent (returns exactly the
// remote bytes) and that it issues exactly one remote call per contiguous run
// of missing pages.
func TestReadAtRandomized(t *testing.T) {
	seed := uint64(1)
	rng := rand.New(rand.NewSource(seed))
	const pageSize = 512
	c, err := New(Options{PageSize: pageSize})
	require.NoError(t, err)

	sizes := map[string]int64{"x": 10000, "y": 4096, "z": 1}
	urls := []string{"x", "y", "z"}
	r := &testRemote{}
	for i := 0; i < 1000; i++ {
		url := urls[rng.Intn(len(urls))]
		size := sizes[url]
		off := rng.Int63n(size)
		length := 1 + rng.Int63n(3*pageSize)
		end := min(off+length, size)

		// Count the expected miss runs before reading.
		wantCalls := 0
		inRun := false
		for idx := off / pageSize; idx <= (end-1)/pageSize; idx++ {
			c.mu.Lock()
			resident := c.lookupLocked(url, idx) != nil
			c.mu.Unlock()
			if !resident && !inRun {
				wantCalls++
			}
			inRun = !resident
		}

		r.calls = nil
		p := make([]byte, length)
		n, err := c.ReadAt(context.Background(), url, p, off, size, r.readFunc(url, size))
		require.NoError(t, err)
		require.Equal(t, int(end-off), n)
		require.Equal(t, objectData(url, size)[off:end], p[:n])
		require.Len(t, r.calls, wantCalls, "seed %d iteration %d", seed, i)

		if rng.Intn(20) == 0 {
			c.Purge(int64(i))
		}
	}
}

func TestMetricsAndStats(t *testing.T) {
	var now int64 = 1
	c, err := New(Options{PageSize: 512, Now: func() int64 { return now }})
	require.NoError(t, err)
	r := &testRemote{}
	read := r.readFunc("a", 2048)
	_, err = c.ReadAt(context.Background(), "a", make([]byte, 2048), 0, 2048, read)
	require.NoError(t, err)
	_, err = c.ReadAt(context.Background(), "a", make([]byte, 2048), 0, 2048, read)
	require.NoError(t, err)

	s := c.Stats()
	require.Equal(t, int64(4), s.Hits)
	require.Equal(t, int64(4), s.Misses)
	require.Equal(t, int64(1), s.RemoteReads)
	require.Equal(t, int64(4), s.Inserts)
	require.Equal(t, uint64(4), s.Resident.Count)
	require.Equal(t, uint64(2048), s.Resident.Bytes)
}
