// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, s Storage, name string, data []byte) {
	ctx := context.Background()

	ok, err := s.Exists(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Exists(ctx, name+".missing")
	require.NoError(t, err)
	require.False(t, ok)

	size, err := s.Size(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	_, err = s.Size(ctx, name+".missing")
	require.True(t, s.IsNotExistError(err))

	b, err := s.ReadRange(ctx, name, 2, 5)
	require.NoError(t, err)
	require.Equal(t, data[2:6], b)

	// Ranges running past the end are truncated.
	b, err = s.ReadRange(ctx, name, int64(len(data))-3, int64(len(data))+100)
	require.NoError(t, err)
	require.Equal(t, data[len(data)-3:], b)

	_, err = s.ReadRange(ctx, name, int64(len(data)), int64(len(data))+10)
	require.ErrorIs(t, err, io.EOF)

	h1, err := s.ContentHash(ctx, name)
	require.NoError(t, err)
	require.NotEmpty(t, h1)
}

func TestInMem(t *testing.T) {
	s := NewInMem()
	data := []byte("0123456789abcdef")
	s.Put("fixture.tif", data)
	testStorage(t, s, "fixture.tif", data)

	s.Delete("fixture.tif")
	ok, err := s.Exists(context.Background(), "fixture.tif")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalFS(t *testing.T) {
	dir := t.TempDir()
	data := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "slides"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slides", "a.svs"), data, 0644))
	s := NewLocalFS(dir)
	testStorage(t, s, "slides/a.svs", data)

	_, err := s.ReadRange(context.Background(), "../etc/passwd", 0, 10)
	require.Error(t, err)
}

func TestOSSErrors(t *testing.T) {
	s := &ossStore{}
	notFound := oss.ServiceError{StatusCode: 404, Code: "NoSuchKey"}
	denied := oss.ServiceError{StatusCode: 403, Code: "AccessDenied"}
	require.True(t, s.IsNotExistError(notFound))
	require.True(t, s.IsNotExistError(os.ErrNotExist))
	require.False(t, s.IsNotExistError(denied))

	err := ossError(denied, "bucket/a.svs")
	require.True(t, errors.Is(err, ErrAccessDenied))
	require.False(t, s.IsNotExistError(err))
	require.Contains(t, err.Error(), "bucket/a.svs")
	require.False(t, errors.Is(ossError(notFound, "bucket/a.svs"), ErrAccessDenied))
}

func TestParseURL(t *testing.T) {
	for _, tc := range []struct {
		url    string
		expect string
	}{
		{"mem://fixture.tif", "mem fixture.tif"},
		{"oss://bucket/dir/a.svs", "oss bucket/dir/a.svs"},
		{"file:///data/b.tif", "file data/b.tif"},
	} {
		ref, err := ParseURL(tc.url)
		require.NoError(t, err)
		require.Equal(t, tc.expect, ref.Scheme+" "+ref.ObjectName())
		require.Equal(t, tc.url, strings.Replace(ref.String(), "file://", "file:///", 1))
	}
	for _, bad := range []string{"", "fixture.tif", "mem://"} {
		_, err := ParseURL(bad)
		require.Error(t, err, bad)
	}
}

func TestLocator(t *testing.T) {
	mem := NewInMem()
	mem.Put("fixture.tif", []byte("x"))
	l := NewLocator()
	l.Register("mem", mem)

	s, ref, err := l.Resolve("mem://fixture.tif")
	require.NoError(t, err)
	require.Equal(t, "fixture.tif", ref.ObjectName())
	ok, err := s.Exists(context.Background(), ref.ObjectName())
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = l.Resolve("s3://bucket/x")
	require.Error(t, err)
	require.NoError(t, l.Close())
}

func TestLogging(t *testing.T) {
	mem := NewInMem()
	mem.Put("a", []byte("abcdef"))
	var buf strings.Builder
	s := WithLogging(mem, func(format string, args ...interface{}) {
		fmt.Fprintf(&buf, format+"\n", args...)
	})
	ctx := context.Background()
	_, _ = s.Size(ctx, "a")
	_, _ = s.ReadRange(ctx, "a", 1, 3)
	_, _ = s.Size(ctx, "b")
	require.Equal(t, `size of object "a": 6
read object "a" [1, 3]: 3 bytes
size of object "b": error: file does not exist
`, buf.String())
}
