// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte("ab"), 1000)} {
		require.NoError(t, WriteFrame(&buf, p))
	}
	require.Equal(t, uint64(0), binary.BigEndian.Uint64(buf.Bytes()[:8]))

	for _, want := range []int{0, 1, 2000} {
		p, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		require.Len(t, p, want)
	}
	_, err := ReadFrame(&buf, 0)
	require.Equal(t, io.EOF, err)
}

func TestFrameViolations(t *testing.T) {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], 100)

	// Truncated header.
	_, err := ReadFrame(bytes.NewReader(hdr[:5]), 0)
	require.True(t, errors.Is(err, ErrFrame), "%v", err)

	// Truncated payload.
	_, err = ReadFrame(bytes.NewReader(append(hdr[:], make([]byte, 10)...)), 0)
	require.True(t, errors.Is(err, ErrFrame), "%v", err)

	// Over the limit.
	_, err = ReadFrame(bytes.NewReader(append(hdr[:], make([]byte, 100)...)), 99)
	require.True(t, errors.Is(err, ErrFrame), "%v", err)

	p, err := ReadFrame(bytes.NewReader(append(hdr[:], make([]byte, 100)...)), 100)
	require.NoError(t, err)
	require.Len(t, p, 100)
}

func TestRequestEncoding(t *testing.T) {
	payload, err := EncodeRequest(Request{
		URL: "mem://slides/a.tif", Command: CmdReadRegion,
		Args: Args{X: 10, Y: -4, Level: 2, W: 256, H: 128},
	})
	require.NoError(t, err)
	req, err := DecodeRequest(payload)
	require.NoError(t, err)
	want := Request{
		V: Version, URL: "mem://slides/a.tif", Command: CmdReadRegion,
		Args: Args{X: 10, Y: -4, Level: 2, W: 256, H: 128},
	}
	if diff := pretty.Diff(want, req); diff != nil {
		t.Fatalf("decoded request differs:\n%s", strings.Join(diff, "\n"))
	}

	_, err = DecodeRequest([]byte{0xff, 0x00, 0x12})
	require.True(t, errors.Is(err, ErrFrame))
}

func TestResponseEncoding(t *testing.T) {
	payload, err := EncodeResponse([2]int{2048, 1536}, nil)
	require.NoError(t, err)
	var dims [2]int
	require.NoError(t, DecodeResponse(payload, &dims))
	require.Equal(t, [2]int{2048, 1536}, dims)

	payload, err = EncodeResponse(nil, base.UnavailableErrorf("remote object %s does not exist", "x"))
	require.NoError(t, err)
	err = DecodeResponse(payload, &dims)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, CodeUnavailable, re.Code)
	require.True(t, errors.Is(err, base.ErrUnavailable))
	require.False(t, errors.Is(err, base.ErrInvalidFormat))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeUnavailable, CodeOf(base.UnavailableErrorf("x")))
	require.Equal(t, CodeInvalidFormat, CodeOf(errors.Wrap(base.InvalidFormatErrorf("x"), "wrapped")))
	require.Equal(t, CodeInvalidArgument, CodeOf(base.InvalidArgumentErrorf("x")))
	require.Equal(t, CodeUnknownCommand, CodeOf(errors.Mark(errors.New("x"), ErrUnknownCommand)))
	require.Equal(t, CodeInternal, CodeOf(errors.New("x")))
}

func TestDispatchUnknownCommand(t *testing.T) {
	require.False(t, Command("__class__").Valid())
	require.True(t, CmdThumbnail.Valid())
	require.Len(t, Commands(), 10)
	_, err := Dispatch(context.Background(), nil, Request{Command: "__class__"}, CodecNone)
	require.True(t, errors.Is(err, ErrUnknownCommand))
	require.Equal(t, CodeUnknownCommand, CodeOf(err))
}

func TestImageCodecs(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			src.SetRGBA(x, y, color.RGBA{uint8(x), uint8(y), uint8(x ^ y), 0xff})
		}
	}
	sub := src.SubImage(image.Rect(5, 7, 25, 17)).(*image.RGBA)
	for _, codec := range []ImageCodec{CodecNone, CodecSnappy, CodecMinLZ} {
		m, err := EncodeImage(sub, codec)
		require.NoError(t, err)
		require.Equal(t, codec, m.Codec)
		got, err := m.Decode()
		require.NoError(t, err)
		require.Equal(t, image.Rect(0, 0, 20, 10), got.Bounds())
		for y := 0; y < 10; y++ {
			for x := 0; x < 20; x++ {
				require.Equal(t, src.RGBAAt(x+5, y+7), got.RGBAAt(x, y))
			}
		}
	}

	_, err := ParseImageCodec("gzip")
	require.Error(t, err)
	c, err := ParseImageCodec("")
	require.NoError(t, err)
	require.Equal(t, CodecNone, c)

	_, err = Image{W: 2, H: 2, Codec: CodecNone, Pix: make([]byte, 15)}.Decode()
	require.Error(t, err)
}

func TestParseAddr(t *testing.T) {
	for _, tc := range []struct {
		addr, network, address string
	}{
		{"unix:///tmp/w0.sock", "unix", "/tmp/w0.sock"},
		{"/tmp/w1.sock", "unix", "/tmp/w1.sock"},
		{"tcp://127.0.0.1:7000", "tcp", "127.0.0.1:7000"},
		{"localhost:7001", "tcp", "localhost:7001"},
	} {
		network, address, err := ParseAddr(tc.addr)
		require.NoError(t, err)
		require.Equal(t, tc.network, network)
		require.Equal(t, tc.address, address)
	}
	for _, bad := range []string{"", "http://x", "unix://"} {
		_, _, err := ParseAddr(bad)
		require.Error(t, err, "%q", bad)
	}
}

func TestRoute(t *testing.T) {
	c, err := NewClient([]string{"a:1", "b:1", "c:1", "d:1"}, ClientOptions{})
	require.NoError(t, err)
	counts := make([]int, 4)
	for i := 0; i < 1000; i++ {
		url := "mem://slides/" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		w := c.Route(url)
		require.Equal(t, w, c.Route(url))
		counts[w]++
	}
	for _, n := range counts {
		require.Greater(t, n, 100)
	}

	_, err = NewClient(nil, ClientOptions{})
	require.Error(t, err)
}

// serveOne accepts a single connection and answers it with respond.
func serveOne(t *testing.T, respond func(req Request) []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		payload, err := ReadFrame(conn, 0)
		if err != nil {
			return
		}
		req, err := DecodeRequest(payload)
		if err != nil {
			return
		}
		_, _ = conn.Write(respond(req))
	}()
	return ln.Addr().String()
}

func frame(payload []byte) []byte {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, payload)
	return buf.Bytes()
}

func TestClientCall(t *testing.T) {
	ctx := context.Background()
	got := make(chan Request, 1)
	addr := serveOne(t, func(req Request) []byte {
		got <- req
		payload, _ := EncodeResponse([]float64{1, 2, 4}, nil)
		return frame(payload)
	})
	c, err := NewClient([]string{addr}, ClientOptions{IOTimeout: 5 * time.Second})
	require.NoError(t, err)
	ds, err := c.Slide("mem://slides/a.tif").LevelDownsamples(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 4}, ds)
	req := <-got
	require.Equal(t, CmdLevelDownsamples, req.Command)
	require.Equal(t, "mem://slides/a.tif", req.URL)
}

func TestClientRemoteError(t *testing.T) {
	addr := serveOne(t, func(req Request) []byte {
		payload, _ := EncodeResponse(nil, base.InvalidArgumentErrorf("level %d out of range", 9))
		return frame(payload)
	})
	c, err := NewClient([]string{addr}, ClientOptions{})
	require.NoError(t, err)
	_, err = c.Slide("mem://slides/a.tif").ReadRegion(context.Background(), 0, 0, 9, 10, 10)
	require.True(t, errors.Is(err, base.ErrInvalidArgument), "%v", err)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.Contains(t, re.Message, "level 9 out of range")
}

func TestClientProtocolViolation(t *testing.T) {
	addr := serveOne(t, func(req Request) []byte {
		var hdr [8]byte
		binary.BigEndian.PutUint64(hdr[:], 1<<40)
		return hdr[:]
	})
	c, err := NewClient([]string{addr}, ClientOptions{})
	require.NoError(t, err)
	_, err = c.Slide("mem://slides/a.tif").LevelCount(context.Background())
	require.True(t, errors.Is(err, ErrFrame), "%v", err)
}

func TestClientDialRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var log base.InMemLogger
	c, err := NewClient([]string{addr}, ClientOptions{Retries: 2, Backoff: time.Millisecond, Logger: &log})
	require.NoError(t, err)
	_, err = c.Slide("mem://slides/a.tif").LevelCount(context.Background())
	require.Error(t, err)
	require.Contains(t, log.String(), "attempt 2")
}
