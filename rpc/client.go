// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"context"
	"image"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/internal/base"
)

// ClientOptions configure a Client.
type ClientOptions struct {
	// IOTimeout bounds the time spent writing the request and reading the
	// response of one call. Zero means no deadline beyond the context.
	IOTimeout time.Duration
	// MaxFrameSize bounds response frames. Defaults to DefaultMaxFrameSize.
	MaxFrameSize int64
	// Retries is the number of extra attempts after a failed dial.
	// Defaults to 3; negative disables retries.
	Retries int
	// Backoff is the delay before the first retry; it doubles on every
	// further retry. Defaults to 50ms.
	Backoff time.Duration
	// Logger receives retry notices. Defaults to base.DefaultLogger.
	Logger base.Logger
}

func (o *ClientOptions) ensureDefaults() {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.Retries == 0 {
		o.Retries = 3
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
}

// Client sends requests to a fixed set of workers. Requests for the same URL
// always go to the same worker so that its readers and page cache are
// reused. A Client is safe for concurrent use.
type Client struct {
	addrs []string
	opts  ClientOptions
}

// NewClient returns a client for the given worker addresses.
func NewClient(addrs []string, opts ClientOptions) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no worker addresses")
	}
	for _, a := range addrs {
		if _, _, err := ParseAddr(a); err != nil {
			return nil, err
		}
	}
	opts.ensureDefaults()
	return &Client{addrs: append([]string(nil), addrs...), opts: opts}, nil
}

// Route returns the index of the worker responsible for url.
func (c *Client) Route(url string) int {
	return int(xxhash.Sum64String(url) % uint64(len(c.addrs)))
}

// Call runs one command on the worker responsible for url and decodes the
// result into out. Worker errors are returned as *RemoteError. Dial failures
// are retried; failures after the request was sent are not, since the
// worker may have acted on it.
func (c *Client) Call(ctx context.Context, url string, cmd Command, args Args, out interface{}) error {
	payload, err := EncodeRequest(Request{URL: url, Command: cmd, Args: args})
	if err != nil {
		return err
	}
	addr := c.addrs[c.Route(url)]
	backoff := c.opts.Backoff
	for attempt := 0; ; attempt++ {
		conn, err := Dial(ctx, addr)
		if err == nil {
			return c.roundTrip(ctx, conn, payload, out)
		}
		if ctx.Err() != nil || attempt >= c.opts.Retries {
			return errors.Wrapf(err, "dialing worker %s", addr)
		}
		c.opts.Logger.Infof("dialing worker %s failed (attempt %d): %v; retrying in %s", addr, attempt+1, err, backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func (c *Client) roundTrip(ctx context.Context, conn net.Conn, payload []byte, out interface{}) (err error) {
	defer func() {
		err = errors.CombineErrors(err, conn.Close())
	}()
	var deadline time.Time
	if c.opts.IOTimeout > 0 {
		deadline = time.Now().Add(c.opts.IOTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := WriteFrame(conn, payload); err != nil {
		return errors.Wrap(err, "writing request")
	}
	resp, err := ReadFrame(conn, c.opts.MaxFrameSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrap(err, "reading response")
	}
	return DecodeResponse(resp, out)
}

// Slide returns a proxy for the slide at url.
func (c *Client) Slide(url string) *SlideProxy {
	return &SlideProxy{c: c, url: url}
}

// SlideProxy exposes the pyramid reader operations of one remote slide.
type SlideProxy struct {
	c   *Client
	url string
}

// URL returns the slide URL.
func (s *SlideProxy) URL() string {
	return s.url
}

// Dimensions returns the size of level 0.
func (s *SlideProxy) Dimensions(ctx context.Context) (width, height int, err error) {
	var dims [2]int
	err = s.c.Call(ctx, s.url, CmdDimensions, Args{}, &dims)
	return dims[0], dims[1], err
}

// LevelCount returns the number of levels.
func (s *SlideProxy) LevelCount(ctx context.Context) (int, error) {
	var n int
	err := s.c.Call(ctx, s.url, CmdLevelCount, Args{}, &n)
	return n, err
}

// LevelDimensions returns the size of every level.
func (s *SlideProxy) LevelDimensions(ctx context.Context) ([][2]int, error) {
	var dims [][2]int
	err := s.c.Call(ctx, s.url, CmdLevelDimensions, Args{}, &dims)
	return dims, err
}

// LevelDownsamples returns the downsample factor of every level.
func (s *SlideProxy) LevelDownsamples(ctx context.Context) ([]float64, error) {
	var ds []float64
	err := s.c.Call(ctx, s.url, CmdLevelDownsamples, Args{}, &ds)
	return ds, err
}

// BestLevelForDownsample returns the level to read for downsample d.
func (s *SlideProxy) BestLevelForDownsample(ctx context.Context, d float64) (int, error) {
	var level int
	err := s.c.Call(ctx, s.url, CmdBestLevelForDownsample, Args{Downsample: d}, &level)
	return level, err
}

// ReadRegion reads a w×h window of level whose top-left corner is (x, y) in
// level-0 coordinates.
func (s *SlideProxy) ReadRegion(ctx context.Context, x, y int64, level, w, h int) (*image.RGBA, error) {
	return s.image(ctx, CmdReadRegion, Args{X: x, Y: y, Level: level, W: w, H: h})
}

// Thumbnail renders the slide into a maxW×maxH box.
func (s *SlideProxy) Thumbnail(ctx context.Context, maxW, maxH int) (*image.RGBA, error) {
	return s.image(ctx, CmdThumbnail, Args{W: maxW, H: maxH})
}

// Properties returns the slide metadata.
func (s *SlideProxy) Properties(ctx context.Context) (map[string]string, error) {
	var props map[string]string
	err := s.c.Call(ctx, s.url, CmdProperties, Args{}, &props)
	return props, err
}

// AssociatedImageNames returns the names of the associated images.
func (s *SlideProxy) AssociatedImageNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.c.Call(ctx, s.url, CmdAssociatedImageNames, Args{}, &names)
	return names, err
}

// ReadAssociatedImage reads the named associated image.
func (s *SlideProxy) ReadAssociatedImage(ctx context.Context, name string) (*image.RGBA, error) {
	return s.image(ctx, CmdReadAssociatedImage, Args{Name: name})
}

func (s *SlideProxy) image(ctx context.Context, cmd Command, args Args) (*image.RGBA, error) {
	var img Image
	if err := s.c.Call(ctx, s.url, cmd, args, &img); err != nil {
		return nil, err
	}
	return img.Decode()
}
