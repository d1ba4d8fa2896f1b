// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"context"
	"image"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/pyramid"
)

type handler func(ctx context.Context, r *pyramid.Reader, args Args, codec ImageCodec) (interface{}, error)

var dispatchTable = map[Command]handler{
	CmdDimensions: func(_ context.Context, r *pyramid.Reader, _ Args, _ ImageCodec) (interface{}, error) {
		w, h := r.Dimensions()
		return [2]int{w, h}, nil
	},
	CmdLevelCount: func(_ context.Context, r *pyramid.Reader, _ Args, _ ImageCodec) (interface{}, error) {
		return r.LevelCount(), nil
	},
	CmdLevelDimensions: func(_ context.Context, r *pyramid.Reader, _ Args, _ ImageCodec) (interface{}, error) {
		return r.LevelDimensions(), nil
	},
	CmdLevelDownsamples: func(_ context.Context, r *pyramid.Reader, _ Args, _ ImageCodec) (interface{}, error) {
		return r.LevelDownsamples(), nil
	},
	CmdBestLevelForDownsample: func(_ context.Context, r *pyramid.Reader, a Args, _ ImageCodec) (interface{}, error) {
		return r.BestLevelForDownsample(a.Downsample), nil
	},
	CmdReadRegion: func(ctx context.Context, r *pyramid.Reader, a Args, codec ImageCodec) (interface{}, error) {
		return encodeImage(r.ReadRegion(ctx, a.X, a.Y, a.Level, a.W, a.H))(codec)
	},
	CmdThumbnail: func(ctx context.Context, r *pyramid.Reader, a Args, codec ImageCodec) (interface{}, error) {
		return encodeImage(r.Thumbnail(ctx, a.W, a.H))(codec)
	},
	CmdProperties: func(_ context.Context, r *pyramid.Reader, _ Args, _ ImageCodec) (interface{}, error) {
		return r.Properties(), nil
	},
	CmdAssociatedImageNames: func(_ context.Context, r *pyramid.Reader, _ Args, _ ImageCodec) (interface{}, error) {
		return r.AssociatedImageNames(), nil
	},
	CmdReadAssociatedImage: func(ctx context.Context, r *pyramid.Reader, a Args, codec ImageCodec) (interface{}, error) {
		return encodeImage(r.ReadAssociatedImage(ctx, a.Name))(codec)
	},
}

func encodeImage(img *image.RGBA, err error) func(ImageCodec) (interface{}, error) {
	return func(codec ImageCodec) (interface{}, error) {
		if err != nil {
			return nil, err
		}
		return EncodeImage(img, codec)
	}
}

// Dispatch runs req.Command against r and returns the value to encode in
// the response. Images are compressed with codec.
func Dispatch(ctx context.Context, r *pyramid.Reader, req Request, codec ImageCodec) (interface{}, error) {
	h, ok := dispatchTable[req.Command]
	if !ok {
		return nil, errors.Mark(errors.Newf("command %q is not supported", req.Command), ErrUnknownCommand)
	}
	return h(ctx, r, req.Args, codec)
}
