// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pyramid

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/internal/base"
	"golang.org/x/image/draw"
)

// Thumbnail renders the whole slide into a maxW×maxH box, preserving the
// aspect ratio. The source level is the best level for the larger of the two
// axis downsamples; transparency is flattened onto the background colour.
// Thumbnails are never enlarged beyond the source level.
func (r *Reader) Thumbnail(ctx context.Context, maxW, maxH int) (*image.RGBA, error) {
	if maxW <= 0 || maxH <= 0 {
		return nil, base.InvalidArgumentErrorf("invalid thumbnail size %dx%d", errors.Safe(maxW), errors.Safe(maxH))
	}
	w0, h0 := r.Dimensions()
	ds := math.Max(float64(w0)/float64(maxW), float64(h0)/float64(maxH))
	l := r.levels[r.BestLevelForDownsample(ds)]

	region, err := r.ReadRegion(ctx, 0, 0, l.Index, l.Width, l.Height)
	if err != nil {
		return nil, err
	}
	bg := r.background
	flat := image.NewRGBA(region.Bounds())
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.RGBA{R: bg[0], G: bg[1], B: bg[2], A: 0xff}), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), region, image.Point{}, draw.Over)

	scale := math.Min(1, math.Min(float64(maxW)/float64(l.Width), float64(maxH)/float64(l.Height)))
	tw := max(1, int(math.Round(float64(l.Width)*scale)))
	th := max(1, int(math.Round(float64(l.Height)*scale)))
	if tw == l.Width && th == l.Height {
		return flat, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), flat, flat.Bounds(), draw.Src, nil)
	return dst, nil
}
