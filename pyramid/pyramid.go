// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package pyramid reads tiled multi-resolution images (TIFF and BigTIFF
// whole-slide images) using nothing but ranged reads against a Source. Only
// the directory chain is read when a Reader is opened; tiles are fetched and
// decoded on demand.
package pyramid

import (
	"context"
	"image"
	"io"
	"math"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/image/draw"
)

// MaxRegionPixels bounds the size of a single ReadRegion or Thumbnail
// result.
const MaxRegionPixels = 1 << 26

// MaxTilePixels bounds the declared size of one tile.
const MaxTilePixels = 1 << 24

// Source is the byte source a Reader decodes from. remotefile.Handle
// implements it.
type Source interface {
	// Size returns the total size of the underlying object.
	Size() int64
	// ReadAt reads up to len(p) bytes at off; reads at or past the end
	// return io.EOF.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Seek moves the cursor used by Read.
	Seek(offset int64, whence int) (int64, error)
	// Read reads at the cursor and advances it.
	Read(ctx context.Context, p []byte) (int, error)
}

// Options configure a Reader.
type Options struct {
	// Logger receives tile decode warnings. Defaults to base.DefaultLogger.
	Logger base.Logger
	// TileDecodeErrors, if set, counts tiles replaced by a blank
	// placeholder.
	TileDecodeErrors prometheus.Counter
}

// Reader decodes regions, thumbnails and metadata from a pyramid image.
// Methods that read from the Source must not be called concurrently.
type Reader struct {
	src        Source
	opts       Options
	levels     []*Level
	associated map[string]*tiffImage
	properties map[string]string
	background [3]uint8

	mu struct {
		sync.Mutex
		// whole caches fully decoded stripped levels by level index.
		whole map[int]*image.RGBA
	}
}

// Open parses the directory chain of src and classifies its images. It fails
// with base.ErrInvalidFormat if src is not a TIFF with at least one tiled
// image.
func Open(ctx context.Context, src Source, opts Options) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = base.DefaultLogger
	}
	dirs, err := readDirectories(ctx, src)
	if err != nil {
		return nil, err
	}
	levels, associated, err := classify(dirs, src.Size())
	if err != nil {
		return nil, err
	}
	r := &Reader{
		src:        src,
		opts:       opts,
		levels:     levels,
		associated: associated,
	}
	r.mu.whole = make(map[int]*image.RGBA)
	r.properties, r.background = buildProperties(dirs[0], levels)
	return r, nil
}

// Dimensions returns the size of level 0.
func (r *Reader) Dimensions() (width, height int) {
	return r.levels[0].Width, r.levels[0].Height
}

// LevelCount returns the number of pyramid levels.
func (r *Reader) LevelCount() int {
	return len(r.levels)
}

// Level returns the level with the given index.
func (r *Reader) Level(i int) (*Level, error) {
	if i < 0 || i >= len(r.levels) {
		return nil, base.InvalidArgumentErrorf("level %d out of range [0, %d)", errors.Safe(i), errors.Safe(len(r.levels)))
	}
	return r.levels[i], nil
}

// LevelDimensions returns the width and height of every level, largest
// first.
func (r *Reader) LevelDimensions() [][2]int {
	dims := make([][2]int, len(r.levels))
	for i, l := range r.levels {
		dims[i] = [2]int{l.Width, l.Height}
	}
	return dims
}

// LevelDownsamples returns width(level 0) / width(level i) for every level.
func (r *Reader) LevelDownsamples() []float64 {
	ds := make([]float64, len(r.levels))
	for i, l := range r.levels {
		ds[i] = l.Downsample
	}
	return ds
}

// BestLevelForDownsample returns the largest level index whose downsample
// is strictly less than d, or 0 if there is none.
func (r *Reader) BestLevelForDownsample(d float64) int {
	best := 0
	for i, l := range r.levels {
		if l.Downsample < d {
			best = i
		}
	}
	return best
}

// Properties returns a copy of the image metadata.
func (r *Reader) Properties() map[string]string {
	props := make(map[string]string, len(r.properties))
	for k, v := range r.properties {
		props[k] = v
	}
	return props
}

// BackgroundColor returns the RGB colour thumbnails are flattened onto.
func (r *Reader) BackgroundColor() [3]uint8 {
	return r.background
}

// AssociatedImageNames returns the names of the associated images, sorted.
func (r *Reader) AssociatedImageNames() []string {
	names := make([]string, 0, len(r.associated))
	for name := range r.associated {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReadAssociatedImage decodes the named associated image.
func (r *Reader) ReadAssociatedImage(ctx context.Context, name string) (*image.RGBA, error) {
	im, ok := r.associated[name]
	if !ok {
		return nil, base.InvalidArgumentErrorf("no associated image %q", name)
	}
	if err := checkPixels(im.width, im.height); err != nil {
		return nil, err
	}
	return r.decodeWhole(ctx, im)
}

func checkPixels(w, h int) error {
	if w <= 0 || h <= 0 {
		return base.InvalidArgumentErrorf("invalid size %dx%d", errors.Safe(w), errors.Safe(h))
	}
	if int64(w)*int64(h) > MaxRegionPixels {
		return base.InvalidArgumentErrorf("size %dx%d exceeds %d pixels",
			errors.Safe(w), errors.Safe(h), errors.Safe(MaxRegionPixels))
	}
	return nil
}

// ReadRegion returns the w×h window of the given level whose top-left corner
// is (x, y) in level-0 coordinates. Pixels outside the level are
// transparent. A tile that fails to read or decode is left transparent and
// logged; it does not fail the region.
func (r *Reader) ReadRegion(ctx context.Context, x, y int64, level, w, h int) (*image.RGBA, error) {
	l, err := r.Level(level)
	if err != nil {
		return nil, err
	}
	if err := checkPixels(w, h); err != nil {
		return nil, err
	}
	lx := int(math.Floor(float64(x) / l.Downsample))
	ly := int(math.Floor(float64(y) / l.Downsample))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	origin := image.Pt(lx, ly)
	win := image.Rect(lx, ly, lx+w, ly+h).Intersect(image.Rect(0, 0, l.Width, l.Height))
	if win.Empty() {
		return dst, nil
	}

	if !l.Tiled() {
		whole, err := r.wholeLevel(ctx, l)
		if err != nil {
			return nil, err
		}
		draw.Draw(dst, win.Sub(origin), whole, win.Min, draw.Src)
		return dst, nil
	}

	tw, th := l.TileWidth, l.TileHeight
	tx0, tx1 := win.Min.X/tw, (win.Max.X-1)/tw
	ty0, ty1 := win.Min.Y/th, (win.Max.Y-1)/th
	assembly := image.NewRGBA(image.Rect(0, 0, (tx1-tx0+1)*tw, (ty1-ty0+1)*th))
	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			tile, err := r.readTile(ctx, l, tx, ty)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				r.opts.Logger.Infof("warning: %s level %d tile (%d, %d): %v", r.describe(), l.Index, tx, ty, err)
				if r.opts.TileDecodeErrors != nil {
					r.opts.TileDecodeErrors.Inc()
				}
				continue
			}
			if tile == nil {
				continue
			}
			at := image.Pt((tx-tx0)*tw, (ty-ty0)*th)
			draw.Draw(assembly, image.Rectangle{Min: at, Max: at.Add(image.Pt(tw, th))}, tile, tile.Bounds().Min, draw.Src)
		}
	}
	draw.Draw(dst, win.Sub(origin), assembly, win.Min.Sub(image.Pt(tx0*tw, ty0*th)), draw.Src)
	return dst, nil
}

func (r *Reader) describe() string {
	if h, ok := r.src.(interface{ URL() string }); ok {
		return h.URL()
	}
	return "slide"
}

// readTile seeks to the tile, reads exactly its byte count and decodes it.
// Sparse tiles (zero byte count) decode to nil.
func (r *Reader) readTile(ctx context.Context, l *Level, tx, ty int) (image.Image, error) {
	idx := ty*l.TilesAcross() + tx
	off, count := l.TileOffsets[idx], l.TileByteCounts[idx]
	if count == 0 {
		return nil, nil
	}
	info := l.img.info
	info.Width, info.Height = l.TileWidth, l.TileHeight
	return r.readChunk(ctx, l.img, off, count, info)
}

func (r *Reader) readChunk(
	ctx context.Context, im *tiffImage, off, count uint64, info ChunkInfo,
) (image.Image, error) {
	if size := uint64(r.src.Size()); count > size || off > size-count {
		return nil, base.InvalidFormatErrorf("chunk of %d bytes at %d extends past end of file (%d bytes)",
			errors.Safe(count), errors.Safe(off), errors.Safe(size))
	}
	dec, ok := lookupDecoder(im.compression)
	if !ok {
		return nil, base.InvalidFormatErrorf("unsupported compression %d", errors.Safe(im.compression))
	}
	if _, err := r.src.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, count)
	for read := 0; read < len(buf); {
		n, err := r.src.Read(ctx, buf[read:])
		read += n
		if err != nil && read < len(buf) {
			return nil, errors.Wrapf(err, "reading chunk at %d", errors.Safe(off))
		}
		if n == 0 && err == nil {
			return nil, errors.Newf("no progress reading chunk at %d", errors.Safe(off))
		}
	}
	return dec.Decode(buf, info)
}

// wholeLevel decodes a stripped level once and caches it.
func (r *Reader) wholeLevel(ctx context.Context, l *Level) (*image.RGBA, error) {
	r.mu.Lock()
	img, ok := r.mu.whole[l.Index]
	r.mu.Unlock()
	if ok {
		return img, nil
	}
	if err := checkPixels(l.Width, l.Height); err != nil {
		return nil, err
	}
	img, err := r.decodeWhole(ctx, l.img)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.mu.whole[l.Index] = img
	r.mu.Unlock()
	return img, nil
}

// decodeWhole decodes every strip of a non-tiled image.
func (r *Reader) decodeWhole(ctx context.Context, im *tiffImage) (*image.RGBA, error) {
	if im.tiled() {
		return nil, errors.AssertionFailedf("decodeWhole on a tiled image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, im.width, im.height))
	for i := range im.offsets {
		y := i * im.rowsPerStrip
		rows := min(im.rowsPerStrip, im.height-y)
		info := im.info
		info.Width, info.Height = im.width, rows
		strip, err := r.readChunk(ctx, im, im.offsets[i], im.byteCounts[i], info)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding strip %d", errors.Safe(i))
		}
		draw.Draw(dst, image.Rect(0, y, im.width, y+rows), strip, strip.Bounds().Min, draw.Src)
	}
	return dst, nil
}
