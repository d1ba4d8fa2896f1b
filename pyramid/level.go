// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pyramid

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/internal/base"
)

// Names of associated images.
const (
	AssociatedThumbnail = "thumbnail"
	AssociatedLabel     = "label"
	AssociatedMacro     = "macro"
)

var associatedNames = []string{AssociatedMacro, AssociatedLabel, AssociatedThumbnail}

// Level is one resolution of the pyramid. Tiled levels are addressed by
// tile; stripped levels are decoded as a whole.
type Level struct {
	Index      int
	Width      int
	Height     int
	Downsample float64
	// TileWidth and TileHeight are zero for stripped levels.
	TileWidth  int
	TileHeight int
	// TileOffsets and TileByteCounts hold one entry per tile in row-major
	// order.
	TileOffsets    []uint64
	TileByteCounts []uint64

	img *tiffImage
}

// Tiled reports whether the level is stored as tiles.
func (l *Level) Tiled() bool {
	return l.TileWidth > 0
}

// TilesAcross returns the number of tile columns.
func (l *Level) TilesAcross() int {
	return (l.Width + l.TileWidth - 1) / l.TileWidth
}

// TilesDown returns the number of tile rows.
func (l *Level) TilesDown() int {
	return (l.Height + l.TileHeight - 1) / l.TileHeight
}

// tiffImage is a decodable TIFF image: one directory's geometry, sample
// layout and chunk locations (tiles or strips).
type tiffImage struct {
	dir          *directory
	width        int
	height       int
	tileWidth    int
	tileHeight   int
	rowsPerStrip int
	offsets      []uint64
	byteCounts   []uint64
	compression  uint16
	info         ChunkInfo
	description  string
	subfileType  uint64
}

func (im *tiffImage) tiled() bool {
	return im.tileWidth > 0
}

// maxDimension bounds the width and height of an image.
const maxDimension = 1<<31 - 1

// parseImage extracts the image described by d. Chunk offsets and byte counts
// that fall outside the file of the given size make the image invalid,
// except for tiles: those fail on their own when read.
func parseImage(d *directory, size int64) (*tiffImage, error) {
	im := &tiffImage{dir: d, description: d.ascii(tagImageDescription)}
	var err error
	get := func(tag uint16, def uint64) int {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = d.uintOr(tag, def)
		return int(v)
	}
	im.width = get(tagImageWidth, 0)
	im.height = get(tagImageLength, 0)
	im.compression = uint16(get(tagCompression, CompressionNone))
	im.info.Photometric = get(tagPhotometric, photometricBlackIsZero)
	im.info.SamplesPerPixel = get(tagSamplesPerPixel, 1)
	im.info.BitsPerSample = get(tagBitsPerSample, 1)
	im.info.Predictor = get(tagPredictor, 1)
	planar := get(tagPlanarConfig, 1)
	sampleFormat := get(tagSampleFormat, 1)
	if sub, e := d.uintOr(tagNewSubfileType, 0); e == nil {
		im.subfileType = sub
	}
	if err != nil {
		return nil, err
	}
	if im.width <= 0 || im.height <= 0 {
		return nil, base.InvalidFormatErrorf("directory %d: missing image dimensions", errors.Safe(d.index))
	}
	if im.width > maxDimension || im.height > maxDimension {
		return nil, base.InvalidFormatErrorf("directory %d: image size %dx%d too large",
			errors.Safe(d.index), errors.Safe(im.width), errors.Safe(im.height))
	}
	if planar != 1 {
		return nil, base.InvalidFormatErrorf("directory %d: planar configuration %d is not supported",
			errors.Safe(d.index), errors.Safe(planar))
	}
	if sampleFormat != 1 {
		return nil, base.InvalidFormatErrorf("directory %d: sample format %d is not supported",
			errors.Safe(d.index), errors.Safe(sampleFormat))
	}
	if extra, _ := d.uints(tagExtraSamples); len(extra) > 0 && extra[0] == 1 {
		im.info.AssociatedAlpha = true
	}
	im.info.JPEGTables = d.rawBytes(tagJPEGTables)

	if d.has(tagTileWidth) {
		im.tileWidth = get(tagTileWidth, 0)
		im.tileHeight = get(tagTileLength, 0)
		if err != nil {
			return nil, err
		}
		if im.tileWidth <= 0 || im.tileHeight <= 0 || int64(im.tileWidth)*int64(im.tileHeight) > MaxTilePixels {
			return nil, base.InvalidFormatErrorf("directory %d: invalid tile size %dx%d",
				errors.Safe(d.index), errors.Safe(im.tileWidth), errors.Safe(im.tileHeight))
		}
		im.offsets, err = d.uints(tagTileOffsets)
		if err == nil {
			im.byteCounts, err = d.uints(tagTileByteCounts)
		}
		if err != nil {
			return nil, err
		}
		across := (im.width + im.tileWidth - 1) / im.tileWidth
		down := (im.height + im.tileHeight - 1) / im.tileHeight
		if len(im.offsets) != len(im.byteCounts) || len(im.offsets) != across*down {
			return nil, base.InvalidFormatErrorf("directory %d: %d tile offsets and %d byte counts for %dx%d tiles",
				errors.Safe(d.index), errors.Safe(len(im.offsets)), errors.Safe(len(im.byteCounts)),
				errors.Safe(across), errors.Safe(down))
		}
		return im, nil
	}

	im.rowsPerStrip = get(tagRowsPerStrip, uint64(im.height))
	if err != nil {
		return nil, err
	}
	if im.rowsPerStrip <= 0 || im.rowsPerStrip > im.height {
		im.rowsPerStrip = im.height
	}
	im.offsets, err = d.uints(tagStripOffsets)
	if err == nil {
		im.byteCounts, err = d.uints(tagStripByteCounts)
	}
	if err != nil {
		return nil, err
	}
	strips := (im.height + im.rowsPerStrip - 1) / im.rowsPerStrip
	if len(im.offsets) != len(im.byteCounts) || len(im.offsets) != strips {
		return nil, base.InvalidFormatErrorf("directory %d: %d strip offsets and %d byte counts for %d strips",
			errors.Safe(d.index), errors.Safe(len(im.offsets)), errors.Safe(len(im.byteCounts)), errors.Safe(strips))
	}
	for i, count := range im.byteCounts {
		if count > uint64(size) || im.offsets[i] > uint64(size)-count {
			return nil, base.InvalidFormatErrorf("directory %d: strip %d extends past end of file",
				errors.Safe(d.index), errors.Safe(i))
		}
	}
	return im, nil
}

// associatedName returns the associated image name found in a description,
// or "" if it names none. A description names an image when one of its lines
// starts with the name as a whole word, as in "label 387x463".
func associatedName(description string) string {
	for _, line := range strings.FieldsFunc(description, func(r rune) bool { return r == '\n' || r == '\r' }) {
		words := strings.FieldsFunc(line, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if len(words) == 0 {
			continue
		}
		first := strings.ToLower(words[0])
		if slices.Contains(associatedNames, first) {
			return first
		}
	}
	return ""
}

// classify splits the directories of a file into pyramid levels and
// associated images.
func classify(
	dirs []*directory, size int64,
) (levels []*Level, associated map[string]*tiffImage, err error) {
	associated = make(map[string]*tiffImage)
	var tiled, stripped []*tiffImage
	for _, d := range dirs {
		im, err := parseImage(d, size)
		if err != nil {
			if d.has(tagTileWidth) {
				return nil, nil, err
			}
			// Unusable auxiliary directories are ignored.
			continue
		}
		switch {
		case im.tiled():
			tiled = append(tiled, im)
		case associatedName(im.description) != "":
			name := associatedName(im.description)
			if _, ok := associated[name]; !ok {
				associated[name] = im
			}
		case im.subfileType&1 != 0:
			stripped = append(stripped, im)
		}
	}
	if len(tiled) == 0 {
		return nil, nil, base.InvalidFormatErrorf("no tiled pages found")
	}

	all := append(tiled, stripped...)
	slices.SortStableFunc(all, func(a, b *tiffImage) int {
		return cmp.Compare(b.width, a.width)
	})
	w0 := float64(all[0].width)
	for i, im := range all {
		levels = append(levels, &Level{
			Index:          i,
			Width:          im.width,
			Height:         im.height,
			Downsample:     w0 / float64(im.width),
			TileWidth:      im.tileWidth,
			TileHeight:     im.tileHeight,
			TileOffsets:    im.offsets,
			TileByteCounts: im.byteCounts,
			img:            im,
		})
	}
	return levels, associated, nil
}
