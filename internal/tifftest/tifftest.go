// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tifftest writes small synthetic tiled pyramid TIFFs with
// deterministic pixels for tests.
package tifftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image/color"
	"slices"

	"github.com/klauspost/compress/zlib"
)

// Compression values the writer supports.
const (
	CompressionNone    = 1
	CompressionDeflate = 8
)

// Options describe a fixture.
type Options struct {
	// Width and Height of level 0. Default 2048x1536.
	Width, Height int
	// TileSize is the square tile edge. Default 256.
	TileSize int
	// Levels is the number of tiled levels, each half the size of the
	// previous one. Default 4; negative for none.
	Levels int
	// Compression is CompressionNone (default) or CompressionDeflate.
	Compression uint16
	// Predictor enables horizontal differencing (TIFF predictor 2).
	Predictor bool
	// Align, if positive, starts every tile at a multiple of Align bytes.
	Align int
	// Associated lists associated images to append (for example "label").
	Associated []string
	// StrippedLevel appends a non-tiled reduced-resolution level at half the
	// size of the smallest tiled level.
	StrippedLevel bool
	// Description is the ImageDescription of level 0.
	Description string
	// ResolutionPerCm, if positive, sets X/YResolution in pixels per
	// centimetre.
	ResolutionPerCm float64
	// BigTIFF writes a BigTIFF container.
	BigTIFF bool
	// CorruptTiles lists level-0 tile indexes whose data is replaced with
	// garbage.
	CorruptTiles []int
	// SparseTiles lists level-0 tile indexes written with a zero byte count.
	SparseTiles []int
	// ByteCounts overrides the declared byte count of level-0 tiles by
	// index. The tile data is written unchanged.
	ByteCounts map[int]uint64
	// DeclaredTileSize, if positive, is written to the TileWidth and
	// TileLength tags in place of TileSize.
	DeclaredTileSize int
}

func (o *Options) ensureDefaults() {
	if o.Width == 0 {
		o.Width = 2048
	}
	if o.Height == 0 {
		o.Height = 1536
	}
	if o.TileSize == 0 {
		o.TileSize = 256
	}
	if o.Levels == 0 {
		o.Levels = 4
	}
	if o.Compression == 0 {
		o.Compression = CompressionNone
	}
}

// Pixel returns the colour of pixel (x, y) of the given level.
func Pixel(level, x, y int) color.RGBA {
	return color.RGBA{
		R: uint8(x),
		G: uint8(y),
		B: uint8(level*40 + (x/64)*7 + (y/64)*13),
		A: 0xff,
	}
}

// AssociatedPixel returns the colour of pixel (x, y) of an associated image.
func AssociatedPixel(name string, x, y int) color.RGBA {
	return color.RGBA{R: name[0], G: uint8(x * 3), B: uint8(y * 5), A: 0xff}
}

// AssociatedSize is the edge of every associated image.
const AssociatedSize = 64

// Fixture is a written file along with the layout of its tiles.
type Fixture struct {
	Data []byte
	// TileOffsets and TileByteCounts of every tiled level, indexed by level.
	TileOffsets    [][]uint64
	TileByteCounts [][]uint64
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

var le = binary.LittleEndian

type writer struct {
	buf     []byte
	bigTIFF bool
	// nextPtr is the position of the pointer to patch with the next IFD.
	nextPtr int
}

func (w *writer) pad(align int) {
	if align <= 1 {
		return
	}
	for len(w.buf)%align != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) u16(v uint16) []byte { return le.AppendUint16(nil, v) }
func (w *writer) u32(v uint32) []byte { return le.AppendUint32(nil, v) }
func (w *writer) u64(v uint64) []byte { return le.AppendUint64(nil, v) }

func (w *writer) shorts(tag uint16, vals ...uint16) entry {
	e := entry{tag: tag, typ: 3, count: uint64(len(vals))}
	for _, v := range vals {
		e.data = append(e.data, w.u16(v)...)
	}
	return e
}

func (w *writer) longs(tag uint16, vals ...uint32) entry {
	e := entry{tag: tag, typ: 4, count: uint64(len(vals))}
	for _, v := range vals {
		e.data = append(e.data, w.u32(v)...)
	}
	return e
}

// offsets writes LONG8 values in BigTIFF files and LONG otherwise.
func (w *writer) offsets(tag uint16, vals []uint64) entry {
	if !w.bigTIFF {
		l := make([]uint32, len(vals))
		for i, v := range vals {
			l[i] = uint32(v)
		}
		return w.longs(tag, l...)
	}
	e := entry{tag: tag, typ: 16, count: uint64(len(vals))}
	for _, v := range vals {
		e.data = append(e.data, w.u64(v)...)
	}
	return e
}

func (w *writer) ascii(tag uint16, s string) entry {
	return entry{tag: tag, typ: 2, count: uint64(len(s) + 1), data: append([]byte(s), 0)}
}

func (w *writer) rational(tag uint16, num, den uint32) entry {
	return entry{tag: tag, typ: 5, count: 1, data: append(w.u32(num), w.u32(den)...)}
}

// writeIFD appends out-of-line values and the directory, and links it into
// the chain.
func (w *writer) writeIFD(entries []entry) {
	slices.SortFunc(entries, func(a, b entry) int { return int(a.tag) - int(b.tag) })
	inline := 4
	if w.bigTIFF {
		inline = 8
	}
	valueOff := make([]uint64, len(entries))
	for i, e := range entries {
		if len(e.data) > inline {
			w.pad(2)
			valueOff[i] = uint64(len(w.buf))
			w.buf = append(w.buf, e.data...)
		}
	}
	w.pad(2)
	ifdOff := uint64(len(w.buf))
	if w.bigTIFF {
		le.PutUint64(w.buf[w.nextPtr:], ifdOff)
		w.buf = append(w.buf, w.u64(uint64(len(entries)))...)
	} else {
		le.PutUint32(w.buf[w.nextPtr:], uint32(ifdOff))
		w.buf = append(w.buf, w.u16(uint16(len(entries)))...)
	}
	for i, e := range entries {
		w.buf = append(w.buf, w.u16(e.tag)...)
		w.buf = append(w.buf, w.u16(e.typ)...)
		val := make([]byte, inline)
		if len(e.data) > inline {
			if w.bigTIFF {
				le.PutUint64(val, valueOff[i])
			} else {
				le.PutUint32(val, uint32(valueOff[i]))
			}
		} else {
			copy(val, e.data)
		}
		if w.bigTIFF {
			w.buf = append(w.buf, w.u64(e.count)...)
		} else {
			w.buf = append(w.buf, w.u32(uint32(e.count))...)
		}
		w.buf = append(w.buf, val...)
	}
	w.nextPtr = len(w.buf)
	if w.bigTIFF {
		w.buf = append(w.buf, make([]byte, 8)...)
	} else {
		w.buf = append(w.buf, make([]byte, 4)...)
	}
}

// samples returns the interleaved RGB samples of a w×h block whose top-left
// corner is (x0, y0). Pixels outside [0, width)×[0, height) are zero.
func samples(x0, y0, w, h, width, height int, pixel func(x, y int) color.RGBA, predictor bool) []byte {
	out := make([]byte, 0, w*h*3)
	for y := y0; y < y0+h; y++ {
		row := make([]byte, 0, w*3)
		for x := x0; x < x0+w; x++ {
			if x >= width || y >= height {
				row = append(row, 0, 0, 0)
				continue
			}
			c := pixel(x, y)
			row = append(row, c.R, c.G, c.B)
		}
		if predictor {
			for i := len(row) - 1; i >= 3; i-- {
				row[i] -= row[i-3]
			}
		}
		out = append(out, row...)
	}
	return out
}

func compress(data []byte, compression uint16) []byte {
	if compression != CompressionDeflate {
		return data
	}
	var b bytes.Buffer
	zw := zlib.NewWriter(&b)
	if _, err := zw.Write(data); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return b.Bytes()
}

type imageSpec struct {
	width, height int
	tiled         bool
	description   string
	subfileType   uint32
	pixel         func(x, y int) color.RGBA
	level         int
}

// Write builds a fixture.
func Write(opts Options) *Fixture {
	opts.ensureDefaults()
	w := &writer{bigTIFF: opts.BigTIFF}
	if opts.BigTIFF {
		w.buf = append(w.buf, 'I', 'I')
		w.buf = append(w.buf, w.u16(43)...)
		w.buf = append(w.buf, w.u16(8)...)
		w.buf = append(w.buf, w.u16(0)...)
		w.nextPtr = len(w.buf)
		w.buf = append(w.buf, make([]byte, 8)...)
	} else {
		w.buf = append(w.buf, 'I', 'I')
		w.buf = append(w.buf, w.u16(42)...)
		w.nextPtr = len(w.buf)
		w.buf = append(w.buf, make([]byte, 4)...)
	}

	var specs []imageSpec
	lw, lh := opts.Width, opts.Height
	for level := 0; level < opts.Levels; level++ {
		desc := fmt.Sprintf("level %d", level)
		var subfileType uint32 = 1
		if level == 0 {
			subfileType = 0
			if opts.Description != "" {
				desc = opts.Description
			}
		}
		specs = append(specs, imageSpec{
			width: lw, height: lh, tiled: true, description: desc, level: level,
			subfileType: subfileType,
			pixel:       func(x, y int) color.RGBA { return Pixel(level, x, y) },
		})
		lw, lh = max(1, lw/2), max(1, lh/2)
	}
	if opts.StrippedLevel {
		level := opts.Levels
		specs = append(specs, imageSpec{
			width: lw, height: lh, description: "reduced", subfileType: 1, level: level,
			pixel: func(x, y int) color.RGBA { return Pixel(level, x, y) },
		})
	}
	for _, name := range opts.Associated {
		specs = append(specs, imageSpec{
			width: AssociatedSize, height: AssociatedSize, level: -1,
			description: fmt.Sprintf("%s %dx%d", name, AssociatedSize, AssociatedSize),
			pixel:       func(x, y int) color.RGBA { return AssociatedPixel(name, x, y) },
		})
	}

	f := &Fixture{}
	for _, s := range specs {
		var offs, counts []uint64
		var entries []entry
		if s.tiled {
			ts := opts.TileSize
			across, down := (s.width+ts-1)/ts, (s.height+ts-1)/ts
			for ty := 0; ty < down; ty++ {
				for tx := 0; tx < across; tx++ {
					idx := ty*across + tx
					data := compress(samples(tx*ts, ty*ts, ts, ts, s.width, s.height, s.pixel, opts.Predictor), opts.Compression)
					if s.level == 0 && slices.Contains(opts.CorruptTiles, idx) {
						data = bytes.Repeat([]byte{0xff}, 10)
					}
					if s.level == 0 && slices.Contains(opts.SparseTiles, idx) {
						offs, counts = append(offs, 0), append(counts, 0)
						continue
					}
					w.pad(opts.Align)
					offs = append(offs, uint64(len(w.buf)))
					count := uint64(len(data))
					if c, ok := opts.ByteCounts[idx]; ok && s.level == 0 {
						count = c
					}
					counts = append(counts, count)
					w.buf = append(w.buf, data...)
				}
			}
			f.TileOffsets = append(f.TileOffsets, offs)
			f.TileByteCounts = append(f.TileByteCounts, counts)
			declared := ts
			if opts.DeclaredTileSize > 0 {
				declared = opts.DeclaredTileSize
			}
			entries = append(entries,
				w.longs(322, uint32(declared)), w.longs(323, uint32(declared)),
				w.offsets(324, offs), w.offsets(325, counts))
		} else {
			const rowsPerStrip = 16
			for y := 0; y < s.height; y += rowsPerStrip {
				rows := min(rowsPerStrip, s.height-y)
				data := compress(samples(0, y, s.width, rows, s.width, s.height, s.pixel, opts.Predictor), opts.Compression)
				offs = append(offs, uint64(len(w.buf)))
				counts = append(counts, uint64(len(data)))
				w.buf = append(w.buf, data...)
			}
			entries = append(entries,
				w.longs(278, rowsPerStrip),
				w.offsets(273, offs), w.offsets(279, counts))
		}
		entries = append(entries,
			w.longs(254, s.subfileType),
			w.longs(256, uint32(s.width)), w.longs(257, uint32(s.height)),
			w.shorts(258, 8, 8, 8),
			w.shorts(259, opts.Compression),
			w.shorts(262, 2),
			w.ascii(270, s.description),
			w.shorts(277, 3),
			w.shorts(284, 1))
		if opts.Predictor {
			entries = append(entries, w.shorts(317, 2))
		}
		if s.level == 0 {
			entries = append(entries, w.ascii(305, "tifftest"))
			if opts.ResolutionPerCm > 0 {
				entries = append(entries,
					w.rational(282, uint32(opts.ResolutionPerCm*1000), 1000),
					w.rational(283, uint32(opts.ResolutionPerCm*1000), 1000),
					w.shorts(296, 3))
			}
		}
		w.writeIFD(entries)
	}
	f.Data = w.buf
	return f
}
