// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pyramid

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/internal/base"
)

// TIFF tag numbers understood by the directory parser.
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagMake             = 271
	tagModel            = 272
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagXResolution      = 282
	tagYResolution      = 283
	tagPlanarConfig     = 284
	tagResolutionUnit   = 296
	tagSoftware         = 305
	tagDateTime         = 306
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagExtraSamples     = 338
	tagSampleFormat     = 339
	tagJPEGTables       = 347
)

// TIFF field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
	dtIFD       = 13
	dtLong8     = 16
	dtSLong8    = 17
	dtIFD8      = 18
)

var dataTypeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8,
	dtFloat: 4, dtDouble: 8, dtIFD: 4, dtLong8: 8, dtSLong8: 8, dtIFD8: 8,
}

const (
	// maxDirectories bounds the IFD chain walk.
	maxDirectories = 1024
	// maxEntries bounds the number of entries in one IFD.
	maxEntries = 4096
	// maxValueBytes bounds the size of one out-of-line tag value.
	maxValueBytes = 64 << 20
)

// ResolutionUnit values.
const (
	resUnitNone       = 1
	resUnitInch       = 2
	resUnitCentimeter = 3
)

// field is one decoded IFD entry.
type field struct {
	typ   uint16
	count uint64
	raw   []byte
}

// directory is one parsed image file directory.
type directory struct {
	index  int
	fields map[uint16]field
	order  binary.ByteOrder
}

func (d *directory) has(tag uint16) bool {
	_, ok := d.fields[tag]
	return ok
}

// uints returns the integer values of an integral field.
func (d *directory) uints(tag uint16) ([]uint64, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, nil
	}
	size, ok := dataTypeSize[f.typ]
	if !ok {
		return nil, base.InvalidFormatErrorf("tag %d: unknown field type %d", errors.Safe(tag), errors.Safe(f.typ))
	}
	vals := make([]uint64, f.count)
	for i := range vals {
		b := f.raw[i*size:]
		switch f.typ {
		case dtByte, dtUndefined:
			vals[i] = uint64(b[0])
		case dtShort:
			vals[i] = uint64(d.order.Uint16(b))
		case dtLong, dtIFD:
			vals[i] = uint64(d.order.Uint32(b))
		case dtLong8, dtIFD8:
			vals[i] = d.order.Uint64(b)
		default:
			return nil, base.InvalidFormatErrorf("tag %d: field type %d is not an unsigned integer",
				errors.Safe(tag), errors.Safe(f.typ))
		}
	}
	return vals, nil
}

// uintOr returns the first value of an integral field, or def if absent.
func (d *directory) uintOr(tag uint16, def uint64) (uint64, error) {
	vals, err := d.uints(tag)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return def, nil
	}
	return vals[0], nil
}

// rational returns the first value of a RATIONAL field, or 0 if absent.
func (d *directory) rational(tag uint16) float64 {
	f, ok := d.fields[tag]
	if !ok || f.count == 0 {
		return 0
	}
	switch f.typ {
	case dtRational:
		num, den := d.order.Uint32(f.raw), d.order.Uint32(f.raw[4:])
		if den == 0 {
			return 0
		}
		return float64(num) / float64(den)
	case dtFloat:
		return float64(math.Float32frombits(d.order.Uint32(f.raw)))
	case dtDouble:
		return math.Float64frombits(d.order.Uint64(f.raw))
	case dtShort, dtLong:
		v, _ := d.uintOr(tag, 0)
		return float64(v)
	}
	return 0
}

// ascii returns an ASCII field with trailing NULs removed.
func (d *directory) ascii(tag uint16) string {
	f, ok := d.fields[tag]
	if !ok || f.typ != dtASCII {
		return ""
	}
	return strings.TrimRight(string(f.raw), "\x00")
}

// rawBytes returns the raw bytes of a BYTE or UNDEFINED field.
func (d *directory) rawBytes(tag uint16) []byte {
	f, ok := d.fields[tag]
	if !ok || (f.typ != dtUndefined && f.typ != dtByte) {
		return nil
	}
	return f.raw
}

// header is the decoded TIFF file header.
type header struct {
	order    binary.ByteOrder
	bigTIFF  bool
	firstIFD uint64
}

// readFullAt reads exactly len(p) bytes at off.
func readFullAt(ctx context.Context, src Source, p []byte, off int64) error {
	for read := 0; read < len(p); {
		n, err := src.ReadAt(ctx, p[read:], off+int64(read))
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) && read < len(p) {
				return base.InvalidFormatErrorf("truncated file: wanted %d bytes at offset %d",
					errors.Safe(len(p)), errors.Safe(off))
			}
			if read < len(p) {
				return err
			}
		}
		if n == 0 && err == nil {
			return errors.Newf("no progress reading at offset %d", errors.Safe(off+int64(read)))
		}
	}
	return nil
}

func readHeader(ctx context.Context, src Source) (header, error) {
	if src.Size() < 8 {
		return header{}, base.InvalidFormatErrorf("file too short for a TIFF header (%d bytes)", errors.Safe(src.Size()))
	}
	buf := make([]byte, min(16, src.Size()))
	if err := readFullAt(ctx, src, buf, 0); err != nil {
		return header{}, err
	}
	var h header
	switch string(buf[:2]) {
	case "II":
		h.order = binary.LittleEndian
	case "MM":
		h.order = binary.BigEndian
	default:
		return header{}, base.InvalidFormatErrorf("not a TIFF file: bad byte order mark %q", buf[:2])
	}
	switch magic := h.order.Uint16(buf[2:]); magic {
	case 42:
		h.firstIFD = uint64(h.order.Uint32(buf[4:]))
	case 43:
		if len(buf) < 16 {
			return header{}, base.InvalidFormatErrorf("file too short for a BigTIFF header")
		}
		if h.order.Uint16(buf[4:]) != 8 || h.order.Uint16(buf[6:]) != 0 {
			return header{}, base.InvalidFormatErrorf("unsupported BigTIFF offset size")
		}
		h.bigTIFF = true
		h.firstIFD = h.order.Uint64(buf[8:])
	default:
		return header{}, base.InvalidFormatErrorf("not a TIFF file: bad magic %d", errors.Safe(magic))
	}
	return h, nil
}

// readDirectories walks the IFD chain and returns every directory in file
// order.
func readDirectories(ctx context.Context, src Source) ([]*directory, error) {
	h, err := readHeader(ctx, src)
	if err != nil {
		return nil, err
	}
	countSize, entrySize, offSize := 2, 12, 4
	if h.bigTIFF {
		countSize, entrySize, offSize = 8, 20, 8
	}

	var dirs []*directory
	seen := make(map[uint64]struct{})
	for off := h.firstIFD; off != 0; {
		if len(dirs) >= maxDirectories {
			return nil, base.InvalidFormatErrorf("too many directories")
		}
		if _, ok := seen[off]; ok {
			return nil, base.InvalidFormatErrorf("directory loop at offset %d", errors.Safe(off))
		}
		seen[off] = struct{}{}
		if off >= uint64(src.Size()) {
			return nil, base.InvalidFormatErrorf("directory offset %d past end of file", errors.Safe(off))
		}

		countBuf := make([]byte, countSize)
		if err := readFullAt(ctx, src, countBuf, int64(off)); err != nil {
			return nil, err
		}
		var n uint64
		if h.bigTIFF {
			n = h.order.Uint64(countBuf)
		} else {
			n = uint64(h.order.Uint16(countBuf))
		}
		if n == 0 || n > maxEntries {
			return nil, base.InvalidFormatErrorf("directory %d has %d entries", errors.Safe(len(dirs)), errors.Safe(n))
		}
		// Entries and the next-directory offset are read together.
		buf := make([]byte, int(n)*entrySize+offSize)
		if err := readFullAt(ctx, src, buf, int64(off)+int64(countSize)); err != nil {
			return nil, err
		}
		d := &directory{index: len(dirs), fields: make(map[uint16]field, n), order: h.order}
		for i := 0; i < int(n); i++ {
			e := buf[i*entrySize : (i+1)*entrySize]
			tag, typ := h.order.Uint16(e), h.order.Uint16(e[2:])
			size, ok := dataTypeSize[typ]
			if !ok {
				// Unknown types are skipped as the TIFF spec requires.
				continue
			}
			var count uint64
			var inline []byte
			if h.bigTIFF {
				count, inline = h.order.Uint64(e[4:]), e[12:20]
			} else {
				count, inline = uint64(h.order.Uint32(e[4:])), e[8:12]
			}
			if count > maxValueBytes/uint64(size) {
				return nil, base.InvalidFormatErrorf("tag %d: value too large", errors.Safe(tag))
			}
			total := int(count) * size
			var raw []byte
			if total <= len(inline) {
				raw = append([]byte(nil), inline[:total]...)
			} else {
				var valOff uint64
				if h.bigTIFF {
					valOff = h.order.Uint64(inline)
				} else {
					valOff = uint64(h.order.Uint32(inline))
				}
				if size := uint64(src.Size()); uint64(total) > size || valOff > size-uint64(total) {
					return nil, base.InvalidFormatErrorf("tag %d: value extends past end of file", errors.Safe(tag))
				}
				raw = make([]byte, total)
				if err := readFullAt(ctx, src, raw, int64(valOff)); err != nil {
					return nil, err
				}
			}
			d.fields[tag] = field{typ: typ, count: count, raw: raw}
		}
		dirs = append(dirs, d)

		next := buf[int(n)*entrySize:]
		if h.bigTIFF {
			off = h.order.Uint64(next)
		} else {
			off = uint64(h.order.Uint32(next))
		}
	}
	return dirs, nil
}
