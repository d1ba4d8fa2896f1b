// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pyramid

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// TIFF Compression tag values with a built-in decoder.
const (
	CompressionNone         = 1
	CompressionLZW          = 5
	CompressionOldJPEG      = 6
	CompressionJPEG         = 7
	CompressionDeflate      = 8
	CompressionAdobeDeflate = 32946
	CompressionZstd         = 50000
)

// Photometric interpretations.
const (
	photometricWhiteIsZero = 0
	photometricBlackIsZero = 1
	photometricRGB         = 2
	photometricYCbCr       = 6
)

// ChunkInfo describes the layout of one tile or strip handed to a Decoder.
type ChunkInfo struct {
	// Width and Height are the pixel dimensions of the chunk. Tiles always
	// have the full tile size, even at the right and bottom edges.
	Width, Height   int
	SamplesPerPixel int
	BitsPerSample   int
	Photometric     int
	Predictor       int
	// AssociatedAlpha is set when the fourth sample is premultiplied alpha.
	AssociatedAlpha bool
	// JPEGTables holds the shared quantization and Huffman tables, if any.
	JPEGTables []byte
}

// A Decoder decodes one compressed tile or strip.
type Decoder interface {
	Decode(chunk []byte, info ChunkInfo) (image.Image, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(chunk []byte, info ChunkInfo) (image.Image, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(chunk []byte, info ChunkInfo) (image.Image, error) {
	return f(chunk, info)
}

var decoders struct {
	sync.RWMutex
	m map[uint16]Decoder
}

// RegisterDecoder installs d as the decoder for a TIFF compression value,
// replacing any existing registration.
func RegisterDecoder(compression uint16, d Decoder) {
	decoders.Lock()
	defer decoders.Unlock()
	if decoders.m == nil {
		decoders.m = make(map[uint16]Decoder)
	}
	decoders.m[compression] = d
}

func lookupDecoder(compression uint16) (Decoder, bool) {
	decoders.RLock()
	defer decoders.RUnlock()
	d, ok := decoders.m[compression]
	return d, ok
}

func init() {
	RegisterDecoder(CompressionNone, SampleDecoder(func(src []byte, n int) ([]byte, error) {
		if len(src) < n {
			return nil, errors.Newf("uncompressed chunk has %d bytes, want %d", len(src), n)
		}
		return src[:n], nil
	}))
	RegisterDecoder(CompressionLZW, SampleDecoder(func(src []byte, n int) ([]byte, error) {
		return readExactly(lzw.NewReader(bytes.NewReader(src), lzw.MSB, 8), n)
	}))
	deflate := SampleDecoder(func(src []byte, n int) ([]byte, error) {
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		return readExactly(r, n)
	})
	RegisterDecoder(CompressionDeflate, deflate)
	RegisterDecoder(CompressionAdobeDeflate, deflate)
	RegisterDecoder(CompressionZstd, SampleDecoder(decompressZstd))
	RegisterDecoder(CompressionJPEG, DecoderFunc(decodeJPEG))
}

func readExactly(r io.ReadCloser, n int) ([]byte, error) {
	defer r.Close()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "decompressing chunk")
	}
	return buf, nil
}

// SampleDecoder returns a Decoder for compressions that produce raw,
// interleaved 8-bit samples. decompress must return exactly n bytes.
func SampleDecoder(decompress func(src []byte, n int) ([]byte, error)) Decoder {
	return DecoderFunc(func(chunk []byte, info ChunkInfo) (image.Image, error) {
		if info.BitsPerSample != 8 {
			return nil, errors.Newf("unsupported bits per sample %d", info.BitsPerSample)
		}
		n := info.Width * info.Height * info.SamplesPerPixel
		samples, err := decompress(chunk, n)
		if err != nil {
			return nil, err
		}
		if info.Predictor == 2 {
			// Copy so that predictor undo never writes into a shared buffer.
			samples = append([]byte(nil), samples...)
			undoHorizontalPredictor(samples, info.Width, info.SamplesPerPixel)
		}
		return samplesToImage(samples, info)
	})
}

// undoHorizontalPredictor reverses TIFF predictor 2 on 8-bit samples.
func undoHorizontalPredictor(samples []byte, width, spp int) {
	rowLen := width * spp
	for row := 0; row+rowLen <= len(samples); row += rowLen {
		r := samples[row : row+rowLen]
		for i := spp; i < rowLen; i++ {
			r[i] += r[i-spp]
		}
	}
}

// samplesToImage wraps interleaved 8-bit samples in an image.
func samplesToImage(samples []byte, info ChunkInfo) (image.Image, error) {
	w, h := info.Width, info.Height
	rect := image.Rect(0, 0, w, h)
	switch {
	case info.SamplesPerPixel == 1 &&
		(info.Photometric == photometricBlackIsZero || info.Photometric == photometricWhiteIsZero):
		img := image.NewGray(rect)
		copy(img.Pix, samples)
		if info.Photometric == photometricWhiteIsZero {
			for i := range img.Pix {
				img.Pix[i] = 255 - img.Pix[i]
			}
		}
		return img, nil

	case info.SamplesPerPixel == 3 && info.Photometric == photometricRGB:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < w*h; i, j = i+1, j+3 {
			img.Pix[4*i] = samples[j]
			img.Pix[4*i+1] = samples[j+1]
			img.Pix[4*i+2] = samples[j+2]
			img.Pix[4*i+3] = 0xff
		}
		return img, nil

	case info.SamplesPerPixel == 4 && info.Photometric == photometricRGB:
		if info.AssociatedAlpha {
			img := image.NewRGBA(rect)
			copy(img.Pix, samples)
			return img, nil
		}
		img := image.NewNRGBA(rect)
		copy(img.Pix, samples)
		return img, nil
	}
	return nil, errors.Newf("unsupported sample layout: %d samples, photometric %d",
		info.SamplesPerPixel, info.Photometric)
}

// decodeJPEG decodes a JPEG tile, splicing in the shared tables when the
// directory carries them.
func decodeJPEG(chunk []byte, info ChunkInfo) (image.Image, error) {
	data := chunk
	if tables := info.JPEGTables; len(tables) > 4 && len(chunk) > 2 {
		// The tables are a complete SOI..EOI stream; drop its EOI and the
		// chunk's SOI.
		data = make([]byte, 0, len(tables)+len(chunk)-4)
		data = append(data, tables[:len(tables)-2]...)
		data = append(data, chunk[2:]...)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decoding jpeg tile")
	}
	return img, nil
}
