// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"image"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/minio/minlz"
)

// ImageCodec is the compression applied to Image.Pix.
type ImageCodec string

// Supported image codecs.
const (
	CodecNone   ImageCodec = "none"
	CodecSnappy ImageCodec = "snappy"
	CodecMinLZ  ImageCodec = "minlz"
)

// ParseImageCodec validates a codec name. The empty string selects
// CodecNone.
func ParseImageCodec(s string) (ImageCodec, error) {
	switch c := ImageCodec(s); c {
	case "":
		return CodecNone, nil
	case CodecNone, CodecSnappy, CodecMinLZ:
		return c, nil
	}
	return "", errors.Newf("unknown image codec %q", s)
}

// EncodeImage converts img into its wire form.
func EncodeImage(img *image.RGBA, codec ImageCodec) (Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := img.Pix
	if img.Stride != 4*w || len(pix) != 4*w*h {
		pix = make([]byte, 0, 4*w*h)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			i := img.PixOffset(b.Min.X, y)
			pix = append(pix, img.Pix[i:i+4*w]...)
		}
	}
	out := Image{W: w, H: h, Codec: codec}
	switch codec {
	case CodecNone, "":
		out.Codec = CodecNone
		out.Pix = pix
	case CodecSnappy:
		out.Pix = snappy.Encode(nil, pix)
	case CodecMinLZ:
		if len(pix) > minlz.MaxBlockSize {
			// MinLZ cannot encode blocks this large; its decoder accepts
			// snappy blocks.
			out.Codec = CodecSnappy
			out.Pix = snappy.Encode(nil, pix)
			break
		}
		enc, err := minlz.Encode(nil, pix, minlz.LevelFastest)
		if err != nil {
			return Image{}, errors.Wrap(err, "minlz image compression")
		}
		out.Pix = enc
	default:
		return Image{}, errors.Newf("unknown image codec %q", codec)
	}
	return out, nil
}

// Decode returns the image as RGBA.
func (m Image) Decode() (*image.RGBA, error) {
	if m.W < 0 || m.H < 0 {
		return nil, errors.Newf("invalid image size %dx%d", errors.Safe(m.W), errors.Safe(m.H))
	}
	var pix []byte
	var err error
	switch m.Codec {
	case CodecNone:
		pix = m.Pix
	case CodecSnappy:
		pix, err = snappy.Decode(nil, m.Pix)
	case CodecMinLZ:
		pix, err = minlz.Decode(nil, m.Pix)
	default:
		return nil, errors.Newf("unknown image codec %q", m.Codec)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing %s image", m.Codec)
	}
	if len(pix) != 4*m.W*m.H {
		return nil, errors.Newf("image has %d bytes, want %d", errors.Safe(len(pix)), errors.Safe(4*m.W*m.H))
	}
	return &image.RGBA{Pix: pix, Stride: 4 * m.W, Rect: image.Rect(0, 0, m.W, m.H)}, nil
}
