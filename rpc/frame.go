// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// frameHeaderSize is the size of the big-endian length that precedes every
// payload.
const frameHeaderSize = 8

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 256 << 20

// ErrFrame marks framing violations: a truncated header or payload, or a
// length above the configured maximum. The connection a framing error was
// observed on must be closed.
var ErrFrame = errors.New("slidecache: malformed frame")

// WriteFrame writes payload preceded by its length.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload. A clean io.EOF before
// the first header byte is returned as is; every other short read is marked
// with ErrFrame.
func ReadFrame(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var hdr [frameHeaderSize]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Mark(errors.Wrapf(err, "reading frame header (%d of %d bytes)",
			errors.Safe(n), errors.Safe(frameHeaderSize)), ErrFrame)
	}
	length := binary.BigEndian.Uint64(hdr[:])
	if length > uint64(maxSize) {
		return nil, errors.Mark(errors.Newf("frame length %d exceeds maximum %d",
			errors.Safe(length), errors.Safe(maxSize)), ErrFrame)
	}
	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reading frame payload (%d of %d bytes)",
			errors.Safe(n), errors.Safe(length)), ErrFrame)
	}
	return payload, nil
}
