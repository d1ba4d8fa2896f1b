// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !cgo

package pyramid

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// zstdDecoder is safe for concurrent DecodeAll calls.
var zstdDecoder, _ = zstd.NewReader(nil)

// decompressZstd decompresses a Zstandard tile into exactly n bytes.
func decompressZstd(src []byte, n int) ([]byte, error) {
	if len(src) == 0 {
		return nil, errors.New("empty zstd chunk")
	}
	dst, err := zstdDecoder.DecodeAll(src, make([]byte, 0, n))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing zstd chunk")
	}
	if len(dst) != n {
		return nil, errors.Newf("zstd chunk decompressed to %d bytes, want %d", len(dst), n)
	}
	return dst, nil
}
