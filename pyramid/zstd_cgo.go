// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build cgo

package pyramid

import (
	"sync"

	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
)

var zstdCtxPool = sync.Pool{
	New: func() any {
		return zstd.NewCtx()
	},
}

// decompressZstd decompresses a Zstandard tile into exactly n bytes.
func decompressZstd(src []byte, n int) ([]byte, error) {
	if len(src) == 0 {
		return nil, errors.New("empty zstd chunk")
	}
	zctx := zstdCtxPool.Get().(zstd.Ctx)
	defer zstdCtxPool.Put(zctx)
	dst := make([]byte, n)
	got, err := zctx.DecompressInto(dst, src)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing zstd chunk")
	}
	if got != n {
		return nil, errors.Newf("zstd chunk decompressed to %d bytes, want %d", got, n)
	}
	return dst, nil
}
