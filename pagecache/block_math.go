// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pagecache

import (
	"fmt"
	"math/bits"
)

// blockMath is a helper type for performing conversions between offsets and
// page indexes.
type blockMath struct {
	blockSizeBits int8
}

func makeBlockMath(blockSize int) blockMath {
	bm := blockMath{
		blockSizeBits: int8(bits.Len64(uint64(blockSize)) - 1),
	}
	if blockSize != (1 << bm.blockSizeBits) {
		panic(fmt.Sprintf("blockSize %d is not a power of 2", blockSize))
	}
	return bm
}

// BlockSize returns the block size.
func (bm blockMath) BlockSize() int {
	return 1 << bm.blockSizeBits
}

// Block returns the page index containing the given offset.
func (bm blockMath) Block(offset int64) int64 {
	return offset >> bm.blockSizeBits
}

// BlockOffset returns the object offset where the given page starts.
func (bm blockMath) BlockOffset(block int64) int64 {
	return block << bm.blockSizeBits
}
