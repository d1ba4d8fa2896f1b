// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remotefile

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// Pacer limits the rate of remote reads in bytes per second. A Pacer may be
// shared by several handles and goroutines.
type Pacer struct {
	mu sync.Mutex
	tb tokenbucket.TokenBucket
}

// NewPacer returns a Pacer admitting bytesPerSec bytes per second with a burst
// of one tenth of a second, or nil if bytesPerSec is not positive.
func NewPacer(bytesPerSec int64) *Pacer {
	if bytesPerSec <= 0 {
		return nil
	}
	p := &Pacer{}
	rate := tokenbucket.TokensPerSecond(bytesPerSec)
	p.tb.Init(rate, tokenbucket.Tokens(rate*0.1))
	return p
}

// Wait blocks until n bytes may be fetched or ctx is done. Requests larger
// than the burst put the bucket into debt rather than blocking forever.
func (p *Pacer) Wait(ctx context.Context, n int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		ok, d := p.tb.TryToFulfill(tokenbucket.Tokens(n))
		p.mu.Unlock()
		if ok {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
