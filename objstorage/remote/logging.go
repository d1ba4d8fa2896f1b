// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"context"
	"fmt"
)

// WithLogging wraps the given Storage implementation and emits logs for various
// operations.
func WithLogging(wrapped Storage, logf func(fmt string, args ...interface{})) Storage {
	return &loggingStore{
		logf:    logf,
		wrapped: wrapped,
	}
}

// loggingStore wraps a remote.Storage implementation and emits logs of the
// operations.
type loggingStore struct {
	logf    func(fmt string, args ...interface{})
	wrapped Storage
}

var _ Storage = (*loggingStore)(nil)

func (l *loggingStore) Close() error {
	l.logf("close")
	return l.wrapped.Close()
}

func (l *loggingStore) Exists(ctx context.Context, objName string) (bool, error) {
	ok, err := l.wrapped.Exists(ctx, objName)
	l.logf("exists %q: %s", objName, errOrPrintf(err, "%t", ok))
	return ok, err
}

func (l *loggingStore) Size(ctx context.Context, objName string) (int64, error) {
	size, err := l.wrapped.Size(ctx, objName)
	l.logf("size of object %q: %s", objName, errOrPrintf(err, "%d", size))
	return size, err
}

func (l *loggingStore) ContentHash(ctx context.Context, objName string) (string, error) {
	h, err := l.wrapped.ContentHash(ctx, objName)
	l.logf("content hash of object %q: %s", objName, errOrPrintf(err, "%s", h))
	return h, err
}

func (l *loggingStore) ReadRange(
	ctx context.Context, objName string, start, endInclusive int64,
) ([]byte, error) {
	b, err := l.wrapped.ReadRange(ctx, objName, start, endInclusive)
	l.logf("read object %q [%d, %d]: %s", objName, start, endInclusive, errOrPrintf(err, "%d bytes", len(b)))
	return b, err
}

func (l *loggingStore) IsNotExistError(err error) bool {
	return l.wrapped.IsNotExistError(err)
}

func errOrPrintf(err error, format string, args ...interface{}) string {
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf(format, args...)
}
