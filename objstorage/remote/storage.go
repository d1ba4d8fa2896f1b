// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package remote defines the interface slidecache uses to reach blobs held in
// an object store, along with in-memory, local directory and Aliyun OSS
// implementations.
package remote

import (
	"context"
	"io"
)

// Storage is an interface for a read-only blob storage driver. Object names
// are the host and path of a slide URL joined with '/', for example
// "bucket/slides/a.svs" for "oss://bucket/slides/a.svs".
//
// Objects are assumed to be immutable for as long as any cache holds pages
// of them.
type Storage interface {
	io.Closer

	// Exists reports whether the named object exists.
	Exists(ctx context.Context, objName string) (bool, error)

	// Size returns the length of the named object in bytes.
	Size(ctx context.Context, objName string) (int64, error)

	// ContentHash returns an opaque string identifying the object's content
	// (an ETag or digest).
	ContentHash(ctx context.Context, objName string) (string, error)

	// ReadRange returns bytes [start, endInclusive] of the named object. If
	// the range extends past the end of the object the result is truncated;
	// a start offset at or past the end returns io.EOF.
	ReadRange(ctx context.Context, objName string, start, endInclusive int64) ([]byte, error)

	// IsNotExistError indicates whether the error is known to report that the
	// object does not exist.
	IsNotExistError(err error) bool
}
