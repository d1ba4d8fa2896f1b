// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

var (
	// ErrUnavailable means a remote blob does not exist or cannot be reached.
	// It is never papered over with zero-filled data.
	ErrUnavailable = errors.New("slidecache: resource unavailable")

	// ErrInvalidFormat means a container could not be parsed as a tiled
	// pyramid.
	ErrInvalidFormat = errors.New("slidecache: invalid pyramid format")

	// ErrInvalidArgument means a caller supplied an out of range level,
	// negative size or similar.
	ErrInvalidArgument = errors.New("slidecache: invalid argument")

	// ErrClosed is returned by operations on a closed object.
	ErrClosed = errors.New("slidecache: closed")
)

// UnavailableErrorf formats an error marked as ErrUnavailable.
func UnavailableErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnavailable)
}

// InvalidFormatErrorf formats an error marked as ErrInvalidFormat.
func InvalidFormatErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidFormat)
}

// InvalidArgumentErrorf formats an error marked as ErrInvalidArgument.
func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}
