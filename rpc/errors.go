// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/internal/base"
)

// ErrorCode classifies a failed request on the wire.
type ErrorCode string

// Error codes.
const (
	CodeUnavailable     ErrorCode = "unavailable"
	CodeInvalidFormat   ErrorCode = "invalid-format"
	CodeInvalidArgument ErrorCode = "invalid-argument"
	CodeUnknownCommand  ErrorCode = "unknown-command"
	CodeInternal        ErrorCode = "internal"
)

// CodeOf maps err to its wire code.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return CodeUnknownCommand
	case errors.Is(err, base.ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, base.ErrInvalidFormat):
		return CodeInvalidFormat
	case errors.Is(err, base.ErrInvalidArgument):
		return CodeInvalidArgument
	}
	return CodeInternal
}

// RemoteError is an error reported by a worker. errors.Is matches it against
// the error kind its code stands for, so callers can test for
// base.ErrUnavailable and friends without looking at the code.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Unwrap returns the error kind of the code, if any.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeUnavailable:
		return base.ErrUnavailable
	case CodeInvalidFormat:
		return base.ErrInvalidFormat
	case CodeInvalidArgument:
		return base.ErrInvalidArgument
	case CodeUnknownCommand:
		return ErrUnknownCommand
	}
	return nil
}
