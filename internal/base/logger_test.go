// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestInMemLogger(t *testing.T) {
	var log InMemLogger
	log.Infof("a %d", 1)
	log.Errorf("b\n")
	require.Equal(t, "a 1\nb\n", log.String())
	log.Reset()
	require.Equal(t, "", log.String())
}

func TestRateLimitedLogger(t *testing.T) {
	var log InMemLogger
	l := NewRateLimitedLogger(&log, time.Hour)
	l.Infof("first")
	l.Infof("second")
	l.Infof("third")
	// Errors are never suppressed, even right after an info message.
	l.Errorf("failed")
	require.Equal(t, "first\nfailed\n", log.String())

	// A zero interval never suppresses; the count of messages dropped so far
	// is attached to the next one.
	l.interval = 0
	l.Infof("fourth")
	require.Equal(t, "first\nfailed\nfourth (2 similar messages suppressed)\n", log.String())
}

func TestErrorKinds(t *testing.T) {
	err := errors.Wrap(UnavailableErrorf("object %s", "a"), "opening")
	require.True(t, errors.Is(err, ErrUnavailable))
	require.False(t, errors.Is(err, ErrInvalidFormat))
	require.True(t, errors.Is(InvalidFormatErrorf("x"), ErrInvalidFormat))
	require.True(t, errors.Is(InvalidArgumentErrorf("x"), ErrInvalidArgument))
	require.Contains(t, err.Error(), "opening: object a")
}
