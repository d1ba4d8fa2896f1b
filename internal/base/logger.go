// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Logger defines an interface for writing log messages.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

type defaultLogger struct{}

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger defaultLogger

var _ Logger = DefaultLogger

// Infof implements the Logger.Infof interface.
func (defaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Errorf implements the Logger.Errorf interface.
func (defaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements the Logger.Fatalf interface.
func (defaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// NoopLogger is a Logger that drops everything.
type NoopLogger struct{}

var _ Logger = NoopLogger{}

// Infof implements the Logger.Infof interface.
func (NoopLogger) Infof(format string, args ...interface{}) {}

// Errorf implements the Logger.Errorf interface.
func (NoopLogger) Errorf(format string, args ...interface{}) {}

// Fatalf implements the Logger.Fatalf interface.
func (NoopLogger) Fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// InMemLogger implements Logger using an in-memory buffer (used for testing).
// The buffer can be read via String() and cleared via Reset().
type InMemLogger struct {
	mu struct {
		sync.Mutex
		buf bytes.Buffer
	}
}

var _ Logger = (*InMemLogger)(nil)

// Reset clears the internal buffer.
func (b *InMemLogger) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.buf.Reset()
}

// String returns the current internal buffer.
func (b *InMemLogger) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.buf.String()
}

// Infof is part of the Logger interface.
func (b *InMemLogger) Infof(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.buf.Write([]byte(s))
	if n := len(s); n == 0 || s[n-1] != '\n' {
		b.mu.buf.Write([]byte("\n"))
	}
}

// Errorf is part of the Logger interface.
func (b *InMemLogger) Errorf(format string, args ...interface{}) {
	b.Infof(format, args...)
}

// Fatalf is part of the Logger interface.
func (b *InMemLogger) Fatalf(format string, args ...interface{}) {
	b.Infof(format, args...)
	panic(fmt.Sprintf(format, args...))
}

// RateLimitedLogger forwards Infof to an underlying Logger at most once per
// interval; anything logged in between is counted and reported with the next
// message that gets through. Errorf and Fatalf are never rate limited.
type RateLimitedLogger struct {
	logger   Logger
	interval time.Duration
	mu       struct {
		sync.Mutex
		lastAt     time.Time
		suppressed int
	}
}

// NewRateLimitedLogger wraps logger.
func NewRateLimitedLogger(logger Logger, interval time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{logger: logger, interval: interval}
}

var _ Logger = (*RateLimitedLogger)(nil)

func (l *RateLimitedLogger) allow() (ok bool, suppressed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.mu.lastAt.IsZero() && now.Sub(l.mu.lastAt) < l.interval {
		l.mu.suppressed++
		return false, 0
	}
	l.mu.lastAt = now
	suppressed = l.mu.suppressed
	l.mu.suppressed = 0
	return true, suppressed
}

// Infof is part of the Logger interface.
func (l *RateLimitedLogger) Infof(format string, args ...interface{}) {
	if ok, n := l.allow(); ok {
		if n > 0 {
			format += fmt.Sprintf(" (%d similar messages suppressed)", n)
		}
		l.logger.Infof(format, args...)
	}
}

// Errorf is part of the Logger interface.
func (l *RateLimitedLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// Fatalf is part of the Logger interface.
func (l *RateLimitedLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}
