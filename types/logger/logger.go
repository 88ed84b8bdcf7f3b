// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// FuncWriter returns an io.Writer that writes to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter{f}
}

// StdLogger returns a standard library logger from a Logf.
func StdLogger(f Logf) *log.Logger {
	return log.New(FuncWriter(f), "", 0)
}

type funcWriter struct{ f Logf }

func (w funcWriter) Write(p []byte) (int, error) {
	w.f("%s", p)
	return len(p), nil
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// RateLimited returns a Logf that permits bursts of up to burst lines
// and thereafter at most one line per interval. Suppressed lines are
// counted and reported when logging resumes.
func RateLimited(f Logf, interval time.Duration, burst int) Logf {
	lim := rate.NewLimiter(rate.Every(interval), burst)
	var mu sync.Mutex
	var dropped int
	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		if !lim.Allow() {
			dropped++
			return
		}
		if dropped > 0 {
			f("[rate limited: %d lines dropped]", dropped)
			dropped = 0
		}
		f(format, args...)
	}
}
