// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"
)

const (
	MaxFuzzBytes = 1 << 16
	FuzzTimeout  = 100 * time.Millisecond
)

// Fuzz runs fn on data cut to MaxFuzzBytes and fails if it takes longer
// than FuzzTimeout.
func Fuzz(t testing.TB, data []byte, fn func([]byte)) {
	t.Helper()
	if len(data) > MaxFuzzBytes {
		data = data[:MaxFuzzBytes]
	}
	WithTimeout(t, FuzzTimeout, func() { fn(data) })
}

func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Receive waits up to d for a value on ch.
func Receive[T any](t testing.TB, ch <-chan T, d time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		t.Fatalf("nothing received within %s", d)
	}
	var zero T
	return zero
}
