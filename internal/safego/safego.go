// Package safego provides panic-recovering wrappers for goroutines and callbacks.
package safego

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrPanic is wrapped by errors returned from Call when fn panicked.
var ErrPanic = errors.New("recovered panic")

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process. This should be used for all
// fire-and-forget goroutines (gateway dispatch, config reload callbacks, etc.)
// where an unrecovered panic would silently kill the goroutine forever.
// name identifies the goroutine in the log record.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "goroutine", name, "panic", r)
			}
		}()
		fn()
	}()
}

// Call runs fn on the current goroutine and turns a panic into an error wrapping ErrPanic.
func Call(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic", "call", name, "panic", r)
			err = fmt.Errorf("%s: %w: %v", name, ErrPanic, r)
		}
	}()
	return fn()
}
