// Package scriptengine runs untrusted ad tech JavaScript in an isolated runtime.
package scriptengine

import (
	"context"
	"errors"
)

var (
	// ErrScriptTimeout wraps the context error when evaluation is interrupted.
	ErrScriptTimeout = errors.New("script evaluation timed out")
	// ErrScriptFailure covers syntax errors, thrown exceptions and missing entry points.
	ErrScriptFailure = errors.New("script evaluation failed")
	// ErrHeapSizeExceeded is returned when the payload exceeds the isolate budget.
	ErrHeapSizeExceeded = errors.New("script payload exceeds max heap size")
)

// IsolateSettings bounds a single evaluation.
type IsolateSettings struct {
	EnforceMaxHeapSize bool
	MaxHeapSizeBytes   int64
}

// Engine evaluates script and calls entryPoint with args, returning the JSON
// encoding of its return value ("null" for undefined).
type Engine interface {
	Evaluate(ctx context.Context, script string, args []Argument, entryPoint string, settings IsolateSettings) (string, error)
}
