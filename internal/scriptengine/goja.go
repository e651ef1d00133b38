package scriptengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/radiusdt/adselection/internal/metrics"
	"go.uber.org/zap"
)

// GojaEngine evaluates scripts with goja. Every call gets a fresh runtime, so
// no state leaks between evaluations.
type GojaEngine struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewGojaEngine creates an engine. m may be nil.
func NewGojaEngine(logger *zap.Logger, m *metrics.Metrics) *GojaEngine {
	return &GojaEngine{logger: logger, metrics: m}
}

// Evaluate implements Engine.
func (e *GojaEngine) Evaluate(ctx context.Context, script string, args []Argument, entryPoint string, settings IsolateSettings) (string, error) {
	start := time.Now()
	out, err := e.evaluate(ctx, script, args, entryPoint, settings)
	if e.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, ErrScriptTimeout):
			status = "timeout"
		case err != nil:
			status = "failure"
		}
		e.metrics.RecordScriptEvaluation(entryPoint, status, time.Since(start))
	}
	if err != nil {
		e.logger.Debug("script evaluation failed", zap.String("entry", entryPoint), zap.Error(err))
	}
	return out, err
}

func (e *GojaEngine) evaluate(ctx context.Context, script string, args []Argument, entryPoint string, settings IsolateSettings) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrScriptTimeout, err)
	}

	encoded := make([]string, len(args))
	size := int64(len(script))
	for i, a := range args {
		encoded[i] = a.JSON()
		size += int64(len(encoded[i]))
	}
	if settings.EnforceMaxHeapSize && settings.MaxHeapSizeBytes > 0 && size > settings.MaxHeapSizeBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrHeapSizeExceeded, size, settings.MaxHeapSizeBytes)
	}

	vm := goja.New()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	if _, err := vm.RunString(script); err != nil {
		return "", classify(ctx, err)
	}
	fn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return "", fmt.Errorf("%w: entry point %q is not a function", ErrScriptFailure, entryPoint)
	}

	values := make([]goja.Value, len(encoded))
	for i, text := range encoded {
		v, err := parse(goja.Undefined(), vm.ToValue(text))
		if err != nil {
			return "", fmt.Errorf("%w: argument %s: %v", ErrScriptFailure, args[i].Name(), err)
		}
		values[i] = v
	}

	res, err := fn(goja.Undefined(), values...)
	if err != nil {
		return "", classify(ctx, err)
	}
	if res == nil || goja.IsUndefined(res) {
		return "null", nil
	}
	out, err := stringify(goja.Undefined(), res)
	if err != nil {
		return "", classify(ctx, err)
	}
	if out == nil || goja.IsUndefined(out) {
		return "null", nil
	}
	return out.String(), nil
}

func classify(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) || ctx.Err() != nil {
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		return fmt.Errorf("%w: %w", ErrScriptTimeout, cause)
	}
	return fmt.Errorf("%w: %v", ErrScriptFailure, err)
}
