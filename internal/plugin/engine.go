package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	plua "github.com/dshills/plugrt/internal/plugin/lua"
)

// Execution statuses recorded in metrics.
const (
	statusSuccess  = "success"
	statusFailure  = "failure"
	statusError    = "error"
	statusNotFound = "not_found"
)

// Outcome is the value delivered by ExecuteAsync.
type Outcome struct {
	Result *Result
	Err    error
}

// engine invokes registered plugins.
type engine struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	timeout  time.Duration
}

// execute runs the plugin registered under name. Every failure is an
// *ExecutionError.
func (e *engine) execute(ctx context.Context, name string, c *Context) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "plugin.execute",
		trace.WithAttributes(attribute.String("plugin.name", name)))
	defer span.End()

	start := time.Now()
	res, err := e.invoke(ctx, name, c)
	elapsed := time.Since(start)

	status := statusSuccess
	switch {
	case errors.Is(err, ErrNotFound):
		status = statusNotFound
	case err != nil:
		status = statusError
	case !res.Success:
		status = statusFailure
	}
	e.metrics.observeExecution(name, status, elapsed)
	span.SetAttributes(attribute.String("plugin.status", status))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("plugin execution failed",
			zap.String("plugin", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	e.logger.Debug("plugin executed",
		zap.String("plugin", name),
		zap.String("status", status),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func (e *engine) invoke(ctx context.Context, name string, c *Context) (res *Result, err error) {
	var (
		inst     *Instance
		enterErr error
	)
	found := e.registry.Pin(name, func(rec Record) {
		inst = rec.Instance
		enterErr = inst.arena.enter()
	})
	if !found {
		return nil, &ExecutionError{Plugin: name, Message: "not found", Err: ErrNotFound}
	}
	if enterErr != nil {
		return nil, &ExecutionError{Plugin: name, Message: "arena released", Err: enterErr}
	}
	defer inst.arena.exit()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &ExecutionError{Plugin: name, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	res, err = inst.run(ctx, c)
	if err != nil {
		return nil, &ExecutionError{Plugin: name, Message: describe(err), Err: err}
	}

	e.registry.TouchIf(name, inst, time.Now())
	return res, nil
}

// describe returns a short message for an execution failure.
func describe(err error) string {
	var rerr *plua.RuntimeError
	switch {
	case errors.Is(err, ErrReleased):
		return "arena released"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrInvalidResult):
		return "invalid result"
	case errors.As(err, &rerr):
		return rerr.Message
	default:
		return err.Error()
	}
}

func (e *engine) executeAsync(ctx context.Context, name string, c *Context) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := e.execute(ctx, name, c)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}
