// Package retry runs an operation until it succeeds, sleeping a fixed
// interval between attempts. Version faults bypass the loop and are handed
// straight back to the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"borg/bootstrap/internal/fault"
	"borg/bootstrap/internal/telemetry"
)

// DefaultInterval is the back-off between attempts when a Policy sets none.
const DefaultInterval = 15 * time.Second

// NoDelay retries immediately after a failed attempt.
const NoDelay time.Duration = -1

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy governs a single Do invocation.
type Policy struct {
	// Interval between attempts. Zero means DefaultInterval; NoDelay, or any
	// negative value, retries without sleeping.
	Interval time.Duration

	// Message is printed on every failed attempt.
	Message string

	// Operation labels the retry metric. Defaults to "operation".
	Operation string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Sleep replaces the default context-aware sleep (tests).
	Sleep SleepFunc
}

// Sleep waits for d, returning early with ctx.Err() if ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PanicError is returned for an attempt that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Do invokes op until it returns a nil error.
//
// An error matching fault.ErrVersionFault is returned immediately without
// sleeping. Cancellation of ctx, before an attempt or during the sleep,
// returns ctx.Err(). Every other failure is logged and retried after
// p.Interval with no attempt limit.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	interval := p.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < 0 {
		interval = 0
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	operation := p.Operation
	if operation == "" {
		operation = "operation"
	}

	for attempt := 1; ; attempt++ {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runOnce(ctx, op)
		if err == nil {
			return result, nil
		}

		if fault.IsVersionFault(err) {
			return zero, err
		}

		// An attempt cut short by an interrupt is not a failure worth reporting.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		logFailure(logger, p.Message, attempt, interval, err)
		p.Metrics.RetrySleep(operation)

		if err := sleep(ctx, interval); err != nil {
			return zero, err
		}
	}
}

// runOnce runs op once, converting a panic into a *PanicError.
func runOnce[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	return op(ctx)
}

func logFailure(logger *slog.Logger, message string, attempt int, interval time.Duration, err error) {
	attrs := []any{
		"attempt", attempt,
		"sleep", interval.String(),
		"error", err,
		"trace", errorChain(err),
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}

	if message == "" {
		message = "operation failed"
	}
	logger.Error(message, attrs...)
	logger.Info(fmt.Sprintf("Sleeping for %d seconds", int(interval.Seconds())))
}

// errorChain lists err and every error it wraps, outermost first.
func errorChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				chain = append(chain, errorChain(inner)...)
			}
			return chain
		default:
			err = errors.Unwrap(err)
		}
	}
	return chain
}
