// Package eventloop implements the cooperative runtime: command intake,
// timer scheduling, readiness polling and the primitives built on top of it.
package eventloop

import (
	"errors"
	"fmt"
)

// PanicError wraps a value recovered from a panicking command callback so it
// can be logged with its stack; the loop re-panics afterwards, so the panic
// still terminates the process.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("eventloop: command panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is itself an error,
// so errors.Is/errors.As can see through it.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ShutdownError aggregates the errors collected while draining a loop or
// group: a panic from one worker must not hide a panic from another.
type ShutdownError struct {
	Errors []error
}

func (e *ShutdownError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("eventloop: %d errors during shutdown: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes every contained error to errors.Is/errors.As.
func (e *ShutdownError) Unwrap() []error {
	return e.Errors
}

// Is reports whether target is a *ShutdownError. Matching against the
// contained errors happens through Unwrap when errors.Is walks the chain.
func (e *ShutdownError) Is(target error) bool {
	var t *ShutdownError
	return errors.As(target, &t)
}

// AppendShutdownError folds cause into err, creating or extending a
// *ShutdownError as needed. A nil cause is a no-op.
func AppendShutdownError(err error, cause error) error {
	if cause == nil {
		return err
	}
	var agg *ShutdownError
	if errors.As(err, &agg) {
		agg.Errors = append(agg.Errors, cause)
		return agg
	}
	if err == nil {
		return &ShutdownError{Errors: []error{cause}}
	}
	return &ShutdownError{Errors: []error{err, cause}}
}

// ErrLoopClosed is returned by Run once the loop has terminated, and by
// Post, PostCoroutine, PostDeferred and Stop once shutdown has begun
// (StateTerminating or StateTerminated).
var ErrLoopClosed = errors.New("eventloop: loop is closed")

// ErrLoopClosing names the state of a loop that has been asked to stop but
// has not finished tearing down. No function in this package returns it:
// work submitted in that state is rejected with ErrLoopClosed.
var ErrLoopClosing = errors.New("eventloop: loop is closing")

// ErrLoopAlreadyRunning is returned by Run when the loop is already running.
var ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

// ErrReentrantRun is returned by Run when called from the loop's own thread.
var ErrReentrantRun = errors.New("eventloop: cannot call Run from within the loop")

// WrapError wraps cause with a contextual message, preserving the cause
// chain for errors.Is/errors.As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
