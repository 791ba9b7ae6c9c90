package task

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("invalid task")
	ErrNotFound           = errors.New("task not found")
	ErrHandlerExecution   = errors.New("task handler failed")
	ErrBackendUnavailable = errors.New("task registry unavailable")

	// ErrConflict is returned when a compare-and-set transition lost a race.
	ErrConflict = errors.New("task status changed concurrently")
	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrNoHandler marks a due task whose handler could not be resolved.
	ErrNoHandler = errors.New("no handler registered for task")
	// ErrInterrupted marks a task found RUNNING at startup: its handler died
	// with the previous process.
	ErrInterrupted = errors.New("task interrupted before completion")
)

// ValidationError describes malformed creation or update input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid task: %s", e.Reason)
	}
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError references an unknown task id.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string   { return fmt.Sprintf("task %q not found", e.ID) }
func (e *NotFoundError) Is(t error) bool { return t == ErrNotFound }

// HandlerExecutionError wraps anything a handler returned or panicked with.
// It is recorded on the FAILED task, never returned to the polling loop.
type HandlerExecutionError struct {
	TaskID string
	Err    error
	// Panic is set when the handler panicked; Stack holds the goroutine trace.
	Panic bool
	Stack string
}

func (e *HandlerExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("task %s handler panicked: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %s handler failed: %v", e.TaskID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error   { return e.Err }
func (e *HandlerExecutionError) Is(t error) bool { return t == ErrHandlerExecution }

// BackendUnavailableError reports that the registry's storage could not serve
// an operation.
type BackendUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("registry %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error   { return e.Err }
func (e *BackendUnavailableError) Is(t error) bool { return t == ErrBackendUnavailable }

// Unavailable wraps err as a BackendUnavailableError. Nil stays nil, and
// errors that already carry a task sentinel pass through unchanged.
func Unavailable(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return &BackendUnavailableError{Backend: backend, Op: op, Err: err}
}
