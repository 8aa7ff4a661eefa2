package engine

import (
	"errors"
	"fmt"
)

// ErrDuplicateRequest is returned by AddRequest when the ID is already live
// or waiting to be admitted.
var ErrDuplicateRequest = errors.New("duplicate request")

// ErrEngineNotRunning is returned when the background loop is not running
// and auto-start is disabled.
var ErrEngineNotRunning = errors.New("background loop is not running")

// ErrAlreadyRunning is returned by Start when the loop is already running.
var ErrAlreadyRunning = errors.New("background loop is already running")

// ErrIterationTimeout is the fatal error recorded when no step completes
// within the iteration timeout.
var ErrIterationTimeout = errors.New("engine iteration timed out")

// ErrUnexpectedOutput signals an output of the wrong kind for the caller
// (e.g. an embedding delivered to Generate).
var ErrUnexpectedOutput = errors.New("unexpected output kind")

func duplicateRequest(id string) error {
	return fmt.Errorf("request %s already exists: %w", id, ErrDuplicateRequest)
}

// IsDuplicateRequest reports whether err is a duplicate-ID rejection.
func IsDuplicateRequest(err error) bool { return errors.Is(err, ErrDuplicateRequest) }

// IsEngineNotRunning reports whether err indicates the loop was never started.
func IsEngineNotRunning(err error) bool { return errors.Is(err, ErrEngineNotRunning) }

// EngineDeadError is returned by control operations once the loop has stopped.
// Cause is the error that killed the loop, nil after a graceful shutdown.
type EngineDeadError struct {
	Msg   string
	Cause error
}

func (e *EngineDeadError) Error() string {
	if e.Cause != nil {
		return "engine dead: " + e.Msg + ": " + e.Cause.Error()
	}
	return "engine dead: " + e.Msg
}

func (e *EngineDeadError) Unwrap() error { return e.Cause }

// IsEngineDead reports whether err is an EngineDeadError.
func IsEngineDead(err error) bool {
	var de *EngineDeadError
	return errors.As(err, &de)
}

// ValidationError is a request-scoped rejection from the backend's admission
// path. It is delivered to the offending stream only and never stops the loop.
type ValidationError struct {
	RequestID string
	Msg       string
}

func (e *ValidationError) Error() string {
	if e.RequestID == "" {
		return "invalid request: " + e.Msg
	}
	return "invalid request " + e.RequestID + ": " + e.Msg
}

// NewValidationError constructs a ValidationError.
func NewValidationError(requestID, format string, args ...any) error {
	return &ValidationError{RequestID: requestID, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
