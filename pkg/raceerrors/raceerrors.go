// Package raceerrors provides the unified error taxonomy for the race
// control plane.
package raceerrors

import (
	"errors"
	"fmt"
)

// Code identifies the class of a validation-level failure. Removing an
// absent lap key is a programmer error and panics instead; duplicate
// processor or driver registration returns a plain error without a Code.
type Code string

const (
	// BadTime: schedule_race called with a deadline already in the past.
	BadTime Code = "BAD_TIME"
	// BadState: a command was issued that the current FSM state forbids.
	BadState Code = "BAD_STATE"
	// UnknownProcessor: schedule_race referenced an unregistered processor_id.
	UnknownProcessor Code = "UNKNOWN_PROCESSOR"
	// NotFound: an operation referenced a callback, timer driver, or
	// timer interface that isn't registered/present.
	NotFound Code = "NOT_FOUND"
	// Internal: an unexpected exception inside a scheduled transition.
	Internal Code = "INTERNAL"
)

// RaceError is a structured, wrapped error carrying a Code and optional
// details for callers that want to branch on error class.
type RaceError struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *RaceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *RaceError) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair to the error and returns it.
func (e *RaceError) WithDetail(key string, value any) *RaceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a RaceError with no wrapped cause.
func New(code Code, message string) *RaceError {
	return &RaceError{Code: code, Message: message}
}

// Wrap creates a RaceError around an existing error.
func Wrap(code Code, message string, err error) *RaceError {
	return &RaceError{Code: code, Message: message, Err: err}
}

// BadTime reports a schedule request targeting a deadline in the past.
func BadTimeErr(assignedStart, now float64) *RaceError {
	return New(BadTime, "assigned start is in the past").
		WithDetail("assigned_start", assignedStart).
		WithDetail("now", now)
}

// BadStateErr reports a command rejected by the current FSM state.
func BadStateErr(command, status string) *RaceError {
	return New(BadState, "command not valid in current state").
		WithDetail("command", command).
		WithDetail("status", status)
}

// UnknownProcessorErr reports an unregistered processor_id.
func UnknownProcessorErr(id string) *RaceError {
	return New(UnknownProcessor, "processor not registered").WithDetail("processor_id", id)
}

// NotFoundErr reports an operation against a missing resource.
func NotFoundErr(resource, id string) *RaceError {
	return New(NotFound, "resource not found").
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// InternalErr wraps an unexpected failure inside a scheduled transition.
func InternalErr(err error) *RaceError {
	return Wrap(Internal, "internal error", err)
}

// As extracts a *RaceError from err's chain, if present.
func As(err error) (*RaceError, bool) {
	var re *RaceError
	ok := errors.As(err, &re)
	return re, ok
}

// CodeOf returns the Code of err if it (or something it wraps) is a
// *RaceError, or "" otherwise.
func CodeOf(err error) Code {
	if re, ok := As(err); ok {
		return re.Code
	}
	return ""
}
