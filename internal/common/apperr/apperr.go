// Package apperr defines the error taxonomy shared by all services.
// Handlers map kinds to transport codes; services only ever return kinds.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and transport layers.
type Kind string

const (
	NotFound               Kind = "not_found"
	Conflict               Kind = "conflict"
	DependenciesUnresolved Kind = "dependencies_unresolved"
	BudgetExceeded         Kind = "budget_exceeded"
	Validation             Kind = "validation"
	Concurrency            Kind = "concurrency"
	External               Kind = "external"
)

// Error is the concrete error type carried across service boundaries.
// Details holds structured payloads (offending dependency ids, budget
// figures) that handlers serialize alongside the message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetails attaches a structured payload to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// As unwraps err into an *Error, mirroring errors.As.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, NotFound) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return Is(err, Conflict) }

// UnmetDependency identifies a dependency that blocks a task from starting.
type UnmetDependency struct {
	TaskID int64  `json:"task_id"`
	Status string `json:"status"`
}

// Dependencies builds a DependenciesUnresolved error listing every offender:
// ids that do not exist and ids whose tasks are not done yet.
func Dependencies(missing []int64, blocked []UnmetDependency) *Error {
	e := New(DependenciesUnresolved, "dependencies unresolved: %d missing, %d not done", len(missing), len(blocked))
	e.Details = map[string]any{
		"missing": missing,
		"blocked": blocked,
	}
	return e
}

// Budget builds a BudgetExceeded error identifying which cap fired.
// Amounts are in micro-units (six fractional digits); capName is "daily" or
// "task" and keys the payload fields, e.g. daily_spent / daily_limit.
func Budget(capName string, spentMicros, limitMicros int64) *Error {
	e := New(BudgetExceeded, "%s budget exceeded: spent %d of %d", capName, spentMicros, limitMicros)
	e.Details = map[string]any{
		"cap":              capName,
		capName + "_spent": spentMicros,
		capName + "_limit": limitMicros,
	}
	return e
}
