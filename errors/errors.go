// Package errors provides error handling for cadence.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// structured details) and defines the sentinel errors the scheduling engine
// dispatches on. Callers classify failures with errors.Is rather than by
// matching message strings.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Is(err, errors.ErrRateLimited) {
//	    // downstream asked us to back off
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the scheduling engine.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested job or execution does not exist
	ErrNotFound = New("not found")

	// ErrUnknownJobType indicates no handler is registered for a job's type.
	// This is a configuration error: the execution is recorded as failed and
	// never retried.
	ErrUnknownJobType = New("unknown job type")

	// ErrRateLimited is the distinguished signal a handler returns (or wraps)
	// when a downstream system reports rate-limit or abuse detection. The
	// scheduler reacts by pausing globally for a cooldown window instead of
	// retrying the individual execution.
	ErrRateLimited = New("rate limited by downstream")

	// ErrInvalidSchedule indicates a job's schedule fields are inconsistent
	// (wrong type, missing interval, unparsable cron expression)
	ErrInvalidSchedule = New("invalid schedule")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsRateLimited checks if an error is or wraps ErrRateLimited.
func IsRateLimited(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
