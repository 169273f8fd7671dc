// Package status defines Status, the result reported for every collective request.
//
// A Status is either OK, InProgress (the request was accepted and its callback will be called
// later), or one of the error types. Error statuses implement the error interface, so they can be
// returned, wrapped and inspected with errors.As.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Type enumerates the kinds of Status.
type Type int

const (
	// OK means the operation completed successfully.
	OK Type = iota

	// UnknownError is used for device-reported failures, and anything not classified.
	UnknownError

	// PreconditionError means the device or a resource is in an invalid state, e.g. a stream could not be created.
	PreconditionError

	// Aborted means a peer or the local process bailed out of the collective.
	Aborted

	// InvalidArgument means the requests of the participating ranks don't match (shape, dtype, operation).
	InvalidArgument

	// InProgress is returned by operations that hand off their completion to a background task.
	InProgress

	// Uninitialized means the engine was not started (or already shut down).
	Uninitialized
)

var typeNames = map[Type]string{
	OK:                "OK",
	UnknownError:      "Unknown",
	PreconditionError: "PreconditionFailed",
	Aborted:           "Aborted",
	InvalidArgument:   "InvalidArgument",
	InProgress:        "InProgress",
	Uninitialized:     "Uninitialized",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Status of an operation: its Type and a human-readable reason.
//
// The zero value is OK.
type Status struct {
	Type   Type
	Reason string
}

// Callback is called exactly once with the final status of a request.
type Callback func(Status)

// Ok returns an OK status.
func Ok() Status { return Status{Type: OK} }

// InProgressStatus returns the status used by operations that complete asynchronously.
func InProgressStatus() Status { return Status{Type: InProgress} }

// Errorf returns a status of the given type, with the formatted reason.
func Errorf(t Type, format string, args ...any) Status {
	return Status{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// UnknownErrorf returns an UnknownError status.
func UnknownErrorf(format string, args ...any) Status { return Errorf(UnknownError, format, args...) }

// PreconditionErrorf returns a PreconditionError status.
func PreconditionErrorf(format string, args ...any) Status {
	return Errorf(PreconditionError, format, args...)
}

// Abortedf returns an Aborted status.
func Abortedf(format string, args ...any) Status { return Errorf(Aborted, format, args...) }

// InvalidArgumentf returns an InvalidArgument status.
func InvalidArgumentf(format string, args ...any) Status {
	return Errorf(InvalidArgument, format, args...)
}

// Uninitializedf returns an Uninitialized status.
func Uninitializedf(format string, args ...any) Status {
	return Errorf(Uninitialized, format, args...)
}

// IsOk returns whether the status is OK.
func (s Status) IsOk() bool { return s.Type == OK }

// IsInProgress returns whether the status is InProgress.
func (s Status) IsInProgress() bool { return s.Type == InProgress }

// IsError returns whether the status is neither OK nor InProgress.
func (s Status) IsError() bool { return s.Type != OK && s.Type != InProgress }

// Error implements the error interface.
func (s Status) Error() string {
	if s.Reason == "" {
		return s.Type.String()
	}
	return fmt.Sprintf("%s: %s", s.Type, s.Reason)
}

// String implements fmt.Stringer.
func (s Status) String() string { return s.Error() }

// Err returns nil for OK and InProgress statuses, and the status itself otherwise.
func (s Status) Err() error {
	if !s.IsError() {
		return nil
	}
	return s
}

// FromError converts an error to a Status.
//
// A nil error is OK. If err (or any error it wraps) is a Status, that Status is returned with the
// full error message as reason. Any other error becomes an UnknownError.
func FromError(err error) Status {
	if err == nil {
		return Ok()
	}
	var s Status
	if errors.As(err, &s) {
		if s.Error() != err.Error() {
			s.Reason = err.Error()
		}
		return s
	}
	return Status{Type: UnknownError, Reason: err.Error()}
}

// FromErrorWithType converts err to a Status, using t as the type if err doesn't carry a Status already.
func FromErrorWithType(err error, t Type) Status {
	if err == nil {
		return Ok()
	}
	var s Status
	if errors.As(err, &s) {
		return FromError(err)
	}
	return Status{Type: t, Reason: err.Error()}
}
