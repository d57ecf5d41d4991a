package domain

import (
	"errors"
	"fmt"
)

// Code classifies an error into the fixed status taxonomy mirroring RPC
// status codes. Validation failures surface before any state mutation, so a
// rejected batch leaves the store untouched.
type Code int

const (
	// OK means no error.
	OK Code = iota
	// InvalidArgument covers malformed paths, values, queries and limit
	// violations.
	InvalidArgument
	// NotFound covers missing databases, documents required to exist and
	// unknown transactions.
	NotFound
	// AlreadyExists covers duplicate creation and duplicate pooled
	// database registration.
	AlreadyExists
	// FailedPrecondition covers stale update times and invalid
	// transaction option combinations.
	FailedPrecondition
	// Aborted signals a transaction read/write conflict; callers are
	// expected to retry the whole transaction body.
	Aborted
	// Unimplemented covers unsupported transform and operator variants.
	Unimplemented
	// Internal covers invariant violations inside the emulator itself.
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case FailedPrecondition:
		return "FailedPrecondition"
	case Aborted:
		return "Aborted"
	case Unimplemented:
		return "Unimplemented"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// StatusError is an error carrying a status code.
type StatusError struct {
	Code    Code
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a StatusError with a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the status code from err, or Internal for foreign errors.
// A nil error maps to OK.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return Internal
}

// IsCode reports whether err carries the given status code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
