// Package fault defines the machine-readable error taxonomy shared by the
// courtroom services and the HTTP surface.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeMissingField   Code = "MISSING_FIELD"
	CodeInvalidField   Code = "INVALID_FIELD"
	CodeSelfPartner    Code = "SELF_PARTNER"
	CodeCoupleMismatch Code = "COUPLE_MISMATCH"

	// Phase violations
	CodeWrongPhase      Code = "WRONG_PHASE"
	CodeWrongActor      Code = "WRONG_ACTOR"
	CodeNoActiveSession Code = "NO_ACTIVE_SESSION"
	CodeNoOpenMismatch  Code = "NO_OPEN_MISMATCH"
	CodeForbidden       Code = "FORBIDDEN"

	// Conflicts
	CodeDuplicateSession Code = "DUPLICATE_SESSION"
	CodeAlreadySubmitted Code = "ALREADY_SUBMITTED"
	CodeMismatchLocked   Code = "MISMATCH_LOCKED"
	CodeAlreadyPending   Code = "ALREADY_PENDING"

	// External failures
	CodeDeliberationFailed Code = "DELIBERATION_FAILED"

	// Fatal
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// Class groups codes by handling policy.
type Class string

const (
	ClassValidation     Class = "VALIDATION"
	ClassPhaseViolation Class = "PHASE_VIOLATION"
	ClassConflict       Class = "CONFLICT"
	ClassExternal       Class = "EXTERNAL_FAILURE"
	ClassFatal          Class = "FATAL"
)

// Class reports the handling class for the code.
func (c Code) Class() Class {
	switch c {
	case CodeMissingField, CodeInvalidField, CodeSelfPartner, CodeCoupleMismatch:
		return ClassValidation
	case CodeWrongPhase, CodeWrongActor, CodeNoActiveSession, CodeNoOpenMismatch, CodeForbidden:
		return ClassPhaseViolation
	case CodeDuplicateSession, CodeAlreadySubmitted, CodeMismatchLocked, CodeAlreadyPending:
		return ClassConflict
	case CodeDeliberationFailed:
		return ClassExternal
	case CodeStoreUnavailable:
		return ClassFatal
	default:
		return ClassFatal
	}
}

// HTTPStatus maps the code to an HTTP response status.
func (c Code) HTTPStatus() int {
	switch c.Class() {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassPhaseViolation:
		if c == CodeNoActiveSession {
			return http.StatusNotFound
		}
		if c == CodeForbidden || c == CodeWrongActor {
			return http.StatusForbidden
		}
		return http.StatusConflict
	case ClassConflict:
		return http.StatusConflict
	case ClassExternal:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// Error carries a code alongside a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a fault error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
