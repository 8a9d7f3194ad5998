package scheduler

import (
	"errors"
	"fmt"
)

// ErrorClass classifies scheduler errors by how callers should react.
type ErrorClass string

const (
	// ErrorClassRejected is an admission rejection. Nothing was queued.
	ErrorClassRejected ErrorClass = "rejected"

	// ErrorClassPrecondition means the target is in the wrong lifecycle
	// state for the request, e.g. cancelling a running operation.
	ErrorClassPrecondition ErrorClass = "precondition"

	// ErrorClassNotFound means the resource or record does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassAction is an external action failure. It is captured on the
	// record and never escapes the worker loop.
	ErrorClassAction ErrorClass = "action"

	// ErrorClassFatal indicates a wiring defect such as an operation kind
	// with no catalog entry.
	ErrorClassFatal ErrorClass = "fatal"
)

// Error is a classified scheduler error.
type Error struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// ResourceID is the deployment the error concerns, zero if none.
	ResourceID int64 `json:"resource_id,omitempty"`

	// OperationID is the record the error concerns, zero if none.
	OperationID int64 `json:"operation_id,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.ResourceID != 0 && e.OperationID != 0:
		msg += fmt.Sprintf(" (resource=%d, operation=%d)", e.ResourceID, e.OperationID)
	case e.ResourceID != 0:
		msg += fmt.Sprintf(" (resource=%d)", e.ResourceID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRejectedError creates an admission rejection.
func NewRejectedError(message string, err error) *Error {
	return &Error{Class: ErrorClassRejected, Message: message, Err: err}
}

// NewPreconditionError creates a lifecycle precondition violation.
func NewPreconditionError(message string, err error) *Error {
	return &Error{Class: ErrorClassPrecondition, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Class: ErrorClassNotFound, Message: message, Err: err, Code: ErrCodeNotFound}
}

// NewActionError wraps a failure returned by a catalog action.
func NewActionError(message string, err error) *Error {
	return &Error{Class: ErrorClassAction, Message: message, Err: err}
}

// NewFatalError creates a wiring defect error.
func NewFatalError(message string, err error) *Error {
	return &Error{Class: ErrorClassFatal, Message: message, Err: err}
}

// WithResource sets the resource id.
func (e *Error) WithResource(resourceID int64) *Error {
	e.ResourceID = resourceID
	return e
}

// WithOperation sets the operation record id.
func (e *Error) WithOperation(operationID int64) *Error {
	e.OperationID = operationID
	return e
}

// WithCode sets a code for programmatic handling.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsRejected reports whether err is an admission rejection.
func IsRejected(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassRejected
}

// IsPrecondition reports whether err is a lifecycle precondition violation.
func IsPrecondition(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPrecondition
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNotFound
}

// IsFatal reports whether err indicates a wiring defect.
func IsFatal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassFatal
}

// Common error codes.
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeOperationActive = "OPERATION_ACTIVE"
	ErrCodeNotOrphaned     = "NOT_ORPHANED"
	ErrCodeWrongResource   = "WRONG_RESOURCE"
	ErrCodeInvalidRecord   = "INVALID_RECORD"
	ErrCodeShuttingDown    = "SHUTTING_DOWN"
	ErrCodeUnknownKind     = "UNKNOWN_KIND"
	ErrCodeInvalidState    = "INVALID_STATE"
)
