package jsdo

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of error.
type ErrorCode string

const (
	// CodeInvalidArgument is returned when an argument has the wrong type or
	// shape.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// CodeDuplicateKey is returned when APPEND finds an existing row with the
	// same key.
	CodeDuplicateKey ErrorCode = "DUPLICATE_KEY"
	// CodeMultiTable is returned when a single-table convenience is used on a
	// multi-table data object.
	CodeMultiTable ErrorCode = "MULTI_TABLE"
	// CodeUndefinedOperation is returned when the resource does not define the
	// requested operation.
	CodeUndefinedOperation ErrorCode = "UNDEFINED_OPERATION"
	// CodeRejectedRow is returned when accepting changes of a row the server
	// rejected (MSG127).
	CodeRejectedRow ErrorCode = "REJECTED_ROW"
	// CodeMultipleRows is returned when a single-row operation gets more than
	// one row back (MSG100).
	CodeMultipleRows ErrorCode = "MULTIPLE_ROWS"
	// CodeMalformedResponse is returned when a response body cannot be
	// interpreted.
	CodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	// CodeTransport is returned for network failures and non-2xx statuses.
	CodeTransport ErrorCode = "TRANSPORT"
	// CodeNotFound is returned when a table, row or stored snapshot is missing.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrInvalidArgument    = &Error{code: CodeInvalidArgument, message: "invalid argument"}
	ErrDuplicateKey       = &Error{code: CodeDuplicateKey, message: "duplicate key"}
	ErrMultiTable         = &Error{code: CodeMultiTable, message: "operation requires a single-table data object"}
	ErrUndefinedOperation = &Error{code: CodeUndefinedOperation, message: "operation not defined on resource"}
	ErrRejectedRow        = &Error{code: CodeRejectedRow, message: "cannot accept changes of a rejected row"}
	ErrMultipleRows       = &Error{code: CodeMultipleRows, message: "more than one row returned for a single-row operation"}
	ErrMalformedResponse  = &Error{code: CodeMalformedResponse, message: "malformed response"}
	ErrTransport          = &Error{code: CodeTransport, message: "transport failure"}
	ErrNotFound           = &Error{code: CodeNotFound, message: "not found"}
)

// Error is the structured error returned by this package.
type Error struct {
	code       ErrorCode
	message    string
	status     int
	details    map[string]any
	wrappedErr error
}

// NewError creates a new Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// TransportError creates a transport failure for a non-2xx status. The message
// is "<status> <text>", which is what rows rejected by the failure carry.
func TransportError(status int, text string) *Error {
	return &Error{code: CodeTransport, status: status, message: fmt.Sprintf("%d %s", status, text)}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// WithStatus records the HTTP status that caused the error.
func (e *Error) WithStatus(status int) *Error {
	e.status = status
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// StatusCode returns the HTTP status, or 0.
func (e *Error) StatusCode() int {
	return e.status
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Message returns the message without the wrapped error.
func (e *Error) Message() string {
	return e.message
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

func invalidArgument(format string, args ...any) *Error {
	return NewError(CodeInvalidArgument, format, args...)
}

func notFound(format string, args ...any) *Error {
	return NewError(CodeNotFound, format, args...)
}

// failureMessage is the text a row carries when its operation fails with err.
func failureMessage(err error) (string, int) {
	var e *Error
	if errors.As(err, &e) {
		if e.code == CodeTransport && e.status != 0 {
			return e.message, e.status
		}
		return e.Error(), e.status
	}
	return err.Error(), 0
}
