// Package lighterr defines the error taxonomy shared by the command pool,
// the light control service and the HTTP layer.
package lighterr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure.
type Code string

const (
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTimeout         Code = "PROCESS_TIMEOUT"
	CodeProcessFailed   Code = "PROCESS_FAILED"
	CodeInvalidResponse Code = "INVALID_RESPONSE"
	CodeSystem          Code = "SYSTEM_ERROR"
	CodeUnknown         Code = "UNKNOWN_ERROR"
)

// Retriable reports whether re-attempting an operation that failed with this
// code may succeed.
func (c Code) Retriable() bool {
	switch c {
	case CodeTimeout, CodeProcessFailed, CodeInvalidResponse:
		return true
	default:
		return false
	}
}

// Error is a classified failure.
type Error struct {
	Code      Code
	Message   string
	Retriable bool

	// Set for CodeProcessFailed.
	ExitCode int
	Stderr   string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput    = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrTimeout         = &Error{Code: CodeTimeout, Message: "process execution timed out", Retriable: true}
	ErrProcessFailed   = &Error{Code: CodeProcessFailed, Message: "process failed", Retriable: true}
	ErrInvalidResponse = &Error{Code: CodeInvalidResponse, Message: "invalid response", Retriable: true}
	ErrSystem          = &Error{Code: CodeSystem, Message: "system error"}
)

// InvalidInput reports a request the caller must fix.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown group or device reference.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports a command that did not exit within its deadline.
func Timeout(format string, args ...any) *Error {
	msg := "process execution timed out"
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: CodeTimeout, Message: msg, Retriable: true}
}

// ProcessFailed reports a command that exited with a non-zero status.
func ProcessFailed(exitCode int, stderr string) *Error {
	return &Error{
		Code:      CodeProcessFailed,
		Message:   fmt.Sprintf("process failed with exit code %d: %s", exitCode, stderr),
		Retriable: true,
		ExitCode:  exitCode,
		Stderr:    stderr,
	}
}

// InvalidResponse reports command output that could not be understood.
func InvalidResponse(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidResponse, Message: fmt.Sprintf(format, args...), Retriable: true}
}

// System reports an environment or configuration problem.
func System(format string, args ...any) *Error {
	return &Error{Code: CodeSystem, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code with a leading message.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Retriable: code.Retriable(), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetriable reports whether err is a retriable classified failure.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// HTTPStatus maps err to the status code the API answers with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeProcessFailed, CodeInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
