package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR TAXONOMY
// Structured error codes with retryability hints. Record-scoped errors never
// abort a run; collector- and backend-scoped errors abort only their own
// contribution; configuration errors are fatal to the whole run.
// =============================================================================

// ErrorCode classifies pipeline failures.
type ErrorCode string

const (
	CodeTransientProvider   ErrorCode = "E_TRANSIENT_PROVIDER"
	CodeRateLimitExceeded   ErrorCode = "E_RATE_LIMIT_EXCEEDED"
	CodeAuthOrValidation    ErrorCode = "E_AUTH_OR_VALIDATION"
	CodeTransformValidation ErrorCode = "E_TRANSFORM_VALIDATION"
	CodeBackendUnavailable  ErrorCode = "E_BACKEND_UNAVAILABLE"
	CodeVersionConflict     ErrorCode = "E_VERSION_CONFLICT"
	CodeLoadFailed          ErrorCode = "E_LOAD_FAILED"
	CodeConfigInvalid       ErrorCode = "E_CONFIG_INVALID"
	CodeCancelled           ErrorCode = "E_CANCELLED"
	CodeUnknown             ErrorCode = "E_UNKNOWN"
)

// Error carries an error code and retryability hint around a cause.
type Error struct {
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeValue returns the string error code for integration with run state.
func (e *Error) CodeValue() string { return string(e.Code) }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// CodedError exposes structured error metadata.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// NewError wraps a cause with a code and retryability.
func NewError(code ErrorCode, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(code ErrorCode, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

// Classify extracts a code and retryability from an arbitrary error.
func Classify(err error) (ErrorCode, bool) {
	var ce CodedError
	if errors.As(err, &ce) {
		return ErrorCode(ce.CodeValue()), ce.RetryableStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTransientProvider, true
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled, false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "unreachable"):
		return CodeTransientProvider, true
	case strings.Contains(msg, "auth"):
		return CodeAuthOrValidation, false
	}
	return CodeUnknown, true
}

// IsRetryable reports whether the error warrants another attempt.
func IsRetryable(err error) bool {
	_, retryable := Classify(err)
	return retryable
}
