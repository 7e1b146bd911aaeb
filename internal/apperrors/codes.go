// Package apperrors defines the typed failures surfaced by the discovery engine.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code classifies an engine failure.
type Code string

const (
	// CodeInvalidArgument indicates malformed parameters rejected before any work starts.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeNotFound indicates a referenced experience or user does not exist or is not visible.
	CodeNotFound Code = "NOT_FOUND"
	// CodeUpstreamUnavailable indicates an embedding, LLM, or store dependency failed after retries.
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	// CodeRateLimitExceeded indicates the caller exhausted its window. Not retryable.
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	// CodeCancelled indicates the caller cancelled the operation.
	CodeCancelled Code = "CANCELLED"
	// CodeTimeout indicates the operation ran out of time.
	CodeTimeout Code = "TIMEOUT"
	// CodeInternal is everything else.
	CodeInternal Code = "INTERNAL"
)

// Error is a structured engine error.
type Error struct {
	Cause   error
	Context map[string]any
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// InvalidArgument creates a validation error.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error for the given kind and id.
func NotFound(kind string, id any) *Error {
	return (&Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %v", kind, id),
	}).WithContext("kind", kind)
}

// Upstream wraps a dependency failure.
func Upstream(dependency string, cause error) *Error {
	return (&Error{
		Code:    CodeUpstreamUnavailable,
		Message: dependency + " unavailable",
		Cause:   cause,
	}).WithContext("dependency", dependency)
}

// RateLimited creates a rate limit rejection carrying the window reset time.
func RateLimited(caller string, resetAt time.Time) *Error {
	return (&Error{
		Code:    CodeRateLimitExceeded,
		Message: "rate limit exceeded for " + caller,
	}).WithContext("reset_at", resetAt)
}

// Cancelled creates a cancellation error.
func Cancelled(cause error) *Error {
	return &Error{Code: CodeCancelled, Message: "operation cancelled", Cause: cause}
}

// Timeout creates a timeout error.
func Timeout(msg string, cause error) *Error {
	return &Error{Code: CodeTimeout, Message: msg, Cause: cause}
}

// Internal wraps an unexpected error.
func Internal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Cause: cause}
}

// FromContext converts a context error into a typed error.
// Returns nil when err is not a context error.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout("deadline exceeded", err)
	}
	return nil
}

// IsCode reports whether any error in err's chain carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the code from err, falling back to FromContext and then CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if ce := FromContext(err); ce != nil {
		return ce.Code
	}
	return CodeInternal
}

// ResetAt returns the reset hint carried by a rate limit error.
func ResetAt(err error) (time.Time, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeRateLimitExceeded {
		return time.Time{}, false
	}
	t, ok := e.Context["reset_at"].(time.Time)
	return t, ok
}

// FromDependency classifies a failed dependency call. A done ctx wins over the
// dependency's own error so callers see CANCELLED or TIMEOUT rather than UPSTREAM.
func FromDependency(ctx context.Context, dependency string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return FromContext(ctxErr)
	}
	if ce := FromContext(err); ce != nil {
		return ce
	}
	return Upstream(dependency, err)
}
