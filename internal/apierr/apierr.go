// Package apierr carries the HTTP-facing error taxonomy.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Codes returned in the "code" field of error bodies.
const (
	CodeValidation   = "validation_error"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeBanned       = "banned"
	CodeNotFound     = "not_found"
	CodeRateLimited  = "rate_limited"
	CodeConflict     = "invalid_state"
	CodeInternal     = "internal_error"
)

type Error struct {
	Status int
	Code   string
	Err    error

	// Reason is set for bans and shown to the visitor.
	Reason string
	// RetryAfter is set for rate limiting.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(http.StatusBadRequest, CodeValidation, fmt.Errorf(format, args...))
}

func Unauthorized(err error) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, err)
}

func Forbidden(err error) *Error {
	return New(http.StatusForbidden, CodeForbidden, err)
}

func Banned(reason string) *Error {
	e := New(http.StatusForbidden, CodeBanned, errors.New("visitor is banned"))
	e.Reason = reason
	return e
}

func NotFound(err error) *Error {
	return New(http.StatusNotFound, CodeNotFound, err)
}

func RateLimited(retryAfter time.Duration) *Error {
	e := New(http.StatusTooManyRequests, CodeRateLimited, errors.New("too many requests"))
	e.RetryAfter = retryAfter
	return e
}

func Conflict(err error) *Error {
	return New(http.StatusBadRequest, CodeConflict, err)
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, CodeInternal, err)
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
