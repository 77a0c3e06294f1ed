// Package validation carries the structured error results returned by the
// domain services: field-level validation failures and lookup misses.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrNotFound is wrapped by every repository lookup that finds no row.
var ErrNotFound = errors.New("not found")

// FieldError names the offending input field and what is wrong with it.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a non-empty list of field errors. It optionally wraps a sentinel
// so callers can still match with errors.Is.
type Error struct {
	Fields []FieldError
	cause  error
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error { return e.cause }

// Field builds a single-field error from a sentinel.
func Field(field string, cause error) *Error {
	return &Error{
		Fields: []FieldError{{Field: field, Message: cause.Error()}},
		cause:  cause,
	}
}

// Fieldf builds a single-field error with a formatted message.
func Fieldf(field, format string, args ...interface{}) *Error {
	return &Error{Fields: []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// Result accumulates field errors for one entity.
type Result struct {
	fields []FieldError
}

// Add records a failure for field.
func (r *Result) Add(field, message string) {
	r.fields = append(r.fields, FieldError{Field: field, Message: message})
}

// Require records "<field> is required" when ok is false.
func (r *Result) Require(field string, ok bool) {
	if !ok {
		r.Add(field, "is required")
	}
}

// Check records message for field when ok is false.
func (r *Result) Check(field string, ok bool, message string) {
	if !ok {
		r.Add(field, message)
	}
}

// OK reports whether no failure was recorded.
func (r *Result) OK() bool { return len(r.fields) == 0 }

// Err returns nil when the result passed, otherwise an *Error.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	out := make([]FieldError, len(r.fields))
	copy(out, r.fields)
	return &Error{Fields: out}
}

// FieldsOf extracts the field errors from err, if any.
func FieldsOf(err error) []FieldError {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// Response is the JSON body written for failed requests.
type Response struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// HTTPError maps a service error onto an echo.HTTPError: field errors become
// 422 with the field list, lookup misses 404 and anything else 500.
func HTTPError(err error) *echo.HTTPError {
	var ve *Error
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, Response{Message: "validation failed", Errors: ve.Fields})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, Response{Message: err.Error()})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, Response{Message: err.Error()})
	}
}
