// Package weberr defines the domain error taxonomy shared by the head and
// node HTTP surfaces.
package weberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the surface error code returned to clients and used for metrics
// cardinality; it is stable API, unlike Message.
type Code string

const (
	CodeInvalidInput        Code = "invalid_input"
	CodeConflict            Code = "conflict"
	CodeNotFound            Code = "not_found"
	CodeUnauthorized        Code = "unauthorized"
	CodeTrustNotConfigured  Code = "trust_not_configured"
	CodeNodeUnreachable     Code = "node_unreachable"
	CodeInternal            Code = "internal"
)

// httpStatus is the default HTTP status for each Code; WithHTTPStatus
// overrides it case by case (e.g. unauthorized sub-reasons all stay 401).
var httpStatus = map[Code]int{
	CodeInvalidInput:       http.StatusBadRequest,
	CodeConflict:           http.StatusConflict,
	CodeNotFound:           http.StatusNotFound,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeTrustNotConfigured: http.StatusServiceUnavailable,
	CodeNodeUnreachable:    http.StatusBadGateway,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is the domain error type returned by every internal component.
// HTTP handlers translate it directly into the JSON error envelope.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Reason     string // fine-grained sub-reason, e.g. "replayed", "bad_signature"
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with the default HTTP status for code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus[code]}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithReason attaches a fine-grained sub-reason (surfaced to clients
// alongside Code, e.g. distinguishing "stale" from "replayed" within
// unauthorized).
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithCause wraps an underlying error for logging; it is never serialized
// to the client.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithHTTPStatus overrides the default status (used by the head to relay
// the HTTP status a node answered with).
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Internal wraps an unexpected error as CodeInternal, carrying a
// correlation id for cross-referencing logs without leaking the cause to
// the client.
func Internal(correlationID string, cause error) *Error {
	return New(CodeInternal, "internal error, correlation_id="+correlationID).WithCause(cause)
}
