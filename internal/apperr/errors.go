// Package apperr defines the error taxonomy shared by the encounter
// state machine, the suggestion pipeline, the feedback store and the
// HTTP/WebSocket surfaces. Every surfaced error carries a stable
// machine-readable code so both sessions can react without parsing
// human-oriented messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code string

const (
	CodeValidation      Code = "validation_error"
	CodeStateConflict   Code = "state_conflict"
	CodeExternalService Code = "external_service_error"
	CodeAlreadyReviewed Code = "already_reviewed"
	CodeSessionOverflow Code = "session_overflow"
	CodeNotFound        Code = "not_found"
)

// Error is the concrete error type used across the core. Reason is an
// optional machine-readable detail (e.g. "suggestion_exhausted") that
// survives into failure deltas.
type Error struct {
	Code   Code   `json:"code"`
	Reason string `json:"reason,omitempty"`
	Msg    string `json:"message"`
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// WithReason attaches a machine-readable reason code.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input, rejected before any state mutation.
func Validationf(format string, args ...interface{}) *Error {
	return newf(CodeValidation, format, args...)
}

// StateConflictf reports a transition attempted from the wrong status.
// Callers are expected to refetch and retry.
func StateConflictf(format string, args ...interface{}) *Error {
	return newf(CodeStateConflict, format, args...)
}

// StateConflict reports an illegal transition naming expected vs actual status.
func StateConflict(op, expected, actual string) *Error {
	return newf(CodeStateConflict, "%s requires status %s, encounter is %s", op, expected, actual)
}

// ExternalServicef reports an adapter failure after local retries are exhausted.
func ExternalServicef(format string, args ...interface{}) *Error {
	return newf(CodeExternalService, format, args...)
}

// AlreadyReviewedf reports a decision or feedback submitted for a closed decision.
func AlreadyReviewedf(format string, args ...interface{}) *Error {
	return newf(CodeAlreadyReviewed, format, args...)
}

// SessionOverflowf reports that a session's buffered deltas were dropped.
func SessionOverflowf(format string, args ...interface{}) *Error {
	return newf(CodeSessionOverflow, format, args...)
}

// NotFoundf reports a missing resource.
func NotFoundf(format string, args ...interface{}) *Error {
	return newf(CodeNotFound, format, args...)
}

// CodeOf extracts the taxonomy code from err, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf extracts the machine-readable reason from err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// HTTPStatus maps an error to its HTTP response status. Foreign errors
// map to 500 so nothing is silently downgraded.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeStateConflict, CodeAlreadyReviewed:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
