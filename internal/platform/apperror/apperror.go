// Package apperror defines the error taxonomy shared by the domain packages
// and translated to HTTP responses at the edge.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for callers and for the HTTP error mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindMissingField      Kind = "missing_field"
	KindPastDate          Kind = "past_date"
	KindOutsideHours      Kind = "outside_hours"
	KindSchedulePending   Kind = "schedule_pending"
	KindInvalidTransition Kind = "invalid_transition"
	KindStorage           Kind = "storage"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
)

// Error is an application error with a stable code and HTTP status.
type Error struct {
	Kind       Kind              `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Err        error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Validation creates an error for malformed caller input.
func Validation(message string, details map[string]string) *Error {
	return &Error{
		Kind:       KindValidation,
		Code:       "VALIDATION_ERROR",
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// MissingField creates an error naming the required fields that were empty.
func MissingField(fields ...string) *Error {
	return &Error{
		Kind:       KindMissingField,
		Code:       "MISSING_FIELD",
		Message:    "please fill out all fields",
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]string{"fields": strings.Join(fields, ",")},
	}
}

// PastDate rejects a requested day that is before today.
func PastDate(date string) *Error {
	return &Error{
		Kind:       KindPastDate,
		Code:       "PAST_DATE",
		Message:    "please select a date in the future",
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]string{"date": date},
	}
}

// OutsideHours rejects a requested time outside the clinic window.
func OutsideHours(t string, open, close int) *Error {
	return &Error{
		Kind:       KindOutsideHours,
		Code:       "OUTSIDE_HOURS",
		Message:    fmt.Sprintf("please select a time between %02d:00 and %02d:00", open, close),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]string{"time": t},
	}
}

// SchedulePending rejects a submission while an unapproved request exists.
func SchedulePending() *Error {
	return &Error{
		Kind:       KindSchedulePending,
		Code:       "SCHEDULE_PENDING",
		Message:    "existing schedule is pending",
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidTransition rejects a state change the workflow does not allow.
func InvalidTransition(message string) *Error {
	return &Error{
		Kind:       KindInvalidTransition,
		Code:       "INVALID_TRANSITION",
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Storage wraps a failure of the persistent store.
func Storage(op string, err error) *Error {
	return &Error{
		Kind:       KindStorage,
		Code:       "STORAGE_ERROR",
		Message:    op + " failed",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NotFound creates a not found error.
func NotFound(resource string, id string) *Error {
	return &Error{
		Kind:       KindNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Forbidden creates a forbidden error.
func Forbidden(message string) *Error {
	return &Error{
		Kind:       KindForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return &Error{
		Kind:       KindConflict,
		Code:       "CONFLICT",
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}
