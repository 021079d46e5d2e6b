// Package apperr defines the caller-facing error kinds raised by the
// medication safety engine and their mapping to HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an engine error. Every kind is recoverable by the caller.
type Kind string

const (
	KindInvalidDispense         Kind = "InvalidDispense"
	KindInvalidTransition       Kind = "InvalidTransition"
	KindSafetyGateBlocked       Kind = "SafetyGateBlocked"
	KindWitnessRequired         Kind = "WitnessRequired"
	KindInsufficientStock       Kind = "InsufficientStock"
	KindUnresolvedNotifications Kind = "UnresolvedNotifications"
	KindNotFound                Kind = "NotFound"
	KindValidation              Kind = "ValidationError"
	KindSafetyCheckUnavailable  Kind = "SafetyCheckUnavailable"
	KindForbidden               Kind = "Forbidden"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidDispense         = &Error{Kind: KindInvalidDispense}
	ErrInvalidTransition       = &Error{Kind: KindInvalidTransition}
	ErrSafetyGateBlocked       = &Error{Kind: KindSafetyGateBlocked}
	ErrWitnessRequired         = &Error{Kind: KindWitnessRequired}
	ErrInsufficientStock       = &Error{Kind: KindInsufficientStock}
	ErrUnresolvedNotifications = &Error{Kind: KindUnresolvedNotifications}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrValidation              = &Error{Kind: KindValidation}
	ErrSafetyCheckUnavailable  = &Error{Kind: KindSafetyCheckUnavailable}
	ErrForbidden               = &Error{Kind: KindForbidden}
)

// Error is a structured engine error. Details names the precondition that
// failed so the calling workflow can present an actionable message.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy of e with an extra detail entry.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(op, resource string, id any) *Error {
	return New(KindNotFound, op, "%s %v not found", resource, id).With("resource", resource)
}

func Validation(op, field, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...).With("field", field)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var statusByKind = map[Kind]int{
	KindInvalidDispense:         http.StatusUnprocessableEntity,
	KindInvalidTransition:       http.StatusConflict,
	KindSafetyGateBlocked:       http.StatusConflict,
	KindWitnessRequired:         http.StatusUnprocessableEntity,
	KindInsufficientStock:       http.StatusConflict,
	KindUnresolvedNotifications: http.StatusConflict,
	KindNotFound:                http.StatusNotFound,
	KindValidation:              http.StatusBadRequest,
	KindSafetyCheckUnavailable:  http.StatusServiceUnavailable,
	KindForbidden:               http.StatusForbidden,
}

// HTTPStatus maps err to an HTTP status code. Errors outside the taxonomy
// are internal.
func HTTPStatus(err error) int {
	if code, ok := statusByKind[KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Body is the JSON error envelope returned to API callers.
type Body struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HTTPError converts err into an *echo.HTTPError carrying a structured body.
func HTTPError(err error) *echo.HTTPError {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return echo.NewHTTPError(HTTPStatus(err), Body{Kind: e.Kind, Message: e.Error(), Details: e.Details})
}
