// Package apperr defines the error kinds shared by the domain services and
// the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindAccessDenied    Kind = "access_denied"
	KindInvalidRole     Kind = "invalid_role"
	KindConflict        Kind = "conflict"
	KindExternalService Kind = "external_service_failure"
	KindInvalidInput    Kind = "invalid_input"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAccessDenied    = &Error{Kind: KindAccessDenied}
	ErrInvalidRole     = &Error{Kind: KindInvalidRole}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrExternalService = &Error{Kind: KindExternalService}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
)

// Error carries a kind, a caller-facing reason and an optional cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

func AccessDenied(format string, args ...interface{}) error {
	return &Error{Kind: KindAccessDenied, Reason: fmt.Sprintf(format, args...)}
}

func InvalidRole(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidRole, Reason: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidInput, Reason: fmt.Sprintf(format, args...)}
}

// External wraps a collaborator failure (IPFS, ledger).
func External(service string, err error) error {
	return &Error{Kind: KindExternalService, Reason: service + " unavailable", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Reason returns the caller-facing message of err.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return err.Error()
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied, KindInvalidRole:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
