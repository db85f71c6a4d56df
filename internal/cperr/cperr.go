// Package cperr defines the control plane's boundary error kinds
// and their mapping to HTTP status codes and WebSocket
// close codes. Internal call sites return plain wrapped errors; handlers at
// an HTTP or WebSocket boundary coerce them into a *cperr.Error.
package cperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the API's error kinds.
type Kind string

const (
	AuthMissing         Kind = "AuthMissing"
	AuthInvalid         Kind = "AuthInvalid"
	Forbidden           Kind = "Forbidden"
	BadRequest          Kind = "BadRequest"
	NotFound            Kind = "NotFound"
	AgentUnavailable    Kind = "AgentUnavailable"
	CommandTimedOut     Kind = "CommandTimedOut"
	AlreadyDecided      Kind = "AlreadyDecided"
	AlreadyArchived     Kind = "AlreadyArchived"
	DirectoryNotAllowed Kind = "DirectoryNotAllowed"
	HiddenNotAllowed    Kind = "HiddenNotAllowed"
	InternalError       Kind = "InternalError"
)

// Error is the boundary error type. Details are shown to the caller for
// BadRequest; InternalError's cause is logged but never rendered.
type Error struct {
	Kind    Kind
	Message string
	Details string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a boundary error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error, preserving it for logging.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// WithDetails attaches caller-facing details (used for BadRequest).
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// As extracts a *Error from err, or returns (nil, false).
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthMissing, AuthInvalid:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case AgentUnavailable:
		return http.StatusServiceUnavailable
	case CommandTimedOut:
		return http.StatusServiceUnavailable
	case AlreadyDecided, AlreadyArchived:
		return http.StatusConflict
	case DirectoryNotAllowed, HiddenNotAllowed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WSCloseCode maps a Kind to a WebSocket close code, for kinds that carry
// one. Returns 0 when the kind has no assigned WS close code.
func (k Kind) WSCloseCode() int {
	switch k {
	case AuthMissing:
		return 4002
	case AuthInvalid:
		return 4003
	case AgentUnavailable:
		return 4006
	default:
		return 0
	}
}

// WriteJSON renders the error as an HTTP body: a JSON object with "error"
// and, for BadRequest, "details".
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.HTTPStatus())
	body := fmt.Sprintf(`{"error":%q`, e.Message)
	if e.Details != "" {
		body += fmt.Sprintf(`,"details":%q`, e.Details)
	}
	body += "}"
	w.Write([]byte(body))
}
