// Package apierr defines the typed error kinds used across the control
// plane's HTTP surface, each carrying a stable code and HTTP status so
// handlers never leak a raw error string or stack trace across the wire.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pulsegate/controlplane/internal/httpserver"
)

// Kind is one of the error categories every handler-facing error belongs to.
type Kind string

const (
	InvalidInput    Kind = "invalid_input"
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Overloaded      Kind = "overloaded"
	UpstreamTimeout Kind = "upstream_timeout"
	Internal        Kind = "internal"
)

var statusFor = map[Kind]int{
	InvalidInput:    http.StatusBadRequest,
	Unauthenticated: http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Overloaded:      http.StatusTooManyRequests,
	UpstreamTimeout: http.StatusBadGateway,
	Internal:        http.StatusInternalServerError,
}

// Error is a typed API error. Message is safe to show to a caller; it must
// never include the wrapped error's text verbatim if that text could leak
// internal detail (SQL, file paths, stack frames).
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind, attaching cause for logging while
// keeping message as the only text that reaches the client.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Status returns the HTTP status code for kind.
func Status(kind Kind) int {
	if s, ok := statusFor[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Respond writes err to w using the teacher's JSON error envelope, deriving
// the status and code from its Kind. Non-*Error values are treated as
// Internal so a stray error from a third-party library never leaks detail.
func Respond(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		httpserver.RespondError(w, http.StatusInternalServerError, string(Internal), "an internal error occurred")
		return
	}
	httpserver.RespondError(w, Status(apiErr.Kind), string(apiErr.Kind), apiErr.Message)
}
