// Package platerr defines the platform-wide error taxonomy. Every component
// returns errors whose chain terminates in one of these kinds; the request
// shell inspects the kind to build the failure envelope.
package platerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure with a stable wire code.
type Kind string

const (
	KindInvalidCredentials Kind = "InvalidCredentials"
	KindRateLimited        Kind = "RateLimited"
	KindInvalidToken       Kind = "InvalidToken"
	KindTokenExpired       Kind = "TokenExpired"
	KindForbidden          Kind = "Forbidden"
	KindQuotaExceeded      Kind = "QuotaExceeded"
	KindWeakPassword       Kind = "WeakPassword"
	KindUserExists         Kind = "UserExists"
	KindInvalidEmail       Kind = "InvalidEmail"
	KindUnknownAgent       Kind = "UnknownAgent"
	KindInvalidInput       Kind = "InvalidInput"
	KindAgentError         Kind = "AgentError"
	KindAgentTimeout       Kind = "AgentTimeout"
	KindCancelled          Kind = "Cancelled"
	KindWorkflowNotFound   Kind = "WorkflowNotFound"
	KindIllegalTransition  Kind = "IllegalTransition"
	KindNotFound           Kind = "NotFound"
	KindInternal           Kind = "Internal"
)

// StatusClientClosedRequest is the de-facto nginx code for cancelled requests.
const StatusClientClosedRequest = 499

var kindStatus = map[Kind]int{
	KindInvalidCredentials: http.StatusUnauthorized,
	KindRateLimited:        http.StatusTooManyRequests,
	KindInvalidToken:       http.StatusUnauthorized,
	KindTokenExpired:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindQuotaExceeded:      http.StatusTooManyRequests,
	KindWeakPassword:       http.StatusBadRequest,
	KindUserExists:         http.StatusBadRequest,
	KindInvalidEmail:       http.StatusBadRequest,
	KindUnknownAgent:       http.StatusBadRequest,
	KindInvalidInput:       http.StatusBadRequest,
	KindAgentError:         http.StatusBadGateway,
	KindAgentTimeout:       http.StatusGatewayTimeout,
	KindCancelled:          StatusClientClosedRequest,
	KindWorkflowNotFound:   http.StatusNotFound,
	KindIllegalTransition:  http.StatusConflict,
	KindNotFound:           http.StatusNotFound,
	KindInternal:           http.StatusInternalServerError,
}

// Error is the concrete taxonomy error.
type Error struct {
	ErrKind Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.ErrKind == other.ErrKind
	}
	return false
}

// New creates a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the taxonomy kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.ErrKind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// MessageOf returns the taxonomy message without the cause chain, so internal
// details never leak into response envelopes.
func MessageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return "internal error"
}
