// Package apperr is the error taxonomy shared by every component of the
// conversation core. Operational errors carry a Kind and a message that is safe
// to return to the originating client; anything else is treated as an internal
// failure and is never detailed to callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindUnauthorized Kind = "Unauthorized"
	KindForbidden    Kind = "Forbidden"
	KindInvalid      Kind = "ValidationFailed"
	KindConflict     Kind = "StateConflict"
	KindUnavailable  Kind = "UpstreamUnavailable"
	KindNotFound     Kind = "NotFound"
	KindInternal     Kind = "Internal"
)

// Operational reports whether errors of this kind are expected outcomes whose
// message may be shown to the caller.
func (k Kind) Operational() bool {
	return k != KindInternal && k != ""
}

type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind and message, so package-level
// sentinels built with New work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Unauthorized(msg string) error { return New(KindUnauthorized, msg) }
func Forbidden(msg string) error    { return New(KindForbidden, msg) }
func Invalid(msg string) error      { return New(KindInvalid, msg) }
func NotFound(msg string) error     { return New(KindNotFound, msg) }
func Conflict(msg string) error     { return New(KindConflict, msg) }

// Unavailable reports a failed call to an external collaborator. retryAfter is
// the hint passed back to the client.
func Unavailable(msg string, retryAfter time.Duration, cause error) error {
	return &Error{Kind: KindUnavailable, Message: msg, RetryAfter: retryAfter, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Payload is the structured error returned to clients over HTTP and sockets.
type Payload struct {
	Kind              Kind   `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// Public converts err into a client-safe payload. Internal failures collapse to
// a generic message; callers are expected to log the original error.
func Public(err error) Payload {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind.Operational() {
		p := Payload{Kind: ae.Kind, Message: ae.Message}
		if ae.RetryAfter > 0 {
			p.RetryAfterSeconds = int(ae.RetryAfter.Round(time.Second) / time.Second)
		}
		return p
	}
	return Payload{Kind: KindInternal, Message: "internal error"}
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalid:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
