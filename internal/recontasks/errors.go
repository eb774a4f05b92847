package recontasks

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNotFound               ErrorKind = "NotFound"
	KindInternalError          ErrorKind = "InternalError"
	KindConnectionError        ErrorKind = "ConnectionError"
	KindResponseUnmarshalError ErrorKind = "ResponseUnmarshalError"
	KindBadClientRequest       ErrorKind = "BadClientRequest"
)

// Error is the single error type returned by the service and its adapters.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s - [%s]", e.Kind, e.Message)
}

// Is matches any *Error of the same kind when the target carries no message,
// so callers can write errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInternal          = &Error{Kind: KindInternalError}
	ErrConnection        = &Error{Kind: KindConnectionError}
	ErrResponseUnmarshal = &Error{Kind: KindResponseUnmarshalError}
	ErrBadClientRequest  = &Error{Kind: KindBadClientRequest}
)

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind carried by err. Errors that did not originate in
// this package are treated as internal errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalError
}
