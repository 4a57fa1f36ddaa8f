// Package apperrors defines the error kinds surfaced to API clients.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the API boundary.
type Kind string

const (
	InvalidFormat      Kind = "InvalidFormat"
	InvalidRequest     Kind = "InvalidRequest"
	NotFound           Kind = "NotFound"
	StorageWriteError  Kind = "StorageWriteError"
	MissingData        Kind = "MissingData"
	ResourceExhaustion Kind = "ResourceExhaustion"
	TrainingFailure    Kind = "TrainingFailure"
	InferenceFailure   Kind = "InferenceFailure"
	DBError            Kind = "DBError"
	Internal           Kind = "Internal"
)

// Error carries a Kind together with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
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

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: NotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
