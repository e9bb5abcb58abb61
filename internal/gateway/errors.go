package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures so callers can pick the right
// user-facing message.
type ErrorKind int

const (
	// KindUnreachable means the backend could not be reached at all.
	KindUnreachable ErrorKind = iota
	// KindEngineNotRunning means the backend is up but the inference
	// process behind it is not (503 on the chat endpoints).
	KindEngineNotRunning
	// KindBadResponse means the backend answered with an unexpected status
	// or an unparseable body.
	KindBadResponse
)

// BackendError is a kinded transport/backend failure.
type BackendError struct {
	Kind    ErrorKind
	Message string // user-facing
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// KindOf returns the error's kind and true when err is a BackendError.
func KindOf(err error) (ErrorKind, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}

// UserMessage returns the user-facing message for a backend error, or the
// plain error text for anything else.
func UserMessage(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}
