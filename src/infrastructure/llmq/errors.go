package llmq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no request or response exists for the
	// given id.
	ErrNotFound = errors.New("request not found")

	// ErrClaimLost is returned by conditional updates when the caller no
	// longer owns the request's claim.
	ErrClaimLost = errors.New("request claim lost")

	// ErrAwaitTimeout is returned when a waiter gives up before any
	// response appears. The request itself may still finish later.
	ErrAwaitTimeout = errors.New("timed out waiting for response")
)

// PermanentError marks a backend failure that retrying cannot change,
// such as rejected parameters. The request fails immediately without
// consuming further attempts and without a dead letter entry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or any error it wraps is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RequestError is the terminal failure handed to a waiter whose request
// timed out or failed for good.
type RequestError struct {
	RequestID string
	Status    Status
	Message   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s %s: %s", e.RequestID, e.Status, e.Message)
}
