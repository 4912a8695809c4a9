package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")

	// ErrNotCancellable is returned when a cancellation request targets a
	// job that is not currently running.
	ErrNotCancellable = errors.New("job is not running")

	// ErrLeaseLost is returned by conditional updates when the caller no
	// longer owns the job's lease.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrCancelled is returned by a checkpoint once the job has been moved
	// to cancelling. Executors stop at the next chunk boundary and return
	// it, optionally together with partial results.
	ErrCancelled = errors.New("job cancelled")
)

// TerminalError marks a failure that retrying cannot change, such as a
// malformed payload. The job fails immediately without consuming further
// attempts.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err as a TerminalError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err or any error it wraps is terminal.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// SystemicError marks an infrastructure fault (store unreachable, bucket
// gone) that is not the job's fault. The job returns to the queue without
// the attempt counting against its budget.
type SystemicError struct {
	Err error
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("systemic: %v", e.Err)
}

func (e *SystemicError) Unwrap() error {
	return e.Err
}

// Systemic wraps err as a SystemicError.
func Systemic(err error) error {
	if err == nil {
		return nil
	}
	return &SystemicError{Err: err}
}

// IsSystemic reports whether err or any error it wraps is systemic.
func IsSystemic(err error) bool {
	var se *SystemicError
	return errors.As(err, &se)
}
