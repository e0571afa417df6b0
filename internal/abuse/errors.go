package abuse

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a missing prerequisite or parameter. It is never retried.
	ErrConfiguration = errors.New("abuse: configuration error")

	// ErrRaceCondition marks a uniqueness violation hit while creating the first record of a
	// window. Stores recover from it locally and never return it to callers.
	ErrRaceCondition = errors.New("abuse: record created concurrently")

	// ErrBackendUnavailable is matched by every *BackendError.
	ErrBackendUnavailable = errors.New("abuse: backend unavailable")

	// ErrUnsupported is returned by adapters that cannot serve an operation, so callers can
	// tell "no data" apart from "not supported".
	ErrUnsupported = errors.New("abuse: operation not supported")
)

// BackendError wraps a failure of the underlying storage client.
type BackendError struct {
	Op  string
	Err error
}

// Unavailable wraps err as a BackendError for op. A nil err returns nil and an error that
// already is a BackendError is returned as is.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}

	var be *BackendError
	if errors.As(err, &be) {
		return err
	}

	return &BackendError{Op: op, Err: err}
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("abuse: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is reports ErrBackendUnavailable as a match so callers can branch on the category.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}
