package executor

import (
	"errors"
	"fmt"
)

// ErrBackendUnavailable marks a run aborted by a failed or timed out backend call.
var ErrBackendUnavailable = errors.New("search backend unavailable")

// BackendUnavailableError records which backend operation aborted a run.
type BackendUnavailableError struct {
	Op    string
	Index string
	Err   error
}

func (e *BackendUnavailableError) Error() string {
	if e.Index != "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

func unavailable(op, index string, err error) error {
	return &BackendUnavailableError{Op: op, Index: index, Err: err}
}
