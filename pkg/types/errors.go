package types

import "errors"

// ProcessingError tags a task-level failure as retryable or permanent.
// The worker's ack/nack decision is a function of this tag plus the
// attempt count, never of the error's concrete type.
type ProcessingError struct {
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	return e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// RetryableError wraps err as a transient failure worth requeuing.
func RetryableError(err error) error {
	return &ProcessingError{Retryable: true, Err: err}
}

// PermanentError wraps err as a failure that will never succeed.
func PermanentError(err error) error {
	return &ProcessingError{Retryable: false, Err: err}
}

// IsRetryable reports whether err should be retried. Untagged errors are
// treated as retryable: an unexpected fault looks like a transient one
// until the retry ceiling says otherwise.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
