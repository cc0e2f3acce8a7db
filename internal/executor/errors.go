package executor

import "fmt"

// RetryableError is a transient execution failure
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err == nil || e.Err.Error() == e.Reason {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable implements the retry classification interface
func (e *RetryableError) Retryable() bool { return true }

// FatalError is a permanent execution failure
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil || e.Err.Error() == e.Reason {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Retryable implements the retry classification interface
func (e *FatalError) Retryable() bool { return false }
