package scheduler

import (
	"errors"
	"fmt"

	"github.com/t77yq/publish-scheduler/internal/storage"
)

var (
	// ErrValidation matches every ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrScheduleNotFound is returned when a schedule is not found
	ErrScheduleNotFound = storage.ErrNotFound

	// ErrInvalidTransition is returned when the schedule state disallows an operation
	ErrInvalidTransition = storage.ErrConflict

	// ErrDispatcherRunning is returned when Start is called twice
	ErrDispatcherRunning = errors.New("dispatcher already running")
)

// ValidationError describes rejected input. It is never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) hold
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
