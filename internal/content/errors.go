package content

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTargetNotFound is returned when the referenced target does not exist
	ErrTargetNotFound = errors.New("target not found")

	// ErrNotPublishable is returned when the target cannot be scheduled
	ErrNotPublishable = errors.New("target is not publishable")
)

// StatusError is an unexpected HTTP response from the content service
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed with status: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed with status: %d: %s", e.Op, e.StatusCode, e.Body)
}

// Retryable reports whether the status is transient
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// RemoteError is a failure reported by a content service replying over NATS
type RemoteError struct {
	Message   string
	Transient bool
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Retryable implements the retry classification interface
func (e *RemoteError) Retryable() bool {
	return e.Transient
}
