package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInvalidRequest marks requests the service can never accept.
var ErrInvalidRequest = errors.New("invalid request")

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// TransientServiceError is returned when retries are exhausted or the
// caller's context ends while waiting.
type TransientServiceError struct {
	Attempts int
	Err      error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("transient service error after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// PermanentServiceError is returned for failures that retrying cannot fix.
type PermanentServiceError struct {
	StatusCode int
	Err        error
}

func (e *PermanentServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("permanent service error: %v", e.Err)
	}
	return fmt.Sprintf("permanent service error (status %d): %v", e.StatusCode, e.Err)
}

func (e *PermanentServiceError) Unwrap() error { return e.Err }

// MalformedResponseError is returned when the answer holds no JSON document
// after all repair passes.
type MalformedResponseError struct {
	Passes int
	Raw    string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response after %d repair pass(es): %v", e.Passes, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
