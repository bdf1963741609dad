package session

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the session.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassTimeout represents a timed-out request attempt.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassTransport represents connection-level failures (refused, reset, DNS).
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"
)

// RequestError is a transport-level failure with classification context.
type RequestError struct {
	URL   string
	Class ErrorClass
	Err   error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s error for %s: %v", e.Class, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// classifyTransport maps a transport error to an error class.
func classifyTransport(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassTransport
}

// shouldRetry reports whether an attempt with the given class is worth repeating.
// Client errors are final: repeating them wastes the remote's request budget.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassTimeout, ErrorClassTransport, ErrorClassServer:
		return true
	default:
		return false
	}
}
