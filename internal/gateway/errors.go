package gateway

import (
	"errors"
	"fmt"
	"time"
)

// TransportError wraps a failure to reach an endpoint at all.
// Transport errors are always retryable.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError carries an upstream status code.
// 429 and 5xx are retryable; an optional retry-after overrides the computed delay.
type StatusError struct {
	Code  int
	After time.Duration
	Err   error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("upstream status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// RetryAfter returns the server-supplied wait, or zero.
func (e *StatusError) RetryAfter() time.Duration { return e.After }

// QueueSaturatedError is returned immediately when an endpoint's queue is full.
type QueueSaturatedError struct {
	Endpoint string
	Limit    int
}

func (e *QueueSaturatedError) Error() string {
	return fmt.Sprintf("queue for %s saturated (limit %d)", e.Endpoint, e.Limit)
}

// TimeoutError reports a call that exceeded its class timeout or the
// cancellation grace period.
type TimeoutError struct {
	Endpoint string
	Class    CallClass
	After    time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	class := string(e.Class)
	if class == "" {
		class = "default"
	}
	if e.After > 0 {
		return fmt.Sprintf("%s call to %s timed out after %s", class, e.Endpoint, e.After)
	}
	return fmt.Sprintf("%s call to %s timed out", class, e.Endpoint)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

type retryAfterer interface {
	RetryAfter() time.Duration
}

// retryClassifier lets domain errors declare their own retry policy.
// The first classifier found in the chain wins.
type retryClassifier interface {
	Retryable() bool
}

// IsRetryable reports whether err should be retried with backoff.
// Transport errors, timeouts, 429, and 5xx statuses are retryable; everything
// else propagates immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rc retryClassifier
	if errors.As(err, &rc) {
		return rc.Retryable()
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	return false
}

// IsSaturated reports whether err is a QueueSaturatedError.
func IsSaturated(err error) bool {
	var qe *QueueSaturatedError
	return errors.As(err, &qe)
}

func retryAfterOf(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
