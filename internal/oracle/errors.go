package oracle

import "fmt"

// UnavailableError reports that the oracle could not be reached or refused
// the call. It wraps the gateway error that caused it.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("oracle unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MalformedResponseError reports an answer that could not be parsed into the
// requested schema, even after repair.
type MalformedResponseError struct {
	Raw    string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("oracle response malformed: %s", e.Reason)
}

func (e *MalformedResponseError) Retryable() bool { return false }
