package providers

import (
	"errors"
	"fmt"
)

// Error taxonomy for dispatcher failures. Retries are the queue's concern;
// the dispatcher only classifies.
var (
	// ErrUnreachable covers network, DNS, TLS, and timeout failures.
	ErrUnreachable = errors.New("provider unreachable")

	// ErrRejected covers HTTP >= 400 responses.
	ErrRejected = errors.New("provider rejected request")

	// ErrMalformedResponse covers non-JSON or content-free responses.
	ErrMalformedResponse = errors.New("provider returned malformed response")

	// ErrCancelled is returned when the caller's context is cancelled
	// mid-flight.
	ErrCancelled = errors.New("call cancelled")
)

// RejectedError carries the HTTP status and a scrubbed body snippet.
type RejectedError struct {
	Provider   string
	StatusCode int
	Snippet    string
}

func (e *RejectedError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("%s API returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Snippet)
}

// Unwrap lets errors.Is match ErrRejected.
func (e *RejectedError) Unwrap() error { return ErrRejected }

// StatusCode extracts the upstream HTTP status from an error chain, or 0.
func StatusCode(err error) int {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}
