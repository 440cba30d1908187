package marketdata

import (
	"errors"
	"fmt"

	"github.com/sells-group/marketsync/internal/resilience"
)

// BatchTooLargeError reports a Fetch call with more identifiers than the
// configured batch cap. This is a caller programming error: fail fast, never
// retry.
type BatchTooLargeError struct {
	Requested int
	Max       int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("marketdata: batch of %d exceeds cap of %d", e.Requested, e.Max)
}

// VendorError is a non-retryable vendor failure: an embedded error field in
// the response body, or a 4xx status other than 429. Callers must not retry
// blindly.
type VendorError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *VendorError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("marketdata: vendor error %s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("marketdata: vendor returned status %d: %s", e.StatusCode, e.Message)
}

// RetriesExhaustedError wraps the last error after the retry budget is spent.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("marketdata: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetryable reports whether the error is a transient condition (429, 5xx,
// network) that a caller with remaining budget may retry.
func IsRetryable(err error) bool {
	var bte *BatchTooLargeError
	var ve *VendorError
	if errors.As(err, &bte) || errors.As(err, &ve) {
		return false
	}
	return resilience.IsTransient(err)
}

// IsRateLimited reports whether the error chain carries an HTTP 429.
func IsRateLimited(err error) bool {
	var te *resilience.TransientError
	return errors.As(err, &te) && te.StatusCode == 429
}
