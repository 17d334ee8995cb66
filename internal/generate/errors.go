package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TransientError marks a retryable generation failure: timeouts, rate
// limits, and transient network or service errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient generation error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable generation failure: a malformed
// aggregate or content the service rejected.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent generation error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient creates a TransientError.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent creates a PermanentError.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// permanentMarkers are substrings of provider errors that indicate the
// request itself is bad and retrying is pointless.
var permanentMarkers = []string{
	"status code: 400",
	"status code: 401",
	"status code: 403",
	"status code: 404",
	"status code: 413",
	"status code: 422",
	"invalid request",
	"content filter",
	"context length",
}

// classify wraps a raw provider error as transient or permanent. Already
// classified errors pass through. A cancelled or timed-out call is
// transient; unrecognized errors default to transient so a flaky provider
// never dead-letters a period on the first hiccup.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return Permanent(err)
		}
	}
	return Transient(err)
}
