package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUngracefulStop is returned by Worker.Stop when the loop did not exit in time.
	ErrUngracefulStop = errors.New("dispatch worker did not stop in time")
	ErrAlreadyStarted = errors.New("dispatch worker already started")
)

// Permanent marks a delivery failure that retrying cannot fix (bad request,
// unknown chat, malformed payload). The worker dead-letters it immediately.
//
//	return dispatch.Permanent(fmt.Errorf("webhook: status %d", code))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RateLimited marks a failure caused by the channel throttling us. after is
// the delay the channel asked for; the queue uses it instead of its backoff
// schedule.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// RateLimitedError is implemented by errors that carry a requested retry delay.
type RateLimitedError interface {
	error
	RetryAfter() time.Duration
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string             { return fmt.Sprintf("rate limited (%s): %v", e.after, e.err) }
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.after }

// RetryAfter extracts the requested delay from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e RateLimitedError
	if errors.As(err, &e) {
		return e.RetryAfter(), true
	}
	return 0, false
}
