package channels

import (
	"errors"
	"fmt"
	"time"
)

// SendErrorKind classifies outbound delivery failures for the retry policy.
type SendErrorKind int

const (
	// SendTransient failures (timeouts, 5xx, rate limits) are retried.
	SendTransient SendErrorKind = iota
	// SendPermanent failures (bad chat ID, oversized media, forbidden) are not.
	SendPermanent
)

// SendError wraps a provider error with its retry classification and an
// optional provider-supplied retry delay.
type SendError struct {
	Kind       SendErrorKind
	RetryAfter time.Duration // 0 when the provider gave no hint
	Err        error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Kind == SendPermanent {
		kind = "permanent"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("send failed (%s, retry after %s): %v", kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %v", kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable send failure.
func Transient(err error) *SendError {
	return &SendError{Kind: SendTransient, Err: err}
}

// TransientAfter wraps err as retryable with a provider-specified delay.
func TransientAfter(err error, after time.Duration) *SendError {
	return &SendError{Kind: SendTransient, RetryAfter: after, Err: err}
}

// Permanent wraps err as a non-retryable send failure.
func Permanent(err error) *SendError {
	return &SendError{Kind: SendPermanent, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient so that plain network errors get the retry schedule.
func IsTransient(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind == SendTransient
	}
	return err != nil
}

// RetryAfterOf extracts the provider-specified retry delay, or 0.
func RetryAfterOf(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
