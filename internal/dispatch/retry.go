package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryCap      = 30 * time.Second
	retryJitter   = 0.10
)

// withRetry runs an outbound send with exponential backoff on transient
// failures. Permanent errors return immediately; a provider Retry-After hint
// replaces the computed backoff. Each attempt emits run.attempt.
func withRetry(ctx context.Context, channel string, diag *bus.DiagnosticsBus, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()

		if diag != nil {
			errStr := ""
			if err != nil {
				errStr = err.Error()
			}
			diag.Publish(protocol.EventRunAttempt, bus.RunAttemptPayload{
				Channel: channel,
				Attempt: attempt,
				Err:     errStr,
			})
		}

		if err == nil || !channels.IsTransient(err) || attempt == retryAttempts {
			return err
		}

		delay := backoffDelay(attempt)
		if after := channels.RetryAfterOf(err); after > 0 {
			delay = after
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func backoffDelay(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCap {
		d = retryCap
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
