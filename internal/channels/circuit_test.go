package channels

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("telegram", BreakerOptions{FailureThreshold: 3}, nil)

	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != BreakerClosed {
		t.Fatal("breaker opened below threshold")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("breaker must open at threshold")
	}
	if b.Allow() {
		t.Fatal("open breaker must fail fast")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("discord", BreakerOptions{FailureThreshold: 1, BackoffBase: time.Second}, nil)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure()
	if b.Allow() {
		t.Fatal("must be open right after tripping")
	}

	// Past the backoff (cap jitter at +30% of 1s)
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expired backoff must admit a probe")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if b.Allow() {
		t.Fatal("only one probe may be in flight")
	}

	b.Success()
	if b.State() != BreakerClosed {
		t.Fatal("successful probe must close the breaker")
	}
	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker("whatsapp", BreakerOptions{FailureThreshold: 1, BackoffBase: time.Second, BackoffCap: time.Minute}, nil)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure()
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe expected")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("failed probe must reopen")
	}
	// Backoff doubled: even +30% jitter on 2s stays under 3s.
	now = now.Add(1300 * time.Millisecond)
	if b.Allow() {
		t.Fatal("reopened breaker must honor the doubled backoff")
	}
}

func TestSendErrorClassification(t *testing.T) {
	if !IsTransient(Transient(errors.New("timeout"))) {
		t.Fatal("Transient must be retryable")
	}
	if IsTransient(Permanent(errors.New("bad chat"))) {
		t.Fatal("Permanent must not be retryable")
	}
	if !IsTransient(errors.New("plain")) {
		t.Fatal("unclassified errors default to transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil is not an error")
	}

	err := TransientAfter(errors.New("429"), 7*time.Second)
	if RetryAfterOf(err) != 7*time.Second {
		t.Fatal("retry-after not propagated")
	}
	if RetryAfterOf(errors.New("plain")) != 0 {
		t.Fatal("plain errors carry no retry-after")
	}
}
