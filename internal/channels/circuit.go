package channels

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// BreakerState is the circuit breaker state for one channel's outbound path.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerOptions tune the breaker. Zero values take the defaults.
type BreakerOptions struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	BackoffBase      time.Duration // first open duration (default 1s)
	BackoffCap       time.Duration // max open duration (default 60s)
}

const breakerJitter = 0.30

// Breaker is a per-channel circuit breaker guarding outbound sends. While
// open, sends fail fast without touching the provider; after the backoff a
// single probe is let through in half-open state.
type Breaker struct {
	channel string
	opts    BreakerOptions
	diag    *bus.DiagnosticsBus

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openCount     int // consecutive opens, drives exponential backoff
	reopenAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for a channel. diag may be nil.
func NewBreaker(channel string, opts BreakerOptions, diag *bus.DiagnosticsBus) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 60 * time.Second
	}
	return &Breaker{
		channel: channel,
		opts:    opts,
		diag:    diag,
		state:   BreakerClosed,
		now:     time.Now,
	}
}

// Allow reports whether a send attempt may proceed. In half-open state only
// one probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Before(b.reopenAt) {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// Success records a delivered send and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != BreakerClosed {
		b.openCount = 0
		b.transition(BreakerClosed)
	}
}

// Failure records a failed send. Threshold consecutive failures open the
// breaker; a failed half-open probe re-opens it with doubled backoff.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.open()
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	backoff := b.opts.BackoffBase << b.openCount
	if backoff > b.opts.BackoffCap || backoff <= 0 {
		backoff = b.opts.BackoffCap
	}
	// ±30% jitter so channels don't reopen in lockstep
	jitter := 1 + breakerJitter*(2*rand.Float64()-1)
	backoff = time.Duration(float64(backoff) * jitter)

	b.openCount++
	b.failures = 0
	b.reopenAt = b.now().Add(backoff)
	b.transition(BreakerOpen)
	slog.Warn("channel breaker opened", "channel", b.channel, "backoff", backoff)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.diag == nil || from == to {
		return
	}
	event := ""
	switch to {
	case BreakerOpen:
		event = protocol.EventBreakerOpen
	case BreakerHalfOpen:
		event = protocol.EventBreakerHalfOpen
	case BreakerClosed:
		event = protocol.EventBreakerClosed
	}
	b.diag.Publish(event, bus.BreakerPayload{
		Channel: b.channel,
		From:    string(from),
		To:      string(to),
	})
}
