package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticEvent is one observation published on the diagnostics bus.
// Type is one of the protocol.Event* names; Payload is the matching typed
// struct below.
type DiagnosticEvent struct {
	Type    string
	At      time.Time
	Payload any
}

// Typed payloads for diagnostic events.
type (
	// ModelUsagePayload reports token usage of a completed turn.
	ModelUsagePayload struct {
		SessionKey   string
		Model        string
		InputTokens  int64
		OutputTokens int64
		DurationMs   int64
	}

	// MessageQueuedPayload marks an admitted envelope entering a lane.
	MessageQueuedPayload struct {
		MessageID  string
		Channel    string
		SessionKey string
	}

	// MessageProcessedPayload marks the terminal outcome of an envelope.
	MessageProcessedPayload struct {
		MessageID string
		Channel   string
		Outcome   string // protocol.Outcome* value
		Reason    string // denial reason, empty otherwise
	}

	// LaneQueuePayload describes enqueue/dequeue activity on a lane.
	LaneQueuePayload struct {
		Lane      string
		QueueSize int
		WaitMs    int64 // dequeue only
	}

	// SessionStatePayload reports a lane state transition.
	SessionStatePayload struct {
		SessionKey string
		State      string
	}

	// SessionStuckPayload reports a turn exceeding the stuck threshold.
	SessionStuckPayload struct {
		SessionKey string
		State      string
		AgeMs      int64
		QueueDepth int
	}

	// RunAttemptPayload reports one outbound send attempt.
	RunAttemptPayload struct {
		Channel string
		Attempt int
		Err     string
	}

	// WebhookPayload describes webhook ingress activity.
	WebhookPayload struct {
		Channel string
		Source  string
		Err     string
	}

	// BreakerPayload reports a circuit breaker transition.
	BreakerPayload struct {
		Channel string
		From    string
		To      string
	}

	// HeartbeatPayload is the periodic liveness event.
	HeartbeatPayload struct {
		Lanes   int
		Pending int
	}
)

// DiagnosticsBus is a process-wide best-effort publish/subscribe fan-out.
// Emitters never block: a subscriber whose buffer is full loses the event
// and the dropped counter increments. Observability must never back-pressure
// the dispatch path.
type DiagnosticsBus struct {
	mu      sync.RWMutex
	subs    map[int]chan DiagnosticEvent
	next    int
	dropped atomic.Uint64
}

// defaultSubscriberBuffer bounds each subscriber's event queue.
const defaultSubscriberBuffer = 256

// NewDiagnosticsBus creates an empty diagnostics bus.
func NewDiagnosticsBus() *DiagnosticsBus {
	return &DiagnosticsBus{subs: make(map[int]chan DiagnosticEvent)}
}

// Emit publishes an event to all subscribers. Never blocks.
func (b *DiagnosticsBus) Emit(ev DiagnosticEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Publish is shorthand for Emit with just a type and payload.
func (b *DiagnosticsBus) Publish(eventType string, payload any) {
	b.Emit(DiagnosticEvent{Type: eventType, Payload: payload})
}

// Subscribe registers fn to receive events on its own goroutine. The returned
// function unsubscribes and stops delivery.
func (b *DiagnosticsBus) Subscribe(fn func(DiagnosticEvent)) (unsubscribe func()) {
	ch := make(chan DiagnosticEvent, defaultSubscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()

	return func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *DiagnosticsBus) Dropped() uint64 {
	return b.dropped.Load()
}
