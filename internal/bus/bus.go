package bus

import (
	"context"
	"sync"
)

// MessageBus decouples channel adapters from the dispatch core. Emit never
// blocks the adapter: envelopes land in an internal FIFO and back-pressure is
// absorbed by the gateway's consumer, not the transport goroutine.
type MessageBus struct {
	mu      sync.Mutex
	queue   []InboundEnvelope
	notify  chan struct{}
	closed  bool
}

// NewMessageBus creates the inbound envelope queue.
func NewMessageBus() *MessageBus {
	return &MessageBus{notify: make(chan struct{}, 1)}
}

// Emit pushes a normalized envelope from an adapter into the gateway.
// Non-blocking; safe for concurrent use.
func (b *MessageBus) Emit(env InboundEnvelope) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, env)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// ConsumeInbound blocks until an envelope is available or the context is
// cancelled. The second return is false when the caller should stop.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEnvelope, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			env := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return env, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return InboundEnvelope{}, false
		}

		select {
		case <-ctx.Done():
			return InboundEnvelope{}, false
		case <-b.notify:
		}
	}
}

// Pending returns the number of queued envelopes.
func (b *MessageBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the bus. Subsequent Emit calls are dropped.
func (b *MessageBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
