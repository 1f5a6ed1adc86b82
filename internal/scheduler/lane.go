package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// ErrLaneCancelled is the cooperative cancellation cause delivered to an
// active turn via CancelActive or the stuck-lane sweeper.
var ErrLaneCancelled = errors.New("lane turn cancelled")

// laneItem is one queued unit of work. Debounce coalescing merges several
// admitted envelopes into one item; messageIDs keeps every constituent so
// each gets its terminal message.processed event.
type laneItem struct {
	env        *bus.InboundEnvelope
	messageIDs []string
	sender     string
	enqueuedAt time.Time
	readyAt    time.Time // enqueuedAt + debounce window, extended on coalesce
}

// Lane is the single-slot FIFO scheduler for one session key. At most one
// item is active at any time; everything else waits in strict FIFO order.
type Lane struct {
	key     string
	channel string
	sched   *Scheduler

	mu              sync.Mutex
	queue           []*laneItem
	active          *laneItem
	cancelActive    context.CancelCauseFunc
	processingSince time.Time
	stuckReported   bool
	lastActivity    time.Time
	draining        bool

	wake chan struct{}
	done chan struct{}
}

func newLane(key, channel string, sched *Scheduler) *Lane {
	return &Lane{
		key:          key,
		channel:      channel,
		sched:        sched,
		lastActivity: time.Now(),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// enqueue appends or coalesces an admitted envelope. Returns false when the
// lane is draining and accepts no new work.
func (l *Lane) enqueue(env *bus.InboundEnvelope, window time.Duration) bool {
	now := time.Now()
	env.EnqueueAtMs = now.UnixMilli()

	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return false
	}
	l.lastActivity = now

	if window > 0 && len(l.queue) > 0 {
		tail := l.queue[len(l.queue)-1]
		if tail.sender == env.SenderID && now.Before(tail.readyAt) {
			l.coalesceLocked(tail, env, now, window)
			size := len(l.queue)
			l.mu.Unlock()
			l.sched.diag.Publish(protocol.EventLaneEnqueue, bus.LaneQueuePayload{Lane: l.key, QueueSize: size})
			l.kick()
			return true
		}
	}

	l.queue = append(l.queue, &laneItem{
		env:        env,
		messageIDs: []string{env.MessageID},
		sender:     env.SenderID,
		enqueuedAt: now,
		readyAt:    now.Add(window),
	})
	size := len(l.queue)
	l.mu.Unlock()

	l.sched.diag.Publish(protocol.EventLaneEnqueue, bus.LaneQueuePayload{Lane: l.key, QueueSize: size})
	l.kick()
	return true
}

// coalesceLocked merges env into the tail item: bodies newline-joined,
// mentions unioned, latest envelope's metadata kept.
func (l *Lane) coalesceLocked(tail *laneItem, env *bus.InboundEnvelope, now time.Time, window time.Duration) {
	merged := *env
	if tail.env.Body != "" && env.Body != "" {
		merged.Body = tail.env.Body + "\n" + env.Body
	} else if env.Body == "" {
		merged.Body = tail.env.Body
	}
	merged.Mentions = unionStrings(tail.env.Mentions, env.Mentions)
	merged.MentionsBot = tail.env.MentionsBot || env.MentionsBot
	merged.MediaRefs = append(append([]bus.MediaRef{}, tail.env.MediaRefs...), env.MediaRefs...)
	merged.EnqueueAtMs = tail.env.EnqueueAtMs

	tail.env = &merged
	tail.messageIDs = append(tail.messageIDs, env.MessageID)
	tail.readyAt = now.Add(window)
}

// kick nudges the worker without blocking.
func (l *Lane) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// CancelActive signals the active turn to stop. The queue is preserved.
func (l *Lane) CancelActive(reason string) {
	l.mu.Lock()
	cancel := l.cancelActive
	l.mu.Unlock()
	if cancel != nil {
		slog.Info("cancelling active turn", "lane", l.key, "reason", reason)
		cancel(ErrLaneCancelled)
	}
}

// DrainAndStop refuses new enqueues, lets the active turn and queued items
// complete, then terminates the worker.
func (l *Lane) DrainAndStop() {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()
	l.kick()
	<-l.done
}

// depth returns queued plus active item count.
func (l *Lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.queue)
	if l.active != nil {
		n++
	}
	return n
}

// idleSince reports how long the lane has been without queued or active
// work. Zero when busy.
func (l *Lane) idleSince(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil || len(l.queue) > 0 {
		return 0
	}
	return now.Sub(l.lastActivity)
}

// run is the lane worker. It owns the lane's dequeue loop: wait for the head
// item to become ready, claim a concurrency slot, execute the turn, repeat.
func (l *Lane) run(ctx context.Context) {
	defer close(l.done)

	for {
		item, wait, stop := l.next()
		if stop {
			return
		}
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			case <-time.After(wait):
			}
			continue
		}

		if !l.sched.acquire(ctx, l.channel) {
			return
		}
		l.execute(ctx, item)
		l.sched.release(l.channel)
	}
}

// next pops the head item when it is ready. Returns (nil, wait, false) when
// the worker should sleep, and stop=true when a draining lane ran dry.
func (l *Lane) next() (item *laneItem, wait time.Duration, stop bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		if l.draining {
			return nil, 0, true
		}
		return nil, time.Hour, false
	}

	head := l.queue[0]
	now := time.Now()
	if now.Before(head.readyAt) {
		return nil, head.readyAt.Sub(now), false
	}

	l.queue = l.queue[1:]
	l.active = head
	l.processingSince = now
	l.stuckReported = false
	return head, 0, false
}

// execute runs one turn and publishes its lifecycle events.
func (l *Lane) execute(ctx context.Context, item *laneItem) {
	queueSize := func() int {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.queue)
	}()
	waitMs := time.Since(item.enqueuedAt).Milliseconds()

	l.sched.diag.Publish(protocol.EventLaneDequeue, bus.LaneQueuePayload{Lane: l.key, QueueSize: queueSize, WaitMs: waitMs})
	l.sched.diag.Publish(protocol.EventSessionState, bus.SessionStatePayload{SessionKey: l.key, State: protocol.SessionStateProcessing})

	turnCtx, cancel := context.WithCancelCause(ctx)
	l.mu.Lock()
	l.cancelActive = cancel
	l.mu.Unlock()

	spanCtx, span := l.sched.tracer.Start(turnCtx, "gateway.turn")
	span.SetAttributes(
		attribute.String("session.key", l.key),
		attribute.String("channel", l.channel),
		attribute.Int64("queue.wait_ms", waitMs),
	)

	err := l.sched.run(spanCtx, l.key, item.env)

	outcome := protocol.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(context.Cause(turnCtx), ErrLaneCancelled):
		outcome = protocol.OutcomeCancelled
		span.SetStatus(codes.Error, "cancelled")
	default:
		outcome = protocol.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("turn failed", "lane", l.key, "error", err)
	}
	span.End()
	cancel(nil)

	l.mu.Lock()
	l.active = nil
	l.cancelActive = nil
	l.processingSince = time.Time{}
	l.lastActivity = time.Now()
	l.mu.Unlock()

	for _, id := range item.messageIDs {
		l.sched.diag.Publish(protocol.EventMessageProcessed, bus.MessageProcessedPayload{
			MessageID: id,
			Channel:   item.env.Channel,
			Outcome:   outcome,
		})
	}
	l.sched.diag.Publish(protocol.EventSessionState, bus.SessionStatePayload{SessionKey: l.key, State: protocol.SessionStateIdle})
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
