// Package scheduler serializes all work touching one conversation. Each
// session key owns a lane: a single-slot FIFO queue with optional debounce
// coalescing. Lanes run in parallel up to a global concurrency cap, with a
// per-channel cap so a burst on one channel cannot starve the others.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// TurnFunc executes one agent turn for a lane. The scheduler guarantees no
// two invocations run concurrently for the same session key.
type TurnFunc func(ctx context.Context, sessionKey string, env *bus.InboundEnvelope) error

// Options tune the scheduler. Zero values take the defaults.
type Options struct {
	MaxConcurrentTurns int                        // default NumCPU*2
	LaneIdleAfter      time.Duration              // reap idle lanes (default 5m)
	StuckThreshold     time.Duration              // session.stuck alarm (default 10m)
	StuckGrace         time.Duration              // force-cancel after alarm (default 60s)
	SweepInterval      time.Duration              // sweeper cadence (default 60s)
	DebounceWindow     func(channel string) int   // per-channel window in ms
}

func (o *Options) withDefaults() {
	if o.MaxConcurrentTurns <= 0 {
		o.MaxConcurrentTurns = runtime.NumCPU() * 2
	}
	if o.LaneIdleAfter <= 0 {
		o.LaneIdleAfter = 5 * time.Minute
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 10 * time.Minute
	}
	if o.StuckGrace <= 0 {
		o.StuckGrace = 60 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.DebounceWindow == nil {
		o.DebounceWindow = func(string) int { return 0 }
	}
}

// Scheduler owns the lane table and the stuck-lane sweeper.
type Scheduler struct {
	opts   Options
	run    TurnFunc
	diag   *bus.DiagnosticsBus
	tracer trace.Tracer

	mu    sync.Mutex
	lanes map[string]*Lane

	global     chan struct{}            // global concurrency slots
	perChannel map[string]chan struct{} // per-channel-class slots
	chanCap    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start before enqueuing.
func New(run TurnFunc, diag *bus.DiagnosticsBus, opts Options) *Scheduler {
	opts.withDefaults()
	chanCap := opts.MaxConcurrentTurns/2 + 1
	return &Scheduler{
		opts:       opts,
		run:        run,
		diag:       diag,
		tracer:     otel.Tracer("clawgate/scheduler"),
		lanes:      make(map[string]*Lane),
		global:     make(chan struct{}, opts.MaxConcurrentTurns),
		perChannel: make(map[string]chan struct{}),
		chanCap:    chanCap,
	}
}

// Start launches the sweeper. The scheduler runs until Shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.sweep()
}

// Enqueue admits an envelope onto its session key's lane, creating the lane
// on first use. Emits message.queued for the envelope.
func (s *Scheduler) Enqueue(sessionKey string, env *bus.InboundEnvelope) {
	window := time.Duration(s.opts.DebounceWindow(env.Channel)) * time.Millisecond
	for {
		lane := s.laneFor(sessionKey, env.Channel)
		if lane.enqueue(env, window) {
			break
		}
		if s.ctx != nil && s.ctx.Err() != nil {
			slog.Warn("enqueue dropped, scheduler stopped", "lane", sessionKey)
			return
		}
		// Lost the race with the idle reaper: forget the draining lane and
		// retry on a fresh one so the admitted envelope is never dropped.
		s.mu.Lock()
		if s.lanes[sessionKey] == lane {
			delete(s.lanes, sessionKey)
		}
		s.mu.Unlock()
	}
	s.diag.Publish(protocol.EventMessageQueued, bus.MessageQueuedPayload{
		MessageID:  env.MessageID,
		Channel:    env.Channel,
		SessionKey: sessionKey,
	})
}

// Lane returns the lane for a session key, if live.
func (s *Scheduler) Lane(sessionKey string) (*Lane, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[sessionKey]
	return l, ok
}

// LaneCount returns the number of live lanes.
func (s *Scheduler) LaneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// PendingDepth sums queued and active items across lanes.
func (s *Scheduler) PendingDepth() int {
	s.mu.Lock()
	lanes := make([]*Lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	total := 0
	for _, l := range lanes {
		total += l.depth()
	}
	return total
}

// Shutdown drains every lane and stops the sweeper.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	lanes := make([]*Lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.DrainAndStop()
		}()
	}
	wg.Wait()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) laneFor(sessionKey, channel string) *Lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[sessionKey]; ok {
		return l
	}
	l := newLane(sessionKey, channel, s)
	s.lanes[sessionKey] = l
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.run(ctx)
	}()
	return l
}

// acquire claims a per-channel slot then a global slot. The per-channel cap
// keeps one busy channel from occupying every global slot.
func (s *Scheduler) acquire(ctx context.Context, channel string) bool {
	ch := s.channelSlots(channel)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	select {
	case s.global <- struct{}{}:
		return true
	case <-ctx.Done():
		<-ch
		return false
	}
}

func (s *Scheduler) release(channel string) {
	<-s.global
	<-s.channelSlots(channel)
}

func (s *Scheduler) channelSlots(channel string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.perChannel[channel]
	if !ok {
		ch = make(chan struct{}, s.chanCap)
		s.perChannel[channel] = ch
	}
	return ch
}

// sweep is the background watchdog: it reports and eventually force-cancels
// stuck turns, and reaps idle lanes.
func (s *Scheduler) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Scheduler) sweepOnce(now time.Time) {
	s.mu.Lock()
	lanes := make(map[string]*Lane, len(s.lanes))
	for k, l := range s.lanes {
		lanes[k] = l
	}
	s.mu.Unlock()

	for key, l := range lanes {
		l.mu.Lock()
		var age time.Duration
		processing := l.active != nil && !l.processingSince.IsZero()
		if processing {
			age = now.Sub(l.processingSince)
		}
		reported := l.stuckReported
		depth := len(l.queue)
		l.mu.Unlock()

		if processing && age >= s.opts.StuckThreshold {
			if !reported {
				l.mu.Lock()
				l.stuckReported = true
				l.mu.Unlock()
				s.diag.Publish(protocol.EventSessionStuck, bus.SessionStuckPayload{
					SessionKey: key,
					State:      protocol.SessionStateProcessing,
					AgeMs:      age.Milliseconds(),
					QueueDepth: depth,
				})
				slog.Warn("stuck lane detected", "lane", key, "age", age, "queue_depth", depth)
			}
			if age >= s.opts.StuckThreshold+s.opts.StuckGrace {
				l.CancelActive("stuck past grace")
			}
			continue
		}

		if idle := l.idleSince(now); idle >= s.opts.LaneIdleAfter {
			s.mu.Lock()
			delete(s.lanes, key)
			s.mu.Unlock()
			go l.DrainAndStop()
			slog.Debug("reaped idle lane", "lane", key, "idle", idle)
		}
	}
}
