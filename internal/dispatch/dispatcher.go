package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// ErrCircuitOpen fails a send fast while the channel's breaker is open.
var ErrCircuitOpen = errors.New("channel circuit breaker open")

// SinkOptions configure one turn's reply sink.
type SinkOptions struct {
	ChatID           string
	ChunkLimit       int // 0 = channel default
	TableMode        string
	FlushInterval    time.Duration // 0 = flush only on limit/finalize
	MediaMaxMB       int
	ReactionsEnabled bool
}

// TurnSink implements agent.ReplySink for one turn on one lane. Text blocks
// accumulate in a buffer flushed on finalize, on exceeding the channel chunk
// limit, or when the flush interval elapses. All delivery goes through the
// channel's retry schedule and circuit breaker.
type TurnSink struct {
	ch      channels.Channel
	breaker *channels.Breaker
	diag    *bus.DiagnosticsBus
	opts    SinkOptions
	limit   int

	mu         sync.Mutex
	buf        strings.Builder
	flushTimer *time.Timer
	typingOn   bool
	finalized  bool
}

// NewTurnSink builds the reply sink for a turn addressed to opts.ChatID.
// breaker and diag may be nil.
func NewTurnSink(ch channels.Channel, breaker *channels.Breaker, diag *bus.DiagnosticsBus, opts SinkOptions) *TurnSink {
	return &TurnSink{
		ch:      ch,
		breaker: breaker,
		diag:    diag,
		opts:    opts,
		limit:   ChunkLimit(ch.Name(), opts.ChunkLimit),
	}
}

var _ agent.ReplySink = (*TurnSink)(nil)

// SendBlock buffers one text block. Blocks are separated by blank lines.
func (s *TurnSink) SendBlock(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return errors.New("send after finalize")
	}
	if s.buf.Len() > 0 {
		s.buf.WriteString("\n\n")
	}
	s.buf.WriteString(text)
	over := runeLen(s.buf.String()) >= s.limit
	if !over && s.opts.FlushInterval > 0 && s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.opts.FlushInterval, s.flushOnTimer)
	}
	s.mu.Unlock()

	if over {
		return s.flush(ctx)
	}
	return nil
}

// SendMedia delivers media items in order. Buffered text flushes first so
// replies stay FIFO; caption accompanies only the first item.
func (s *TurnSink) SendMedia(ctx context.Context, media []bus.MediaRef, caption string) error {
	if err := s.flush(ctx); err != nil {
		return err
	}
	for i, ref := range media {
		prepared, err := prepareMedia(ref, MediaLimitBytes(s.opts.MediaMaxMB))
		if err != nil {
			return err
		}
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		if err := s.send(ctx, func() error {
			return s.ch.SendMedia(ctx, s.opts.ChatID, prepared, itemCaption)
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendReaction attaches an emoji reaction, subject to the channel gate.
// A disabled gate is a permanent, operator-visible failure rather than a
// silent drop.
func (s *TurnSink) SendReaction(ctx context.Context, targetMessageID, emoji string) error {
	if !s.opts.ReactionsEnabled {
		return channels.Permanent(fmt.Errorf("reactions disabled for channel %s", s.ch.Name()))
	}
	rc, ok := s.ch.(channels.ReactionChannel)
	if !ok {
		return channels.Permanent(fmt.Errorf("channel %s does not support reactions", s.ch.Name()))
	}
	return s.send(ctx, func() error {
		return rc.SendReaction(ctx, s.opts.ChatID, targetMessageID, emoji)
	})
}

// SendTyping updates the typing indicator. Best-effort: unsupported
// channels and failures are ignored.
func (s *TurnSink) SendTyping(ctx context.Context, state agent.TypingState) error {
	tc, ok := s.ch.(channels.TypingChannel)
	if !ok {
		return nil
	}
	if state == agent.TypingIdle {
		s.mu.Lock()
		s.typingOn = false
		s.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	s.typingOn = true
	s.mu.Unlock()
	_ = tc.SendTyping(ctx, s.opts.ChatID)
	return nil
}

// Finalize flushes remaining text and clears the typing indicator.
func (s *TurnSink) Finalize(ctx context.Context) error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	err := s.flush(ctx)

	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()

	_ = s.SendTyping(ctx, agent.TypingIdle)
	return err
}

// flushOnTimer services the interval flush outside any caller context.
func (s *TurnSink) flushOnTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.flush(ctx)
}

// flush rewrites tables, chunks, and delivers the buffered text.
func (s *TurnSink) flush(ctx context.Context) error {
	s.mu.Lock()
	text := s.buf.String()
	s.buf.Reset()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil
	}

	text = RewriteTables(text, s.opts.TableMode)
	chunks := Chunk(text, s.limit)

	// Typing before a non-trivial delivery.
	_ = s.SendTyping(ctx, agent.TypingComposing)

	for _, chunk := range chunks {
		if err := s.send(ctx, func() error {
			return s.ch.SendText(ctx, s.opts.ChatID, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

// send runs one delivery through the breaker and the retry schedule.
func (s *TurnSink) send(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if s.breaker != nil && !s.breaker.Allow() {
			return channels.Transient(ErrCircuitOpen)
		}
		err := fn()
		if s.breaker != nil && !errors.Is(err, ErrCircuitOpen) {
			if err == nil {
				s.breaker.Success()
			} else if channels.IsTransient(err) {
				s.breaker.Failure()
			}
		}
		return err
	}
	return withRetry(ctx, s.ch.Name(), s.diag, attempt)
}

// Flush forces delivery of buffered text; used by callers that interleave
// their own sends.
func (s *TurnSink) Flush(ctx context.Context) error {
	return s.flush(ctx)
}
