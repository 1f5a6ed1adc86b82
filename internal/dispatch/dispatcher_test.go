package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// fakeChannel records outbound calls and can fail a configured number of
// times.
type fakeChannel struct {
	name string

	mu        sync.Mutex
	texts     []string
	media     []string
	captions  []string
	reactions []string
	typing    int
	failTimes int
	failWith  error
}

func (f *fakeChannel) Name() string                     { return f.name }
func (f *fakeChannel) AccountID() string                { return "a1" }
func (f *fakeChannel) Start(context.Context) error      { return nil }
func (f *fakeChannel) Stop(context.Context) error       { return nil }
func (f *fakeChannel) IsRunning() bool                  { return true }

func (f *fakeChannel) SendText(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return f.failWith
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeChannel) SendMedia(_ context.Context, _ string, media bus.MediaRef, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, media.LocalPath)
	f.captions = append(f.captions, caption)
	return nil
}

func (f *fakeChannel) SendTyping(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeChannel) SendReaction(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+":"+emoji)
	return nil
}

func (f *fakeChannel) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.texts...)
}

func TestSinkBuffersUntilFinalize(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	sink := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42"})
	ctx := context.Background()

	if err := sink.SendBlock(ctx, "part one"); err != nil {
		t.Fatal(err)
	}
	if err := sink.SendBlock(ctx, "part two"); err != nil {
		t.Fatal(err)
	}
	if len(ch.sent()) != 0 {
		t.Fatal("text must not flush before finalize")
	}

	if err := sink.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	sent := ch.sent()
	if len(sent) != 1 {
		t.Fatalf("sends = %d", len(sent))
	}
	if sent[0] != "part one\n\npart two" {
		t.Fatalf("body = %q", sent[0])
	}
	if ch.typing == 0 {
		t.Fatal("typing indicator expected before flush")
	}
}

func TestSinkFlushesOnLimit(t *testing.T) {
	ch := &fakeChannel{name: "twitch"} // 500-char limit
	sink := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42"})
	ctx := context.Background()

	if err := sink.SendBlock(ctx, strings.Repeat("a", 600)); err != nil {
		t.Fatal(err)
	}
	if len(ch.sent()) == 0 {
		t.Fatal("oversized buffer must flush immediately")
	}
	for _, s := range ch.sent() {
		if runeLen(s) > 500 {
			t.Fatalf("chunk length %d over twitch limit", runeLen(s))
		}
	}
	_ = sink.Finalize(ctx)
}

func TestSinkIntervalFlush(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	sink := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42", FlushInterval: 30 * time.Millisecond})
	ctx := context.Background()

	if err := sink.SendBlock(ctx, "buffered"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ch.sent()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(ch.sent()) != 1 {
		t.Fatal("interval flush did not fire")
	}
	_ = sink.Finalize(ctx)
}

func TestSinkRetriesTransientFailures(t *testing.T) {
	ch := &fakeChannel{
		name:      "telegram",
		failTimes: 2,
		failWith:  channels.TransientAfter(errors.New("429"), time.Millisecond),
	}
	sink := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42"})
	ctx := context.Background()

	if err := sink.SendBlock(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := sink.Finalize(ctx); err != nil {
		t.Fatalf("finalize after retries: %v", err)
	}
	if len(ch.sent()) != 1 {
		t.Fatalf("sends = %d", len(ch.sent()))
	}
}

func TestSinkPermanentFailureDoesNotRetry(t *testing.T) {
	ch := &fakeChannel{
		name:      "telegram",
		failTimes: 10,
		failWith:  channels.Permanent(errors.New("bad chat")),
	}
	sink := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42"})
	ctx := context.Background()

	_ = sink.SendBlock(ctx, "hello")
	if err := sink.Finalize(ctx); err == nil {
		t.Fatal("permanent failure must surface")
	}
	ch.mu.Lock()
	remaining := ch.failTimes
	ch.mu.Unlock()
	if remaining != 9 {
		t.Fatalf("attempts = %d, want exactly 1", 10-remaining)
	}
}

func TestSinkMediaCaptionFirstItemOnly(t *testing.T) {
	dir := t.TempDir()
	var refs []bus.MediaRef
	for _, name := range []string{"a.bin", "b.bin"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("data"), 0600); err != nil {
			t.Fatal(err)
		}
		refs = append(refs, bus.MediaRef{LocalPath: p, ContentType: "application/octet-stream"})
	}

	ch := &fakeChannel{name: "telegram"}
	sink := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42"})

	if err := sink.SendMedia(context.Background(), refs, "the caption"); err != nil {
		t.Fatal(err)
	}
	if len(ch.captions) != 2 || ch.captions[0] != "the caption" || ch.captions[1] != "" {
		t.Fatalf("captions = %v", ch.captions)
	}
}

func TestSinkMediaOversizedPermanent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(p, make([]byte, 2<<20), 0600); err != nil {
		t.Fatal(err)
	}

	ch := &fakeChannel{name: "telegram"}
	sink := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42", MediaMaxMB: 1})

	err := sink.SendMedia(context.Background(), []bus.MediaRef{{LocalPath: p, ContentType: "application/zip"}}, "")
	if err == nil || channels.IsTransient(err) {
		t.Fatalf("oversized non-image must fail permanently, got %v", err)
	}
}

func TestSinkReactionGate(t *testing.T) {
	ch := &fakeChannel{name: "whatsapp"}
	ctx := context.Background()

	gated := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42"})
	err := gated.SendReaction(ctx, "m1", "👍")
	if err == nil || channels.IsTransient(err) {
		t.Fatalf("gated reaction must be a permanent error, got %v", err)
	}

	open := NewTurnSink(ch, nil, nil, SinkOptions{ChatID: "42", ReactionsEnabled: true})
	if err := open.SendReaction(ctx, "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	if len(ch.reactions) != 1 || ch.reactions[0] != "m1:👍" {
		t.Fatalf("reactions = %v", ch.reactions)
	}
}

func TestSinkCircuitOpenFailsFast(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	br := channels.NewBreaker("telegram", channels.BreakerOptions{FailureThreshold: 1, BackoffBase: time.Minute}, nil)
	br.Failure() // trip it

	sink := NewTurnSink(ch, br, nil, SinkOptions{ChatID: "42"})
	_ = sink.SendBlock(context.Background(), "hello")
	if err := sink.Finalize(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if len(ch.sent()) != 0 {
		t.Fatal("no provider call while breaker open")
	}
}

var _ agent.ReplySink = (*TurnSink)(nil)
