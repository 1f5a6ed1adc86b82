package admission

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []string
}

func (f *fakeSender) SendText(_ context.Context, channel, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, channel+"/"+chatID)
	return nil
}

type fixture struct {
	ctrl    *Controller
	pairing *Pairing
	sender  *fakeSender
	diag    *bus.DiagnosticsBus
	cfg     *config.Config

	connectedAt time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	sender := &fakeSender{}
	allow := store.NewAllowFromStore(dir)
	pairing := NewPairing(store.NewPairingStore(dir), allow, sender)

	f := &fixture{
		pairing:     pairing,
		sender:      sender,
		diag:        bus.NewDiagnosticsBus(),
		cfg:         cfg,
		connectedAt: time.Now(),
	}
	f.ctrl = NewController(cfg, bus.NewDedupeCache(10*time.Minute, 10000), allow, pairing, f.diag,
		func(string) time.Time { return f.connectedAt })
	return f
}

func dmEnv(sender string) *bus.InboundEnvelope {
	return &bus.InboundEnvelope{
		MessageID:        "m-" + sender,
		Channel:          "telegram",
		AccountID:        "a1",
		ChatType:         bus.ChatDirect,
		ChatID:           sender,
		SenderID:         sender,
		Body:             "hello",
		ReceivedAtMs:     time.Now().UnixMilli(),
		ProviderSentAtMs: time.Now().UnixMilli(),
	}
}

func TestPairingIssuance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.ctrl.Admit(ctx, dmEnv("U1"))
	if d.Admitted {
		t.Fatal("unknown sender under pairing policy must not be admitted")
	}
	if d.Denial.Reason != ReasonPairingPending {
		t.Fatalf("reason = %q", d.Denial.Reason)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("replies = %d, want exactly 1", len(f.sender.sent))
	}
	if !strings.Contains(f.sender.sent[0], "Pairing code:") || !strings.Contains(f.sender.sent[0], "U1") {
		t.Fatalf("reply body = %q", f.sender.sent[0])
	}

	pending, err := f.pairing.Pending("telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].SenderID != "U1" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestPairingReplyOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env := dmEnv("U1")
		env.MessageID = env.MessageID + string(rune('a'+i))
		f.ctrl.Admit(ctx, env)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("replies = %d, want 1 while request pending", len(f.sender.sent))
	}
}

func TestHistoricalSuppression(t *testing.T) {
	f := newFixture(t)
	env := dmEnv("U1")
	env.ProviderSentAtMs = f.connectedAt.Add(-60 * time.Second).UnixMilli()

	d := f.ctrl.Admit(context.Background(), env)
	if d.Admitted {
		t.Fatal("historical backlog must not dispatch")
	}
	if !d.ReadOnly || !env.ReadOnly {
		t.Fatal("historical backlog is read-only admitted")
	}
	if len(f.sender.sent) != 0 {
		t.Fatal("no pairing reply for historical messages")
	}
	if pending, _ := f.pairing.Pending("telegram"); len(pending) != 0 {
		t.Fatal("no pairing request for historical messages")
	}
}

func TestDuplicateDenied(t *testing.T) {
	f := newFixture(t)
	f.cfg.Channels.Telegram.DMPolicy = "open"
	ctx := context.Background()

	var mu sync.Mutex
	var outcomes []string
	unsub := f.diag.Subscribe(func(ev bus.DiagnosticEvent) {
		if ev.Type == protocol.EventMessageProcessed {
			mu.Lock()
			outcomes = append(outcomes, ev.Payload.(bus.MessageProcessedPayload).Outcome)
			mu.Unlock()
		}
	})
	defer unsub()

	env1 := dmEnv("U1")
	env2 := dmEnv("U1") // identical dedupe key

	if d := f.ctrl.Admit(ctx, env1); !d.Admitted {
		t.Fatalf("first envelope must be admitted: %+v", d.Denial)
	}
	d := f.ctrl.Admit(ctx, env2)
	if d.Admitted || d.Denial.Reason != ReasonDuplicate {
		t.Fatalf("second envelope: %+v", d)
	}
	if d.Denial.Outcome != protocol.OutcomeDuplicate {
		t.Fatalf("outcome = %q", d.Denial.Outcome)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(outcomes)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no message.processed event observed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if outcomes[0] != protocol.OutcomeDuplicate {
		t.Fatalf("outcomes = %v", outcomes)
	}
}

func TestSelfMessageFiltered(t *testing.T) {
	f := newFixture(t)
	f.cfg.Channels.Telegram.DMPolicy = "open"

	env := dmEnv("bot")
	env.FromSelf = true
	if d := f.ctrl.Admit(context.Background(), env); d.Admitted || d.Denial.Reason != ReasonSelfMessage {
		t.Fatalf("decision = %+v", d)
	}

	f.cfg.Channels.Telegram.SelfChat = true
	env2 := dmEnv("bot")
	env2.MessageID = "m-self-2"
	env2.FromSelf = true
	if d := f.ctrl.Admit(context.Background(), env2); !d.Admitted {
		t.Fatal("self-chat mode must admit owner self messages")
	}
}

func groupEnv(chatID string, mentions bool) *bus.InboundEnvelope {
	return &bus.InboundEnvelope{
		MessageID:        "g-" + chatID,
		Channel:          "telegram",
		AccountID:        "a1",
		ChatType:         bus.ChatGroup,
		ChatID:           chatID,
		SenderID:         "U9",
		Body:             "hi",
		MentionsBot:      mentions,
		ProviderSentAtMs: time.Now().UnixMilli(),
	}
}

func TestGroupAllowlistPass(t *testing.T) {
	f := newFixture(t)
	f.cfg.Channels.Telegram.GroupPolicy = "allowlist"
	f.cfg.Channels.Telegram.GroupAllowFrom = config.FlexibleStringSlice{"g1"}

	if d := f.ctrl.Admit(context.Background(), groupEnv("g1", true)); !d.Admitted {
		t.Fatalf("decision = %+v", d.Denial)
	}
}

func TestGroupAllowlistBlock(t *testing.T) {
	f := newFixture(t)
	f.cfg.Channels.Telegram.GroupPolicy = "allowlist"
	f.cfg.Channels.Telegram.GroupAllowFrom = config.FlexibleStringSlice{"g1"}

	d := f.ctrl.Admit(context.Background(), groupEnv("g2", true))
	if d.Admitted || d.Denial.Reason != ReasonNotInAllowlist {
		t.Fatalf("decision = %+v", d)
	}
}

func TestGroupMentionGate(t *testing.T) {
	f := newFixture(t)

	d := f.ctrl.Admit(context.Background(), groupEnv("g1", false))
	if d.Admitted || d.Denial.Reason != ReasonNoMention {
		t.Fatalf("decision = %+v", d)
	}

	off := false
	f.cfg.Channels.Telegram.RequireMention = &off
	env := groupEnv("g1", false)
	env.MessageID = "g-n2"
	if d := f.ctrl.Admit(context.Background(), env); !d.Admitted {
		t.Fatal("mention gate disabled must admit")
	}
}

func TestDMDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Channels.Telegram.DMPolicy = "disabled"

	d := f.ctrl.Admit(context.Background(), dmEnv("U1"))
	if d.Admitted || d.Denial.Reason != ReasonDMDisabled {
		t.Fatalf("decision = %+v", d)
	}
}

func TestApproveAdmitsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ctrl.Admit(ctx, dmEnv("U1"))
	pending, _ := f.pairing.Pending("telegram")
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	code := pending[0].Code

	req, ok, err := f.pairing.Approve("telegram", code)
	if err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	if req.SenderID != "U1" {
		t.Fatalf("req = %+v", req)
	}

	// Second approval is a no-op, not an error.
	if _, ok, err := f.pairing.Approve("telegram", code); err != nil || ok {
		t.Fatalf("second approve: ok=%v err=%v", ok, err)
	}

	// The sender is now admitted.
	env := dmEnv("U1")
	env.MessageID = "m-post-approve"
	if d := f.ctrl.Admit(ctx, env); !d.Admitted {
		t.Fatalf("approved sender must be admitted: %+v", d.Denial)
	}
	if len(f.sender.sent) != 1 {
		t.Fatal("no additional pairing reply after approval")
	}
}
