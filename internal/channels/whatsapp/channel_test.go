package whatsapp

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func testChannel(t *testing.T) (*Channel, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.NewMessageBus()
	ch, err := New(config.WhatsAppConfig{BridgeURL: "ws://127.0.0.1:9"}, msgBus, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ch, msgBus
}

func consume(t *testing.T, msgBus *bus.MessageBus) bus.InboundEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no envelope published")
	}
	return env
}

func TestHandleInboundDirect(t *testing.T) {
	ch, msgBus := testChannel(t)

	ch.handleInbound(bridgeFrame{
		Type:     "message",
		ID:       "m1",
		From:     "15551234567@c.us",
		FromName: "Ana",
		Content:  "hello",
		TsMs:     1700000000000,
	})

	env := consume(t, msgBus)
	if env.Channel != "whatsapp" || env.ChatType != bus.ChatDirect {
		t.Fatalf("env = %+v", env)
	}
	if env.ChatID != "15551234567@c.us" {
		t.Fatalf("chat id = %s", env.ChatID)
	}
	if env.ProviderSentAtMs != 1700000000000 {
		t.Fatalf("sent at = %d", env.ProviderSentAtMs)
	}
}

func TestHandleInboundGroupJID(t *testing.T) {
	ch, msgBus := testChannel(t)

	ch.handleInbound(bridgeFrame{
		Type:    "message",
		ID:      "m2",
		From:    "15551234567@c.us",
		Chat:    "12036304@g.us",
		Content: "group text",
	})

	env := consume(t, msgBus)
	if env.ChatType != bus.ChatGroup {
		t.Fatalf("chat type = %s", env.ChatType)
	}
	if env.ChatID != "12036304@g.us" {
		t.Fatalf("chat id = %s", env.ChatID)
	}
}

func TestHandleInboundDropsEmpty(t *testing.T) {
	ch, msgBus := testChannel(t)

	ch.handleInbound(bridgeFrame{Type: "message", From: "x@c.us"})
	ch.handleInbound(bridgeFrame{Type: "message"}) // no sender

	if msgBus.Pending() != 0 {
		t.Fatalf("pending = %d", msgBus.Pending())
	}
}

func TestWriteFrameDisconnectedIsTransient(t *testing.T) {
	ch, _ := testChannel(t)

	err := ch.SendText(context.Background(), "x@c.us", "hi")
	if err == nil || !channels.IsTransient(err) {
		t.Fatalf("disconnected send = %v, want transient", err)
	}
}

func TestMarkReadDisconnectedIsTransient(t *testing.T) {
	ch, _ := testChannel(t)

	err := ch.MarkRead(context.Background(), "x@c.us", "m1")
	if err == nil || !channels.IsTransient(err) {
		t.Fatalf("disconnected mark-read = %v, want transient", err)
	}
}

func TestConnectFailuresOpenBreaker(t *testing.T) {
	msgBus := bus.NewMessageBus()
	br := channels.NewBreaker("whatsapp", channels.BreakerOptions{FailureThreshold: 5}, nil)
	ch, err := New(config.WhatsAppConfig{BridgeURL: "ws://127.0.0.1:9"}, msgBus, br)
	if err != nil {
		t.Fatal(err)
	}

	dialErr := context.DeadlineExceeded
	for i := 0; i < 4; i++ {
		ch.noteConnect(dialErr)
	}
	if br.State() != channels.BreakerClosed {
		t.Fatalf("state after 4 failures = %s", br.State())
	}
	ch.noteConnect(dialErr)
	if br.State() != channels.BreakerOpen {
		t.Fatalf("state after 5 failures = %s, want open", br.State())
	}

	ch.noteConnect(nil)
	if br.State() != channels.BreakerClosed {
		t.Fatalf("state after reconnect = %s, want closed", br.State())
	}
}

func TestNextBackoffJitterAndCap(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := nextBackoff(reconnectBase)
		if got < time.Duration(float64(2*reconnectBase)*0.69) || got > time.Duration(float64(2*reconnectBase)*1.31) {
			t.Fatalf("backoff from base = %v, outside jitter band", got)
		}
	}
	for i := 0; i < 100; i++ {
		if got := nextBackoff(reconnectCap); got > time.Duration(float64(reconnectCap)*1.31) {
			t.Fatalf("capped backoff = %v", got)
		}
	}
}
