package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

type readReceiptStub struct {
	*channels.BaseChannel
	mu    sync.Mutex
	reads []string
}

func (s *readReceiptStub) Start(context.Context) error                    { return nil }
func (s *readReceiptStub) Stop(context.Context) error                     { return nil }
func (s *readReceiptStub) SendText(context.Context, string, string) error { return nil }
func (s *readReceiptStub) SendMedia(context.Context, string, bus.MediaRef, string) error {
	return nil
}

func (s *readReceiptStub) MarkRead(_ context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, chatID+"/"+messageID)
	return nil
}

func TestMarkReadHistoricalBacklog(t *testing.T) {
	manager := channels.NewManager(time.Second)
	stub := &readReceiptStub{BaseChannel: channels.NewBaseChannel("whatsapp", "acct", bus.NewMessageBus())}
	manager.Register(stub)

	markRead(context.Background(), manager, &bus.InboundEnvelope{
		Channel:   "whatsapp",
		ChatID:    "123@c.us",
		MessageID: "m1",
	})
	if len(stub.reads) != 1 || stub.reads[0] != "123@c.us/m1" {
		t.Fatalf("reads = %v", stub.reads)
	}

	// No receipt without a provider message ID; unknown channels are a no-op.
	markRead(context.Background(), manager, &bus.InboundEnvelope{Channel: "whatsapp", ChatID: "123@c.us"})
	markRead(context.Background(), manager, &bus.InboundEnvelope{Channel: "discord", ChatID: "c", MessageID: "m2"})
	if len(stub.reads) != 1 {
		t.Fatalf("reads = %v", stub.reads)
	}
}

func TestDedupeCacheDefaults(t *testing.T) {
	if dedupeTTL != 10*time.Minute {
		t.Fatalf("dedupe ttl = %v", dedupeTTL)
	}
	if dedupeMax != 10000 {
		t.Fatalf("dedupe max = %d", dedupeMax)
	}
}
