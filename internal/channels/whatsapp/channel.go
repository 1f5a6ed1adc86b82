// Package whatsapp connects to a WhatsApp bridge process over WebSocket.
// The bridge (whatsapp-web.js based) speaks the WhatsApp protocol; this
// adapter exchanges JSON frames with it and normalizes inbound messages.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

const (
	reconnectBase   = time.Second
	reconnectCap    = 60 * time.Second
	reconnectJitter = 0.30
)

// bridgeFrame is the JSON envelope exchanged with the bridge in both
// directions.
type bridgeFrame struct {
	Type     string   `json:"type"` // "message", "media", "typing", "reaction", "read"
	ID       string   `json:"id,omitempty"`
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	FromMe   bool     `json:"from_me,omitempty"`
	To       string   `json:"to,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	Content  string   `json:"content,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Path     string   `json:"path,omitempty"`
	Mime     string   `json:"mime,omitempty"`
	Media    []string `json:"media,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	ReplyTo  string   `json:"reply_to,omitempty"`
	Target   string   `json:"target,omitempty"`
	Emoji    string   `json:"emoji,omitempty"`
	TsMs     int64    `json:"ts_ms,omitempty"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	*channels.BaseChannel
	cfg     config.WhatsAppConfig
	breaker *channels.Breaker
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates the WhatsApp adapter from config. The breaker (optional)
// tracks bridge connect failures alongside outbound sends, so a bridge that
// refuses connections opens the circuit and emits the transitions.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, breaker *channels.Breaker) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", cfg.AccountID, msgBus),
		cfg:         cfg,
		breaker:     breaker,
	}, nil
}

// Start connects to the bridge and begins the read loop. The initial dial
// may fail; the reconnect loop keeps trying.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(runCtx)
	return nil
}

// Stop closes the bridge connection and waits for the read loop.
func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.SetRunning(false)
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	return nil
}

// SendText delivers one chunk of text through the bridge.
func (c *Channel) SendText(_ context.Context, chatID, text string) error {
	return c.writeFrame(bridgeFrame{Type: "message", To: chatID, Content: text})
}

// SendMedia asks the bridge to deliver a local media file.
func (c *Channel) SendMedia(_ context.Context, chatID string, media bus.MediaRef, caption string) error {
	return c.writeFrame(bridgeFrame{
		Type:    "media",
		To:      chatID,
		Path:    media.LocalPath,
		Mime:    media.ContentType,
		Caption: caption,
	})
}

// SendTyping forwards a typing state to the bridge.
func (c *Channel) SendTyping(_ context.Context, chatID string) error {
	return c.writeFrame(bridgeFrame{Type: "typing", To: chatID})
}

// SendReaction attaches an emoji reaction through the bridge.
func (c *Channel) SendReaction(_ context.Context, chatID, messageID, emoji string) error {
	return c.writeFrame(bridgeFrame{Type: "reaction", To: chatID, Target: messageID, Emoji: emoji})
}

// MarkRead asks the bridge to send a read receipt for one inbound message.
func (c *Channel) MarkRead(_ context.Context, chatID, messageID string) error {
	return c.writeFrame(bridgeFrame{Type: "read", To: chatID, Target: messageID})
}

// writeFrame marshals and writes one frame. Bridge unavailability is
// transient: the reconnect loop restores the connection.
func (c *Channel) writeFrame(frame bridgeFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return channels.Permanent(fmt.Errorf("marshal bridge frame: %w", err))
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return channels.Transient(fmt.Errorf("whatsapp bridge not connected"))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return channels.Transient(fmt.Errorf("write bridge frame: %w", err))
	}
	return nil
}

// connect dials the bridge. SetRunning marks the connect time so admission
// can age out backlog replayed by the bridge after a reconnect.
func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		c.noteConnect(err)
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.SetRunning(true)
	c.noteConnect(nil)

	slog.Info("whatsapp bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// noteConnect feeds a connect attempt into the breaker: repeated connect
// failures open the circuit just like failed sends.
func (c *Channel) noteConnect(err error) {
	if c.breaker == nil {
		return
	}
	if err != nil {
		c.breaker.Failure()
	} else {
		c.breaker.Success()
	}
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := reconnectBase

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = reconnectBase
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.closeConn()
			c.SetRunning(false)
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		if frame.Type == "message" {
			c.handleInbound(frame)
		}
	}
}

// nextBackoff doubles the reconnect delay up to the cap, with ±30% jitter so
// restarted gateways don't hammer the bridge in lockstep.
func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > reconnectCap {
		next = reconnectCap
	}
	jitter := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(next) * jitter)
}

// handleInbound normalizes one bridge message frame. Policy belongs to
// admission; this only translates.
func (c *Channel) handleInbound(frame bridgeFrame) {
	if frame.From == "" {
		return
	}

	chatID := frame.Chat
	if chatID == "" {
		chatID = frame.From
	}

	// Groups carry the "@g.us" JID suffix.
	chatType := bus.ChatDirect
	if strings.HasSuffix(chatID, "@g.us") {
		chatType = bus.ChatGroup
	}

	env := bus.InboundEnvelope{
		MessageID:         frame.ID,
		ChatType:          chatType,
		ChatID:            chatID,
		SenderID:          channels.NormalizeID(frame.From),
		SenderDisplayName: frame.FromName,
		Body:              frame.Content,
		RawBody:           frame.Content,
		Mentions:          frame.Mentions,
		ProviderSentAtMs:  frame.TsMs,
		FromSelf:          frame.FromMe,
	}

	if chatType == bus.ChatGroup {
		env.MentionsBot = channels.DetectMention(frame.Content, frame.Mentions, c.AccountID(), "")
	}
	if frame.ReplyTo != "" {
		env.ReplyTo = &bus.ReplyContext{ID: frame.ReplyTo}
	}
	for _, path := range frame.Media {
		env.MediaRefs = append(env.MediaRefs, bus.MediaRef{LocalPath: path})
	}

	if env.Body == "" && len(env.MediaRefs) == 0 {
		return
	}

	c.Publish(env)
}
