// Package web exposes an HTTP ingress for the gateway: a webhook endpoint
// for fire-and-forget inbound posts and a WebSocket endpoint for live
// conversations. Both normalize into inbound envelopes; replies reach
// WebSocket clients through a connection registry keyed by chat ID.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18791

	writeTimeout = 10 * time.Second
)

// inboundPayload is the JSON body accepted on both ingress endpoints.
type inboundPayload struct {
	MessageID string `json:"message_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	SenderID  string `json:"sender_id"`
	Sender    string `json:"sender_name,omitempty"`
	Body      string `json:"body"`
	SentAtMs  int64  `json:"sent_at_ms,omitempty"`
	Media     []struct {
		Name string `json:"name,omitempty"`
		Mime string `json:"mime,omitempty"`
		Data string `json:"data"` // base64
	} `json:"media,omitempty"`
}

// outboundFrame is what WebSocket clients receive.
type outboundFrame struct {
	Type    string `json:"type"` // "text", "media", "typing"
	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`
	Mime    string `json:"mime,omitempty"`
	Data    string `json:"data,omitempty"` // base64 for media
}

// Channel is the web ingress adapter.
type Channel struct {
	*channels.BaseChannel
	cfg     config.WebConfig
	diag    *bus.DiagnosticsBus
	refs    *store.ConvRefStore
	limiter *channels.WebhookRateLimiter
	server  *http.Server

	mu    sync.RWMutex
	conns map[string]*wsConn // chatID → connection
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// New creates the web adapter. refs may be nil to skip conversation
// reference tracking; diag may be nil.
func New(cfg config.WebConfig, msgBus *bus.MessageBus, diag *bus.DiagnosticsBus, refs *store.ConvRefStore) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("web", cfg.AccountID, msgBus),
		cfg:         cfg,
		diag:        diag,
		refs:        refs,
		limiter:     channels.NewWebhookRateLimiter(),
		conns:       make(map[string]*wsConn),
	}
}

// Start binds the HTTP listener and serves in the background.
func (c *Channel) Start(_ context.Context) error {
	host := c.cfg.Host
	if host == "" {
		host = defaultHost
	}
	port := c.cfg.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", c.handleWebhook)
	mux.HandleFunc("GET /ws", c.handleWebSocket)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind web listener %s: %w", addr, err)
	}
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	c.SetRunning(true)
	slog.Info("web channel listening", "addr", addr)

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the HTTP server, closing live WebSocket connections.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server == nil {
		return nil
	}

	c.mu.Lock()
	for id, wc := range c.conns {
		_ = wc.conn.Close(websocket.StatusGoingAway, "gateway shutting down")
		delete(c.conns, id)
	}
	c.mu.Unlock()

	return c.server.Shutdown(ctx)
}

// SendText delivers a text frame to the chat's live connection.
func (c *Channel) SendText(ctx context.Context, chatID, text string) error {
	return c.writeJSON(ctx, chatID, outboundFrame{Type: "text", Text: text})
}

// SendMedia inlines the file as base64 for the browser client.
func (c *Channel) SendMedia(ctx context.Context, chatID string, media bus.MediaRef, caption string) error {
	data, err := os.ReadFile(media.LocalPath)
	if err != nil {
		return channels.Permanent(fmt.Errorf("read media %s: %w", media.LocalPath, err))
	}
	return c.writeJSON(ctx, chatID, outboundFrame{
		Type:    "media",
		Caption: caption,
		Mime:    media.ContentType,
		Data:    base64.StdEncoding.EncodeToString(data),
	})
}

// SendTyping forwards a typing frame; clients render their own indicator.
func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	return c.writeJSON(ctx, chatID, outboundFrame{Type: "typing"})
}

func (c *Channel) writeJSON(ctx context.Context, chatID string, frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return channels.Permanent(err)
	}

	c.mu.RLock()
	wc, ok := c.conns[chatID]
	c.mu.RUnlock()
	if !ok {
		// The client may be between reconnects; retries cover the gap.
		return channels.Transient(fmt.Errorf("web chat %s not connected", chatID))
	}
	if err := wc.write(ctx, data); err != nil {
		return channels.Transient(fmt.Errorf("write to web chat %s: %w", chatID, err))
	}
	return nil
}

// handleWebhook accepts a one-shot inbound message. The source key for
// rate limiting is the sender ID, falling back to the remote address.
func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := remoteHost(r)
	c.publishDiag(protocol.EventWebhookReceived, source, "")

	var payload inboundPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		c.publishDiag(protocol.EventWebhookError, source, err.Error())
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if payload.SenderID == "" {
		c.publishDiag(protocol.EventWebhookError, source, "missing sender_id")
		http.Error(w, "sender_id is required", http.StatusBadRequest)
		return
	}

	if !c.limiter.Allow(payload.SenderID) {
		c.publishDiag(protocol.EventWebhookError, source, "rate limited")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	c.publishEnvelope(payload)
	c.publishDiag(protocol.EventWebhookProcessed, source, "")
	w.WriteHeader(http.StatusAccepted)
}

// handleWebSocket upgrades to a live conversation. The chat ID comes from
// the "chat" query parameter, defaulting to the remote address.
func (c *Channel) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat")
	if chatID == "" {
		chatID = remoteHost(r)
	}
	if !c.limiter.Allow(chatID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The UI is served separately from the gateway port.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("web ws upgrade failed", "error", err)
		return
	}

	wc := &wsConn{conn: conn}
	c.mu.Lock()
	if prev, ok := c.conns[chatID]; ok {
		_ = prev.conn.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
	c.conns[chatID] = wc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conns[chatID] == wc {
			delete(c.conns, chatID)
		}
		c.mu.Unlock()
		_ = conn.CloseNow()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var payload inboundPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			// Bare text frames are accepted for plain clients.
			payload = inboundPayload{Body: string(data)}
		}
		if payload.ChatID == "" {
			payload.ChatID = chatID
		}
		if payload.SenderID == "" {
			payload.SenderID = chatID
		}
		c.publishEnvelope(payload)
	}
}

// publishEnvelope normalizes one inbound payload onto the message bus and
// refreshes the conversation reference used for proactive sends.
func (c *Channel) publishEnvelope(payload inboundPayload) {
	chatID := payload.ChatID
	if chatID == "" {
		chatID = payload.SenderID
	}

	env := bus.InboundEnvelope{
		MessageID:         payload.MessageID,
		ChatType:          bus.ChatDirect,
		ChatID:            chatID,
		SenderID:          channels.NormalizeID(payload.SenderID),
		SenderDisplayName: payload.Sender,
		Body:              payload.Body,
		RawBody:           payload.Body,
		ProviderSentAtMs:  payload.SentAtMs,
	}

	for _, m := range payload.Media {
		ref, err := saveInlineMedia(m.Name, m.Mime, m.Data)
		if err != nil {
			slog.Warn("web media decode failed", "name", m.Name, "error", err)
			continue
		}
		env.MediaRefs = append(env.MediaRefs, ref)
	}

	if env.Body == "" && len(env.MediaRefs) == 0 {
		return
	}

	if c.refs != nil {
		if err := c.refs.Touch("web", store.ConvRef{
			ChatID:      chatID,
			Kind:        string(bus.ChatDirect),
			DisplayName: payload.Sender,
		}); err != nil {
			slog.Warn("conversation ref update failed", "chat_id", chatID, "error", err)
		}
	}

	c.Publish(env)
}

// saveInlineMedia decodes a base64 attachment to a local temp file.
func saveInlineMedia(name, mime, data string) (bus.MediaRef, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return bus.MediaRef{}, fmt.Errorf("decode base64: %w", err)
	}
	tmp, err := os.CreateTemp("", "clawgate-web-*"+filepath.Ext(name))
	if err != nil {
		return bus.MediaRef{}, err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return bus.MediaRef{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return bus.MediaRef{}, err
	}
	return bus.MediaRef{LocalPath: tmp.Name(), ContentType: mime}, nil
}

func (c *Channel) publishDiag(event, source, errMsg string) {
	if c.diag == nil {
		return
	}
	c.diag.Publish(event, bus.WebhookPayload{Channel: "web", Source: source, Err: errMsg})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
