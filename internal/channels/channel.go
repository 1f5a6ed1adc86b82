// Package channels provides the channel abstraction layer for multi-platform
// messaging. Adapters connect external platforms (Telegram, Discord, WhatsApp,
// web) to the dispatch core via the message bus, and expose a uniform outbound
// surface for the reply dispatcher.
package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"   // require pairing code
	DMPolicyAllowlist DMPolicy = "allowlist" // only allowlisted senders
	DMPolicyOpen      DMPolicy = "open"      // accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Channel is the interface every channel adapter must satisfy. Inbound
// messages flow through the adapter's normalizer onto the message bus;
// outbound delivery goes through the Send* methods, which the reply
// dispatcher calls in per-conversation FIFO order.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord").
	Name() string

	// AccountID identifies the bot account this adapter serves.
	AccountID() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter.
	Stop(ctx context.Context) error

	// SendText delivers one already-chunked text block to a chat.
	SendText(ctx context.Context, chatID, text string) error

	// SendMedia delivers a media item with an optional caption.
	SendMedia(ctx context.Context, chatID string, media bus.MediaRef, caption string) error

	// IsRunning reports whether the adapter is actively processing.
	IsRunning() bool
}

// TypingChannel is implemented by adapters that can surface a typing
// indicator. The dispatcher treats typing as best-effort.
type TypingChannel interface {
	Channel
	SendTyping(ctx context.Context, chatID string) error
}

// ReactionChannel is implemented by adapters that can attach emoji
// reactions to inbound messages.
type ReactionChannel interface {
	Channel
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// ReadReceiptChannel is implemented by adapters that can mark an inbound
// message as read without dispatching a reply. Used for historical backlog
// that is admitted for read receipts only.
type ReadReceiptChannel interface {
	Channel
	MarkRead(ctx context.Context, chatID, messageID string) error
}

// TextLimiter lets an adapter override the channel's hard text chunk limit,
// e.g. from config.
type TextLimiter interface {
	TextChunkLimit() int
}

// BaseChannel provides shared state for adapter implementations.
// Adapters embed it and publish inbound envelopes through Bus().
type BaseChannel struct {
	name      string
	accountID string
	bus       *bus.MessageBus

	mu          sync.RWMutex
	running     bool
	connectedAt time.Time
}

// NewBaseChannel creates a BaseChannel bound to the inbound bus.
func NewBaseChannel(name, accountID string, msgBus *bus.MessageBus) *BaseChannel {
	if accountID == "" {
		accountID = "default"
	}
	return &BaseChannel{name: name, accountID: accountID, bus: msgBus}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AccountID returns the bot account identity.
func (c *BaseChannel) AccountID() string { return c.accountID }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsRunning returns whether the adapter is running.
func (c *BaseChannel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetRunning updates the running state. Marks the connect time on the
// false→true transition; admission uses it to age out historical backlog.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if running && !c.running {
		c.connectedAt = time.Now()
	}
	c.running = running
}

// ConnectedAt returns when the adapter last transitioned to running.
// Zero when the adapter never connected.
func (c *BaseChannel) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Publish stamps receipt time and emits the envelope onto the inbound bus.
func (c *BaseChannel) Publish(env bus.InboundEnvelope) {
	if env.Channel == "" {
		env.Channel = c.name
	}
	if env.AccountID == "" {
		env.AccountID = c.accountID
	}
	if env.ReceivedAtMs == 0 {
		env.ReceivedAtMs = time.Now().UnixMilli()
	}
	c.bus.Emit(env)
}

// MatchAllowList checks a sender against an allowlist. Supports compound
// senderID format "123456|username" on either side, and a leading "@" on
// allowlist usernames. An empty allowlist matches nothing; callers decide
// what empty means for their policy.
func MatchAllowList(allowList []string, senderID string) bool {
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
