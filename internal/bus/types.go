// Package bus carries the normalized message types and the in-process queues
// that connect channel adapters to the dispatch core: the inbound envelope
// queue and the diagnostics fan-out.
package bus

import "fmt"

// ChatType distinguishes direct (1:1) conversations from group conversations.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// PeerKind classifies the conversational addressee.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
	PeerThread  PeerKind = "thread"
)

// TriState is a three-valued flag for facts a channel adapter may not know.
type TriState int

const (
	TriUnknown TriState = iota
	TriNo
	TriYes
)

// MediaRef points at a downloaded media file owned by the gateway until the
// consuming turn completes.
type MediaRef struct {
	LocalPath   string `json:"local_path"`
	ContentType string `json:"content_type,omitempty"`
	OriginURL   string `json:"origin_url,omitempty"`
}

// ReplyContext describes the message an inbound envelope replies to.
type ReplyContext struct {
	ID       string `json:"id"`
	Body     string `json:"body,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
}

// InboundEnvelope is the normalized form of any inbound message. Adapters
// produce it via the normalizer; everything past admission operates on it.
type InboundEnvelope struct {
	MessageID         string        `json:"message_id,omitempty"`
	Channel           string        `json:"channel"`
	AccountID         string        `json:"account_id"`
	ChatType          ChatType      `json:"chat_type"`
	ChatID            string        `json:"chat_id"`
	SenderID          string        `json:"sender_id"`
	SenderDisplayName string        `json:"sender_display_name,omitempty"`
	Body              string        `json:"body"`
	RawBody           string        `json:"raw_body,omitempty"`
	CommandBody       string        `json:"command_body,omitempty"`
	MediaRefs         []MediaRef    `json:"media_refs,omitempty"`
	Mentions          []string      `json:"mentions,omitempty"`
	MentionsBot       bool          `json:"mentions_bot,omitempty"`
	ReplyTo           *ReplyContext `json:"reply_to,omitempty"`
	ReceivedAtMs      int64         `json:"received_at_ms"`
	ProviderSentAtMs  int64         `json:"provider_sent_at_ms,omitempty"`
	EnqueueAtMs       int64         `json:"enqueue_at_ms,omitempty"` // stamped by the scheduler
	CommandAuthorized TriState      `json:"command_authorized,omitempty"`
	OriginatingChannel string       `json:"originating_channel,omitempty"`
	OriginatingTo      string       `json:"originating_to,omitempty"`
	FromSelf           bool         `json:"from_self,omitempty"` // sender is the bot identity
	ReadOnly           bool         `json:"read_only,omitempty"` // admitted for read receipts only, never dispatched
}

// DedupeKey identifies the envelope for duplicate suppression.
func (e *InboundEnvelope) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.Channel, e.AccountID, e.ChatID, e.MessageID)
}

// Peer resolves the conversational addressee for this envelope.
func (e *InboundEnvelope) Peer() Peer {
	kind := PeerDirect
	id := e.SenderID
	if e.ChatType == ChatGroup {
		kind = PeerGroup
		id = e.ChatID
	}
	return Peer{Kind: kind, ID: id, AccountID: e.AccountID, Channel: e.Channel}
}

// Peer is the conversational addressee. Peers map deterministically to
// exactly one session key.
type Peer struct {
	Kind      PeerKind `json:"kind"`
	ID        string   `json:"id"`
	AccountID string   `json:"account_id,omitempty"`
	Channel   string   `json:"channel"`
}

// DirectPeer builds a DM peer for a channel conversation.
func DirectPeer(channel, accountID, id string) Peer {
	return Peer{Kind: PeerDirect, ID: id, AccountID: accountID, Channel: channel}
}

// GroupPeer builds a group peer for a channel conversation.
func GroupPeer(channel, accountID, id string) Peer {
	return Peer{Kind: PeerGroup, ID: id, AccountID: accountID, Channel: channel}
}
