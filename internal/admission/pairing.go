package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// TextSender delivers the one pairing reply. Satisfied by channels.Manager.
type TextSender interface {
	SendText(ctx context.Context, channel, chatID, text string) error
}

// Pairing implements the first-contact protocol for unknown DM senders under
// the pairing policy: issue a one-time code, reply exactly once, and admit
// the sender after out-of-band approval.
type Pairing struct {
	requests *store.PairingStore
	allow    *store.AllowFromStore
	sender   TextSender
}

// NewPairing wires the pairing protocol over its stores. sender may be nil
// (e.g. in the CLI), in which case no reply is delivered.
func NewPairing(requests *store.PairingStore, allow *store.AllowFromStore, sender TextSender) *Pairing {
	return &Pairing{requests: requests, allow: allow, sender: sender}
}

// Request ensures a pending pairing request for the envelope's sender. The
// code reply is sent only when a new request was created, so a sender who
// keeps messaging gets exactly one reply per pending request.
func (p *Pairing) Request(ctx context.Context, env *bus.InboundEnvelope) error {
	code, created, err := p.requests.Create(env.Channel, env.SenderID, env.SenderDisplayName, env.ChatID)
	if err != nil {
		return fmt.Errorf("create pairing request: %w", err)
	}
	if !created || p.sender == nil {
		return nil
	}

	reply := fmt.Sprintf(
		"Your %s id: %s\nPairing code: %s\nAsk the gateway owner to approve you with: clawgate pairing approve %s %s",
		env.Channel, env.SenderID, code, env.Channel, code,
	)
	if err := p.sender.SendText(ctx, env.Channel, env.ChatID, reply); err != nil {
		return fmt.Errorf("send pairing reply: %w", err)
	}
	return nil
}

// Approve moves the peer behind a code into the channel's allow-from set and
// deletes the request. Idempotent: approving a code that was already
// approved (or never existed) reports ok=false without error, so a repeated
// operator command is a no-op.
func (p *Pairing) Approve(channel, code string) (store.PairingRequest, bool, error) {
	req, err := p.requests.Approve(channel, code)
	if errors.Is(err, store.ErrPairingNotFound) {
		return store.PairingRequest{}, false, nil
	}
	if err != nil {
		return store.PairingRequest{}, false, err
	}

	entry := store.AllowEntry{
		ID:        req.SenderID,
		AddedAtMs: time.Now().UnixMilli(),
		Via:       "pairing",
		Note:      req.SenderName,
	}
	if err := p.allow.Add(channel, entry); err != nil {
		return req, false, fmt.Errorf("record approval: %w", err)
	}
	return req, true, nil
}

// Revoke drops a pending request without approving it.
func (p *Pairing) Revoke(channel, code string) error {
	return p.requests.Revoke(channel, code)
}

// Pending lists the live requests for a channel.
func (p *Pairing) Pending(channel string) ([]store.PairingRequest, error) {
	return p.requests.List(channel)
}
