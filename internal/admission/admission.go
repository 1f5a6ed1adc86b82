// Package admission gates every normalized inbound envelope before it
// reaches the scheduler: duplicate suppression, historical-backlog
// filtering, self-message filtering, and per-channel DM/group policy,
// including the pairing protocol for unknown DM senders.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Denial reasons. Denials are silent to the sender except pairing, which
// replies exactly once per pending request.
const (
	ReasonDuplicate      = "duplicate"
	ReasonHistorical     = "historical message"
	ReasonSelfMessage    = "self message"
	ReasonGroupDisabled  = "group messages disabled"
	ReasonNotInAllowlist = "not in allowlist"
	ReasonNoMention      = "did not mention bot"
	ReasonDMDisabled     = "DMs disabled"
	ReasonPairingPending = "pairing pending"
)

// Denial explains why an envelope was refused.
type Denial struct {
	Reason  string
	Outcome string // protocol.OutcomeDuplicate or protocol.OutcomeDenied
}

// Decision is the result of running an envelope through the pipeline.
type Decision struct {
	Admitted bool
	// ReadOnly marks historical backlog admitted for read receipts only;
	// the envelope must never reach the scheduler.
	ReadOnly bool
	Denial   *Denial
}

// deny builds a refused decision.
func deny(reason string) Decision {
	outcome := protocol.OutcomeDenied
	if reason == ReasonDuplicate {
		outcome = protocol.OutcomeDuplicate
	}
	return Decision{Denial: &Denial{Reason: reason, Outcome: outcome}}
}

// defaultHistoryGrace suppresses dispatch (and pairing replies) for backlog
// older than this relative to the adapter connect time.
const defaultHistoryGrace = 30 * time.Second

// ConnectedAtFunc reports when a channel adapter last connected. Zero means
// unknown; historical suppression is skipped then.
type ConnectedAtFunc func(channel string) time.Time

// Controller runs the fixed admission order: dedupe, historical, self,
// group/DM policy. Dedupe precedes policy so duplicates can never trigger a
// second pairing reply; historical precedes policy so reconnect backlog
// never triggers replies at all.
type Controller struct {
	cfg         *config.Config
	dedupe      *bus.DedupeCache
	allow       *store.AllowFromStore
	pairing     *Pairing
	diag        *bus.DiagnosticsBus
	connectedAt ConnectedAtFunc
}

// NewController wires the admission pipeline. pairing may be nil when no
// channel uses the pairing policy; connectedAt may be nil to disable
// historical suppression.
func NewController(cfg *config.Config, dedupe *bus.DedupeCache, allow *store.AllowFromStore, pairing *Pairing, diag *bus.DiagnosticsBus, connectedAt ConnectedAtFunc) *Controller {
	return &Controller{
		cfg:         cfg,
		dedupe:      dedupe,
		allow:       allow,
		pairing:     pairing,
		diag:        diag,
		connectedAt: connectedAt,
	}
}

// Admit runs the pipeline on one envelope. Refusals emit the terminal
// message.processed event here; admitted envelopes get theirs from the
// scheduler when the turn completes.
func (c *Controller) Admit(ctx context.Context, env *bus.InboundEnvelope) Decision {
	d := c.evaluate(ctx, env)
	if d.Denial != nil {
		slog.Debug("envelope refused",
			"channel", env.Channel,
			"chat", env.ChatID,
			"sender", env.SenderID,
			"reason", d.Denial.Reason,
		)
		c.diag.Publish(protocol.EventMessageProcessed, bus.MessageProcessedPayload{
			MessageID: env.MessageID,
			Channel:   env.Channel,
			Outcome:   d.Denial.Outcome,
			Reason:    d.Denial.Reason,
		})
	}
	return d
}

func (c *Controller) evaluate(ctx context.Context, env *bus.InboundEnvelope) Decision {
	// 1. Dedupe.
	if env.MessageID != "" && c.dedupe.IsDuplicate(env.DedupeKey()) {
		return deny(ReasonDuplicate)
	}

	ch := c.cfg.ChannelOptions(env.Channel)

	// 2. Historical suppression.
	if c.isHistorical(env, ch) {
		env.ReadOnly = true
		d := deny(ReasonHistorical)
		d.ReadOnly = true
		return d
	}

	// 3. Self-message filter.
	if env.FromSelf && (ch == nil || !ch.SelfChat) {
		return deny(ReasonSelfMessage)
	}

	if env.ChatType == bus.ChatGroup {
		return c.admitGroup(env, ch)
	}
	return c.admitDirect(ctx, env, ch)
}

func (c *Controller) isHistorical(env *bus.InboundEnvelope, ch *config.ChannelCommon) bool {
	if env.ProviderSentAtMs == 0 || c.connectedAt == nil {
		return false
	}
	connected := c.connectedAt(env.Channel)
	if connected.IsZero() {
		return false
	}
	grace := defaultHistoryGrace
	if ch != nil && ch.PairingHistoryGraceMs > 0 {
		grace = time.Duration(ch.PairingHistoryGraceMs) * time.Millisecond
	}
	return env.ProviderSentAtMs < connected.Add(-grace).UnixMilli()
}

func (c *Controller) admitGroup(env *bus.InboundEnvelope, ch *config.ChannelCommon) Decision {
	policy := channels.GroupPolicyOpen
	requireMention := true
	var groupAllow []string
	if ch != nil {
		if ch.GroupPolicy != "" {
			policy = channels.GroupPolicy(ch.GroupPolicy)
		}
		requireMention = ch.RequireMentionOrDefault()
		groupAllow = ch.GroupAllowFrom
	}

	switch policy {
	case channels.GroupPolicyDisabled:
		return deny(ReasonGroupDisabled)
	case channels.GroupPolicyAllowlist:
		if !channels.MatchAllowList(c.allowUnion(env.Channel, groupAllow), env.ChatID) {
			return deny(ReasonNotInAllowlist)
		}
	}

	if requireMention && !env.MentionsBot {
		return deny(ReasonNoMention)
	}
	return Decision{Admitted: true}
}

func (c *Controller) admitDirect(ctx context.Context, env *bus.InboundEnvelope, ch *config.ChannelCommon) Decision {
	policy := channels.DMPolicyOpen
	var allowFrom []string
	if ch != nil {
		if ch.DMPolicy != "" {
			policy = channels.DMPolicy(ch.DMPolicy)
		}
		allowFrom = ch.AllowFrom
	}

	switch policy {
	case channels.DMPolicyDisabled:
		return deny(ReasonDMDisabled)
	case channels.DMPolicyAllowlist:
		if !channels.MatchAllowList(c.allowUnion(env.Channel, allowFrom), env.SenderID) {
			return deny(ReasonNotInAllowlist)
		}
	case channels.DMPolicyPairing:
		if channels.MatchAllowList(c.allowUnion(env.Channel, allowFrom), env.SenderID) {
			break
		}
		if c.pairing != nil {
			if err := c.pairing.Request(ctx, env); err != nil {
				slog.Warn("pairing request failed", "channel", env.Channel, "sender", env.SenderID, "error", err)
			}
		}
		return deny(ReasonPairingPending)
	}
	return Decision{Admitted: true}
}

// allowUnion merges the config allowlist with the persisted pairing-derived
// store for a channel.
func (c *Controller) allowUnion(channel string, fromConfig []string) []string {
	stored, err := c.allow.IDs(channel)
	if err != nil {
		slog.Warn("allow-from store read failed", "channel", channel, "error", err)
	}
	if len(stored) == 0 {
		return fromConfig
	}
	union := make([]string, 0, len(fromConfig)+len(stored))
	union = append(union, fromConfig...)
	union = append(union, stored...)
	return union
}
