package sessions

import (
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Router resolves which agent owns an inbound conversation. Resolution
// order: explicit binding, then the channel's group routes (with "*"
// wildcard), then the configured default agent.
type Router struct {
	cfg *config.Config
}

// NewRouter creates a router over the live config.
func NewRouter(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve returns the agent ID for an envelope's conversation.
func (r *Router) Resolve(env *bus.InboundEnvelope) string {
	peer := env.Peer()

	if id := r.matchBinding(peer); id != "" {
		return id
	}

	if env.ChatType == bus.ChatGroup {
		if id := r.cfg.GroupRoute(env.Channel, env.ChatID); id != "" {
			return id
		}
	}

	return r.cfg.ResolveDefaultAgentID()
}

// SessionKey resolves the agent and derives the canonical session key for an
// envelope in one step.
func (r *Router) SessionKey(env *bus.InboundEnvelope) string {
	return BuildKey(r.Resolve(env), env.Peer())
}

func (r *Router) matchBinding(peer bus.Peer) string {
	for _, b := range r.cfg.BindingsSnapshot() {
		m := b.Match
		if m.Channel != "" && m.Channel != peer.Channel {
			continue
		}
		if m.AccountID != "" && m.AccountID != peer.AccountID {
			continue
		}
		if m.Peer != nil {
			if m.Peer.Kind != "" && m.Peer.Kind != string(peer.Kind) {
				continue
			}
			if m.Peer.ID != "" && m.Peer.ID != peer.ID {
				continue
			}
		}
		if b.AgentID != "" {
			return b.AgentID
		}
	}
	return ""
}
