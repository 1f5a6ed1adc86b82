package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the clawgate gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Messages  MessagesConfig  `json:"messages"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// DefaultAgentID is the agent used when no binding or route matches.
const DefaultAgentID = "main"

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace string `json:"workspace"`
}

// AgentSpec is the per-agent configuration override.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// MessagesConfig controls debouncing and outbound text rendering.
type MessagesConfig struct {
	// DebounceMs merges rapid consecutive messages from the same sender on
	// one lane into a single turn. 0 disables coalescing.
	DebounceMs int `json:"debounceMs,omitempty"`
	// FlushIntervalMs is the reply dispatcher's buffered-block flush interval.
	FlushIntervalMs int `json:"flushIntervalMs,omitempty"`
	// ChunkMode selects the text chunking strategy per channel.
	ChunkMode map[string]string `json:"chunkMode,omitempty"`
	// MarkdownTableMode selects per-channel table rewriting:
	// "code" (wrap in fences), "plain" (strip formatting), "preserve".
	MarkdownTableMode map[string]string `json:"markdownTableMode,omitempty"`
}

// GatewayConfig controls the dispatch core.
type GatewayConfig struct {
	StateDir           string   `json:"state_dir,omitempty"`            // default ~/.openclaw
	OwnerIDs           []string `json:"owner_ids,omitempty"`            // sender IDs considered "owner"
	MaxConcurrentTurns int      `json:"max_concurrent_turns,omitempty"` // global cap (default NumCPU*2)
	LaneIdleSec        int      `json:"lane_idle_sec,omitempty"`        // reap idle lanes after (default 300)
	StuckThresholdSec  int      `json:"stuck_threshold_sec,omitempty"`  // stuck-lane alarm (default 600)
	StuckGraceSec      int      `json:"stuck_grace_sec,omitempty"`      // force-cancel grace (default 60)
	DrainTimeoutSec    int      `json:"drain_timeout_sec,omitempty"`    // adapter stop drain (default 5)
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "clawgate"
	Headers     map[string]string `json:"headers,omitempty"`
}

// HeartbeatConfig configures the periodic diagnostic heartbeat.
type HeartbeatConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true
	Schedule string `json:"schedule,omitempty"` // cron expression, default "* * * * *"
}

// HeartbeatEnabled reports whether the heartbeat emitter should run.
func (h HeartbeatConfig) HeartbeatEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the fsnotify hot-reload path.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Messages = src.Messages
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
	c.Heartbeat = src.Heartbeat
	c.Bindings = src.Bindings
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "main" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ChannelOptions returns a copy of a channel's common options, safe against
// a concurrent hot reload. Nil for unknown channels.
func (c *Config) ChannelOptions(channel string) *ChannelCommon {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch := c.Channels.Lookup(channel)
	if ch == nil {
		return nil
	}
	cp := *ch
	return &cp
}

// FlushInterval returns the reply dispatcher's buffered-block flush interval.
func (c *Config) FlushInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Messages.FlushIntervalMs) * time.Millisecond
}

// DebounceWindowMs returns the effective debounce window for a channel,
// honoring the per-channel override.
func (c *Config) DebounceWindowMs(channel string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ch := c.Channels.Lookup(channel); ch != nil && ch.DebounceMs != nil {
		return *ch.DebounceMs
	}
	return c.Messages.DebounceMs
}

// TableMode returns the markdown table rewrite mode for a channel.
func (c *Config) TableMode(channel string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.Messages.MarkdownTableMode[channel]; ok {
		return m
	}
	return "code"
}

// BindingsSnapshot returns a copy of the agent bindings, safe against a
// concurrent hot reload.
func (c *Config) BindingsSnapshot() []AgentBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentBinding, len(c.Bindings))
	copy(out, c.Bindings)
	return out
}

// GroupRoute returns the agent routed for a group chat on a channel,
// falling back to the "*" wildcard. Empty when unrouted.
func (c *Config) GroupRoute(channel, chatID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch := c.Channels.Lookup(channel)
	if ch == nil || len(ch.GroupRoutes) == 0 {
		return ""
	}
	if id, ok := ch.GroupRoutes[chatID]; ok && id != "" {
		return id
	}
	return ch.GroupRoutes["*"]
}

// IsOwner reports whether a sender ID is configured as gateway owner.
func (c *Config) IsOwner(senderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.Gateway.OwnerIDs {
		if id == senderID {
			return true
		}
	}
	return false
}
