package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	MSTeams  ChannelCommon  `json:"msteams"`
	DingTalk ChannelCommon  `json:"dingtalk"`
	Zalo     ChannelCommon  `json:"zalo"`
	Nostr    ChannelCommon  `json:"nostr"`
	Twitch   ChannelCommon  `json:"twitch"`
	Web      WebConfig      `json:"web"`
}

// ChannelCommon is the policy surface every channel shares.
type ChannelCommon struct {
	Enabled        bool                `json:"enabled"`
	AccountID      string              `json:"account_id,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	GroupAllowFrom FlexibleStringSlice `json:"group_allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open", "pairing", "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open", "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	SelfChat       bool                `json:"self_chat,omitempty"`       // owner messages the bot's own account
	Actions        ActionsConfig       `json:"actions,omitempty"`
	MediaMaxMB     int                 `json:"media_max_mb,omitempty"`     // default 5
	TextChunkLimit int                 `json:"text_chunk_limit,omitempty"` // override per-channel default
	DebounceMs     *int                `json:"debounce_ms,omitempty"`      // override messages.debounceMs
	// PairingHistoryGraceMs suppresses pairing replies for messages older
	// than this relative to the adapter connect time (default 30000).
	PairingHistoryGraceMs int            `json:"pairing_history_grace_ms,omitempty"`
	Breaker               *BreakerConfig `json:"breaker,omitempty"`
	// GroupRoutes maps a group chat ID (or "*") to an agent ID.
	GroupRoutes map[string]string `json:"group_routes,omitempty"`
}

// ActionsConfig gates optional outbound actions.
type ActionsConfig struct {
	Reactions *bool `json:"reactions,omitempty"` // default false
}

// ReactionsEnabled reports whether reaction directives may be sent.
func (a ActionsConfig) ReactionsEnabled() bool {
	return a.Reactions != nil && *a.Reactions
}

// BreakerConfig overrides circuit breaker defaults per channel.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty"` // default 5
	BackoffBaseMs    int `json:"backoff_base_ms,omitempty"`   // default 1000
	BackoffCapMs     int `json:"backoff_cap_ms,omitempty"`    // default 60000
}

// RequireMentionOrDefault returns the mention gate with its default (true).
func (c *ChannelCommon) RequireMentionOrDefault() bool {
	if c.RequireMention == nil {
		return true
	}
	return *c.RequireMention
}

type TelegramConfig struct {
	ChannelCommon
	Token string `json:"token"`
	Proxy string `json:"proxy,omitempty"`
}

type DiscordConfig struct {
	ChannelCommon
	Token string `json:"token"`
}

type WhatsAppConfig struct {
	ChannelCommon
	BridgeURL string `json:"bridge_url"`
}

type WebConfig struct {
	ChannelCommon
	Host string `json:"host,omitempty"` // default "127.0.0.1"
	Port int    `json:"port,omitempty"` // default 18791
}

// Lookup returns the common options for a channel name, or nil.
func (c *ChannelsConfig) Lookup(name string) *ChannelCommon {
	switch name {
	case "whatsapp":
		return &c.WhatsApp.ChannelCommon
	case "telegram":
		return &c.Telegram.ChannelCommon
	case "discord":
		return &c.Discord.ChannelCommon
	case "msteams":
		return &c.MSTeams
	case "dingtalk":
		return &c.DingTalk
	case "zalo":
		return &c.Zalo
	case "nostr":
		return &c.Nostr
	case "twitch":
		return &c.Twitch
	case "web":
		return &c.Web.ChannelCommon
	}
	return nil
}
