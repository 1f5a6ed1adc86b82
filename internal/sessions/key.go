// Package sessions derives canonical session keys and routes envelopes to
// agents.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation:
//
//	DM:          {channel}:direct:{peerId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{topicId}
//	Subagent:    subagent:{label}
//	Cron:        cron:{jobId}:run:{runId}
//
// Examples:
//
//	agent:main:telegram:direct:386246614
//	agent:main:telegram:group:-100123456
//	agent:main:telegram:group:-100123456:topic:99
//	agent:main:subagent:my-task
//	agent:main:cron:reminder:run:abc123
package sessions

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// BuildKey builds the canonical session key for a channel conversation.
// A given peer always maps to exactly one key.
func BuildKey(agentID string, peer bus.Peer) string {
	kind := "direct"
	if peer.Kind != bus.PeerDirect {
		kind = "group"
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, peer.Channel, kind, peer.ID)
}

// BuildTopicKey builds the session key for a forum group topic, a distinct
// conversation inside its group.
//
//	agent:{agentId}:{channel}:group:{chatID}:topic:{topicID}
func BuildTopicKey(agentID, channel, chatID string, topicID int) string {
	return fmt.Sprintf("agent:%s:%s:group:%s:topic:%d", agentID, channel, chatID, topicID)
}

// BuildSubagentKey builds the session key for a spawned subagent.
func BuildSubagentKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, label)
}

// BuildCronKey builds the session key for a scheduled job run. Guards
// against double-prefixing when jobID is already a canonical key.
func BuildCronKey(agentID, jobID, runID string) string {
	if _, rest := ParseKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// ParseKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsSubagentKey checks if a session key names a subagent session.
func IsSubagentKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsCronKey checks if a session key names a cron run session.
func IsCronKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}
