// Package dispatch is the egress pipeline: it buffers agent-produced text
// blocks, rewrites markdown tables per channel, chunks text at
// markdown-safe boundaries, validates media, and delivers everything to the
// channel adapter with retry and circuit breaking.
package dispatch

// chunkLimits are the per-channel hard character limits for one outbound
// text message.
var chunkLimits = map[string]int{
	"whatsapp": 4096,
	"telegram": 4096,
	"discord":  2000,
	"msteams":  28000,
	"dingtalk": 4096,
	"zalo":     2000,
	"nostr":    4096,
	"twitch":   500,
	"web":      16000,
}

// defaultChunkLimit applies to channels without a table entry.
const defaultChunkLimit = 4000

// ChunkLimit returns the text chunk limit for a channel. A positive
// override (from config) wins over the built-in table.
func ChunkLimit(channel string, override int) int {
	if override > 0 {
		return override
	}
	if limit, ok := chunkLimits[channel]; ok {
		return limit
	}
	return defaultChunkLimit
}

// defaultMediaMaxMB bounds outbound media size unless configured otherwise.
const defaultMediaMaxMB = 5

// MediaLimitBytes returns the outbound media size limit in bytes.
func MediaLimitBytes(maxMB int) int64 {
	if maxMB <= 0 {
		maxMB = defaultMediaMaxMB
	}
	return int64(maxMB) << 20
}
