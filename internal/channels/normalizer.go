package channels

import (
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// idPrefixes are provider-specific prefixes some platforms prepend to sender
// and chat IDs. Normalization strips them so allowlists and session keys see
// one canonical form.
var idPrefixes = []string{"zalo:", "msteams:", "discord:", "teams:", "user:"}

// NormalizeID strips a known provider prefix from an ID. Idempotent:
// normalizing an already-normalized ID is a no-op.
func NormalizeID(id string) string {
	for _, p := range idPrefixes {
		if strings.HasPrefix(id, p) {
			return id[len(p):]
		}
	}
	return id
}

// NormalizeChatType maps provider chat-type tags onto the canonical two
// values. Recognizes numeric tags ("1" direct, "2" group) and word tags
// case-insensitively; unknown tags fall back to direct.
func NormalizeChatType(tag string) bus.ChatType {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "2", "group", "supergroup", "channel":
		return bus.ChatGroup
	case "1", "single", "private", "direct", "dm", "":
		return bus.ChatDirect
	}
	return bus.ChatDirect
}

// ComposeBody joins the textual fragments of a provider message (body text,
// media caption, voice transcript, forwarded text) into the single Body the
// dispatch core operates on. Empty fragments are skipped; fragments are
// separated by a blank line.
func ComposeBody(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// DetectMention reports whether the bot is mentioned, from an explicit
// mention list when the provider supplies one, otherwise by scanning the
// body for @botUsername.
func DetectMention(body string, mentions []string, botID, botUsername string) bool {
	if len(mentions) > 0 {
		for _, m := range mentions {
			m = NormalizeID(m)
			if m == botID || (botUsername != "" && strings.EqualFold(strings.TrimPrefix(m, "@"), botUsername)) {
				return true
			}
		}
		return false
	}
	if botUsername == "" {
		return false
	}
	return containsMentionToken(body, botUsername)
}

// containsMentionToken scans for "@username" as a standalone token, so that
// "@alicebot" does not match bot username "alice".
func containsMentionToken(body, username string) bool {
	lower := strings.ToLower(body)
	needle := "@" + strings.ToLower(username)
	idx := 0
	for {
		i := strings.Index(lower[idx:], needle)
		if i < 0 {
			return false
		}
		i += idx
		end := i + len(needle)
		if end == len(lower) || !isWordByte(lower[end]) {
			return true
		}
		idx = end
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

// StripMention removes a leading @botUsername from the body, the usual form
// of addressing the bot in a group.
func StripMention(body, botUsername string) string {
	if botUsername == "" {
		return body
	}
	trimmed := strings.TrimSpace(body)
	needle := "@" + botUsername
	if len(trimmed) >= len(needle) && strings.EqualFold(trimmed[:len(needle)], needle) {
		rest := trimmed[len(needle):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\n' || rest[0] == ',' || rest[0] == ':' {
			return strings.TrimLeft(rest, " \n,:")
		}
	}
	return body
}
