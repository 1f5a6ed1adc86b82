package dispatch

import (
	"strings"
	"unicode/utf8"
)

// Chunk splits text into pieces of at most limit characters at markdown-safe
// boundaries: never inside a fenced code block, preferring paragraph, then
// line (list item), then sentence, then word boundaries. Every emitted chunk
// carries balanced code fences; a fence split closes the fence and reopens
// it (with its info string) in the next chunk.
func Chunk(text string, limit int) []string {
	if limit <= 0 || runeLen(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}

	for _, block := range parseBlocks(text) {
		pieces := []string{block.text}
		if runeLen(block.text) > limit {
			if block.fenced {
				pieces = splitFence(block, limit)
			} else {
				pieces = splitParagraph(block.text, limit)
			}
		}
		for _, piece := range pieces {
			joined := runeLen(piece)
			if cur.Len() > 0 {
				joined += runeLen(cur.String()) + 2
			}
			if joined > limit {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(piece)
		}
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

type block struct {
	text   string
	fenced bool
	info   string // fence info string, e.g. "go"
}

// parseBlocks splits markdown into paragraphs and whole fenced code blocks.
func parseBlocks(text string) []block {
	lines := strings.Split(text, "\n")
	var blocks []block
	var cur []string
	inFence := false
	info := ""

	endBlock := func(fenced bool) {
		if len(cur) == 0 {
			return
		}
		blocks = append(blocks, block{text: strings.Join(cur, "\n"), fenced: fenced, info: info})
		cur = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inFence:
			cur = append(cur, line)
			if strings.HasPrefix(trimmed, "```") {
				inFence = false
				endBlock(true)
				info = ""
			}
		case strings.HasPrefix(trimmed, "```"):
			endBlock(false)
			inFence = true
			info = strings.TrimPrefix(trimmed, "```")
			cur = append(cur, line)
		case trimmed == "":
			endBlock(false)
		default:
			cur = append(cur, line)
		}
	}
	// Unterminated fence: balance it so no chunk leaks an open fence.
	if inFence {
		cur = append(cur, "```")
		endBlock(true)
	} else {
		endBlock(false)
	}
	return blocks
}

// splitFence splits an oversized code block at line boundaries, closing the
// fence at each cut and reopening it with the same info string.
func splitFence(b block, limit int) []string {
	lines := strings.Split(b.text, "\n")
	// Strip the original fences; they are re-added per piece.
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}

	open := "```" + b.info
	overhead := runeLen(open) + runeLen("\n") + runeLen("\n```")

	var pieces []string
	var cur []string
	curLen := 0
	flush := func() {
		if len(cur) > 0 {
			pieces = append(pieces, open+"\n"+strings.Join(cur, "\n")+"\n```")
			cur = nil
			curLen = 0
		}
	}
	width := limit - overhead
	if width < 1 {
		width = 1
	}
	for _, line := range lines {
		if runeLen(line) > width {
			// A single line longer than the limit: cut it at rune
			// boundaries so no piece can exceed the channel cap.
			flush()
			for _, part := range hardSplit(line, width) {
				pieces = append(pieces, open+"\n"+part+"\n```")
			}
			continue
		}
		lineLen := runeLen(line) + 1
		if curLen+lineLen+overhead > limit && len(cur) > 0 {
			flush()
		}
		cur = append(cur, line)
		curLen += lineLen
	}
	flush()
	return pieces
}

// splitParagraph splits an oversized paragraph, preferring line (list item)
// boundaries, then sentences, then words.
func splitParagraph(text string, limit int) []string {
	if strings.Contains(text, "\n") {
		return packUnits(strings.Split(text, "\n"), "\n", limit)
	}
	if sentences := splitSentences(text); len(sentences) > 1 {
		return packUnits(sentences, " ", limit)
	}
	return packUnits(strings.Fields(text), " ", limit)
}

// packUnits greedily joins units (splitting any single oversized unit by
// words, then runes) into pieces within limit.
func packUnits(units []string, sep string, limit int) []string {
	var pieces []string
	var cur strings.Builder

	emit := func(unit string) {
		need := runeLen(unit)
		if cur.Len() > 0 {
			need += runeLen(cur.String()) + runeLen(sep)
		}
		if need > limit && cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(unit)
	}

	for _, unit := range units {
		if runeLen(unit) <= limit {
			emit(unit)
			continue
		}
		sub := strings.Fields(unit)
		if len(sub) <= 1 {
			for _, hard := range hardSplit(unit, limit) {
				emit(hard)
			}
			continue
		}
		for _, w := range sub {
			if runeLen(w) > limit {
				for _, hard := range hardSplit(w, limit) {
					emit(hard)
				}
			} else {
				emit(w)
			}
		}
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}

// hardSplit cuts at rune boundaries as a last resort.
func hardSplit(s string, limit int) []string {
	var out []string
	runes := []rune(s)
	for len(runes) > limit {
		out = append(out, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && text[i+1] == ' ' {
			out = append(out, strings.TrimSpace(text[start:i+1]))
			start = i + 2
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
