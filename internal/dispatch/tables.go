package dispatch

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Table rewrite modes, configured per channel.
const (
	TableModeCode     = "code"     // wrap tables in code fences
	TableModePlain    = "plain"    // strip pipes, align columns as plain text
	TableModePreserve = "preserve" // pass through
)

// RewriteTables transforms markdown tables in text per the channel's mode.
// Tables inside code fences are left alone.
func RewriteTables(text, mode string) string {
	if mode == TableModePreserve || mode == "" {
		return text
	}

	lines := strings.Split(text, "\n")
	var out []string
	inFence := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence || !isTableRow(trimmed) {
			out = append(out, line)
			continue
		}

		// Collect the table run.
		start := i
		for i < len(lines) && isTableRow(strings.TrimSpace(lines[i])) {
			i++
		}
		table := lines[start:i]
		i--

		switch mode {
		case TableModeCode:
			out = append(out, "```")
			out = append(out, table...)
			out = append(out, "```")
		case TableModePlain:
			out = append(out, renderPlainTable(table)...)
		default:
			out = append(out, table...)
		}
	}
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.Count(line, "|") >= 2
}

func isSeparatorRow(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			return false
		}
		for _, r := range c {
			if r != '-' && r != ':' {
				return false
			}
		}
	}
	return true
}

// renderPlainTable strips markdown table syntax and aligns columns using
// display width, so CJK cells line up.
func renderPlainTable(rows []string) []string {
	var parsed [][]string
	for _, row := range rows {
		cells := splitRow(row)
		if isSeparatorRow(cells) {
			continue
		}
		parsed = append(parsed, cells)
	}
	if len(parsed) == 0 {
		return nil
	}

	widths := make([]int, 0)
	for _, cells := range parsed {
		for i, c := range cells {
			w := runewidth.StringWidth(c)
			if i >= len(widths) {
				widths = append(widths, w)
			} else if w > widths[i] {
				widths[i] = w
			}
		}
	}

	out := make([]string, 0, len(parsed))
	for _, cells := range parsed {
		var b strings.Builder
		for i, c := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(c)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(c)))
			}
		}
		out = append(out, strings.TrimRight(b.String(), " "))
	}
	return out
}

func splitRow(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	row = strings.TrimSuffix(row, "|")
	parts := strings.Split(row, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
