package dispatch

import (
	"strings"
	"testing"
)

func TestChunkShortTextUntouched(t *testing.T) {
	got := Chunk("hello world", 100)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("got %v", got)
	}
}

func TestChunkRespectsLimit(t *testing.T) {
	paras := make([]string, 20)
	for i := range paras {
		paras[i] = strings.Repeat("word ", 30)
	}
	text := strings.Join(paras, "\n\n")

	for _, chunk := range Chunk(text, 500) {
		if runeLen(chunk) > 500 {
			t.Fatalf("chunk length %d exceeds limit", runeLen(chunk))
		}
	}
}

func TestChunkPrefersParagraphBoundaries(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph here\n\nthird paragraph here"
	chunks := Chunk(text, 45)
	for _, c := range chunks {
		if strings.Contains(c, "paragraph here\nsecond") {
			t.Fatal("split mid-paragraph when paragraph boundary available")
		}
	}
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
}

func TestChunkFenceBalance(t *testing.T) {
	var body strings.Builder
	for i := 0; i < 100; i++ {
		body.WriteString("fmt.Println(\"line of code that is reasonably long\")\n")
	}
	text := "Intro paragraph.\n\n```go\n" + body.String() + "```\n\nOutro."

	chunks := Chunk(text, 800)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if runeLen(chunk) > 800 {
			t.Fatalf("chunk %d length %d exceeds limit", i, runeLen(chunk))
		}
		if strings.Count(chunk, "```")%2 != 0 {
			t.Fatalf("chunk %d has unbalanced fences:\n%s", i, chunk)
		}
	}
	// The language tag survives the split.
	reopened := 0
	for _, chunk := range chunks {
		reopened += strings.Count(chunk, "```go")
	}
	if reopened < 2 {
		t.Fatalf("fence info string not carried into continuation chunks (%d)", reopened)
	}
}

func TestChunkOversizedFenceLineIsHardSplit(t *testing.T) {
	long := strings.Repeat("abcdef", 100) // one 600-rune line, no spaces
	text := "```json\n" + long + "\n```"

	chunks := Chunk(text, 200)
	if len(chunks) < 2 {
		t.Fatalf("expected the oversized line to split, got %d chunk(s)", len(chunks))
	}
	for i, chunk := range chunks {
		if runeLen(chunk) > 200 {
			t.Fatalf("chunk %d length %d exceeds limit", i, runeLen(chunk))
		}
		if strings.Count(chunk, "```")%2 != 0 {
			t.Fatalf("chunk %d has unbalanced fences:\n%s", i, chunk)
		}
	}
	joined := strings.Join(chunks, "")
	for _, piece := range []string{"abcdef"} {
		if !strings.Contains(joined, piece) {
			t.Fatalf("content lost in split: %q", piece)
		}
	}
}

func TestChunkUnterminatedFenceIsClosed(t *testing.T) {
	text := "before\n\n```\n" + strings.Repeat("x\n", 50)
	for _, chunk := range Chunk(text, 60) {
		if strings.Count(chunk, "```")%2 != 0 {
			t.Fatalf("unbalanced fences in chunk:\n%s", chunk)
		}
	}
}

func TestChunkPreservesListItemBoundaries(t *testing.T) {
	var items []string
	for i := 0; i < 30; i++ {
		items = append(items, "- a list item with some words in it")
	}
	text := strings.Join(items, "\n")

	for _, chunk := range Chunk(text, 200) {
		for _, line := range strings.Split(chunk, "\n") {
			if line != "" && !strings.HasPrefix(line, "- ") {
				t.Fatalf("list item broken mid-line: %q", line)
			}
		}
	}
}

func TestChunkLimitTable(t *testing.T) {
	if ChunkLimit("discord", 0) != 2000 {
		t.Fatal("discord limit")
	}
	if ChunkLimit("twitch", 0) != 500 {
		t.Fatal("twitch limit")
	}
	if ChunkLimit("msteams", 0) != 28000 {
		t.Fatal("teams limit")
	}
	if ChunkLimit("telegram", 1234) != 1234 {
		t.Fatal("override must win")
	}
	if ChunkLimit("unknown", 0) != defaultChunkLimit {
		t.Fatal("default limit")
	}
}
