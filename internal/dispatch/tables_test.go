package dispatch

import (
	"strings"
	"testing"
)

const sampleTable = "before\n| Name | Score |\n|------|-------|\n| ana  | 10    |\n| bob  | 7     |\nafter"

func TestRewriteTablesCode(t *testing.T) {
	got := RewriteTables(sampleTable, TableModeCode)
	if !strings.Contains(got, "```\n| Name | Score |") {
		t.Fatalf("table not fenced:\n%s", got)
	}
	if strings.Count(got, "```") != 2 {
		t.Fatalf("fence count:\n%s", got)
	}
	if !strings.HasPrefix(got, "before\n") || !strings.HasSuffix(got, "\nafter") {
		t.Fatalf("surrounding text altered:\n%s", got)
	}
}

func TestRewriteTablesPlain(t *testing.T) {
	got := RewriteTables(sampleTable, TableModePlain)
	if strings.Contains(got, "|") {
		t.Fatalf("pipes must be stripped:\n%s", got)
	}
	if strings.Contains(got, "---") {
		t.Fatalf("separator row must be dropped:\n%s", got)
	}
	if !strings.Contains(got, "Name") || !strings.Contains(got, "bob") {
		t.Fatalf("cells lost:\n%s", got)
	}
}

func TestRewriteTablesPreserve(t *testing.T) {
	if got := RewriteTables(sampleTable, TableModePreserve); got != sampleTable {
		t.Fatal("preserve must pass through")
	}
}

func TestRewriteTablesIgnoresFencedTables(t *testing.T) {
	text := "```\n| a | b |\n|---|---|\n```"
	if got := RewriteTables(text, TableModeCode); got != text {
		t.Fatalf("table inside fence must be untouched:\n%s", got)
	}
}
