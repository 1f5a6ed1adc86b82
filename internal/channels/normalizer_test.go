package channels

import "testing"

func TestNormalizeIDStripsPrefixes(t *testing.T) {
	cases := map[string]string{
		"zalo:12345":    "12345",
		"msteams:abc":   "abc",
		"discord:99":    "99",
		"teams:xyz":     "xyz",
		"user:7":        "7",
		"plain-id":      "plain-id",
		"123|username":  "123|username",
	}
	for in, want := range cases {
		if got := NormalizeID(in); got != want {
			t.Errorf("NormalizeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIDIdempotent(t *testing.T) {
	for _, id := range []string{"zalo:12345", "user:7", "plain"} {
		once := NormalizeID(id)
		if twice := NormalizeID(once); twice != once {
			t.Errorf("NormalizeID not idempotent for %q: %q then %q", id, once, twice)
		}
	}
}

func TestNormalizeChatType(t *testing.T) {
	cases := map[string]string{
		"1":          "direct",
		"2":          "group",
		"GROUP":      "group",
		"SINGLE":     "direct",
		"private":    "direct",
		"supergroup": "group",
		"":           "direct",
		"whatever":   "direct",
	}
	for in, want := range cases {
		if got := string(NormalizeChatType(in)); got != want {
			t.Errorf("NormalizeChatType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestComposeBody(t *testing.T) {
	got := ComposeBody("hello", "", "  ", "caption text")
	want := "hello\n\ncaption text"
	if got != want {
		t.Fatalf("ComposeBody = %q, want %q", got, want)
	}
	if ComposeBody("", "") != "" {
		t.Fatal("all-empty fragments must yield empty body")
	}
}

func TestDetectMentionExplicitList(t *testing.T) {
	if !DetectMention("anything", []string{"discord:bot1"}, "bot1", "") {
		t.Fatal("mention list with bot ID must match")
	}
	if DetectMention("anything", []string{"other"}, "bot1", "mybot") {
		t.Fatal("mention list without bot must not match")
	}
}

func TestDetectMentionBodyFallback(t *testing.T) {
	if !DetectMention("hey @MyBot do this", nil, "b1", "mybot") {
		t.Fatal("case-insensitive @username must match")
	}
	if DetectMention("hey @mybotfan", nil, "b1", "mybot") {
		t.Fatal("prefix of a longer handle must not match")
	}
	if DetectMention("no mention here", nil, "b1", "mybot") {
		t.Fatal("plain text must not match")
	}
}

func TestStripMention(t *testing.T) {
	if got := StripMention("@mybot run status", "mybot"); got != "run status" {
		t.Fatalf("StripMention = %q", got)
	}
	if got := StripMention("@mybot", "mybot"); got != "" {
		t.Fatalf("bare mention should strip to empty, got %q", got)
	}
	if got := StripMention("@mybots run", "mybot"); got != "@mybots run" {
		t.Fatalf("longer handle must be preserved, got %q", got)
	}
}

func TestMatchAllowListCompound(t *testing.T) {
	allow := []string{"123|alice", "@bob", "777"}

	for _, ok := range []string{"123", "123|alice", "alice", "bob", "777", "777|carol"} {
		if !MatchAllowList(allow, ok) {
			t.Errorf("expected %q to be allowed", ok)
		}
	}
	for _, no := range []string{"999", "mallory", ""} {
		if MatchAllowList(allow, no) {
			t.Errorf("expected %q to be denied", no)
		}
	}
}
