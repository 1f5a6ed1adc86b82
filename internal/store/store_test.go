package store

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestAllowFromAddListRemove(t *testing.T) {
	s := NewAllowFromStore(t.TempDir())

	if err := s.Add("telegram", AllowEntry{ID: "42", Via: "pairing"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("telegram", AllowEntry{ID: "43", Via: "manual"}); err != nil {
		t.Fatal(err)
	}
	// Re-adding refreshes, never duplicates.
	if err := s.Add("telegram", AllowEntry{ID: "42", Via: "manual", Note: "updated"}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List("telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == "42" && e.Note != "updated" {
			t.Fatal("re-add must refresh metadata")
		}
	}

	if err := s.Remove("telegram", "42"); err != nil {
		t.Fatal(err)
	}
	ids, err := s.IDs("telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "43" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestPairingCreateIsSingleShot(t *testing.T) {
	s := NewPairingStore(t.TempDir())

	code1, created, err := s.Create("telegram", "42", "alice", "42")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first create must issue a code")
	}
	if len(code1) != pairingCodeLen {
		t.Fatalf("code length = %d", len(code1))
	}
	for _, r := range code1 {
		switch r {
		case '0', 'O', '1', 'I':
			t.Fatalf("ambiguous character %q in code %s", r, code1)
		}
	}

	// Second message from the same sender reuses the pending request.
	code2, created, err := s.Create("telegram", "42", "alice", "42")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("pending request must not re-issue")
	}
	if code2 != code1 {
		t.Fatalf("code changed: %s != %s", code2, code1)
	}
}

func TestPairingApproveCAS(t *testing.T) {
	s := NewPairingStore(t.TempDir())

	code, _, err := s.Create("discord", "99", "", "99")
	if err != nil {
		t.Fatal(err)
	}

	req, err := s.Approve("discord", code)
	if err != nil {
		t.Fatal(err)
	}
	if req.SenderID != "99" {
		t.Fatalf("approved sender = %s", req.SenderID)
	}

	// Second approval of the same code loses the race.
	if _, err := s.Approve("discord", code); !errors.Is(err, ErrPairingNotFound) {
		t.Fatalf("err = %v, want ErrPairingNotFound", err)
	}
}

func TestPairingExpiry(t *testing.T) {
	s := NewPairingStore(t.TempDir())
	base := time.Now()
	s.now = func() time.Time { return base }

	code, _, err := s.Create("telegram", "7", "", "7")
	if err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(PairingTTL + time.Minute) }

	if _, err := s.Approve("telegram", code); !errors.Is(err, ErrPairingNotFound) {
		t.Fatal("expired code must not approve")
	}
	pending, err := s.List("telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expired requests must be pruned, got %d", len(pending))
	}

	// A fresh create after expiry issues a new code.
	_, created, err := s.Create("telegram", "7", "", "7")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expired request must not satisfy a new create")
	}
}

func TestConvRefTouchTwiceKeepsOne(t *testing.T) {
	s := NewConvRefStore(t.TempDir())

	if err := s.Touch("web", ConvRef{ChatID: "conv-1", Kind: "direct"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Touch("web", ConvRef{ChatID: "conv-1", Kind: "direct", DisplayName: "renamed"}); err != nil {
		t.Fatal(err)
	}

	refs, err := s.List("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("len = %d, want 1", len(refs))
	}
	if refs[0].DisplayName != "renamed" {
		t.Fatal("second touch must update in place")
	}
}

func TestConvRefEviction(t *testing.T) {
	base := time.Now()

	data := convRefFile{Refs: make(map[string]ConvRef)}
	for i := 0; i < convRefCap+5; i++ {
		id := "conv-" + strconv.Itoa(i)
		data.Refs[id] = ConvRef{ChatID: id, RefreshedAtMs: base.Add(time.Duration(i) * time.Second).UnixMilli()}
	}
	pruneConvRefs(&data, base.Add(time.Duration(convRefCap+5)*time.Second))

	if len(data.Refs) != convRefCap {
		t.Fatalf("len = %d, want %d", len(data.Refs), convRefCap)
	}
	// Oldest entries evicted first.
	if _, ok := data.Refs["conv-0"]; ok {
		t.Fatal("oldest ref must be evicted")
	}
	if _, ok := data.Refs["conv-"+strconv.Itoa(convRefCap+4)]; !ok {
		t.Fatal("newest ref must survive")
	}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	s := NewSessionStore(t.TempDir())

	key := "agent:main:telegram:direct:42"
	if _, ok, _ := s.Get(key); ok {
		t.Fatal("empty store must miss")
	}

	if err := s.Put(key, SessionRecord{SessionID: "sess-1", LastChannel: "telegram", LastTo: "42"}); err != nil {
		t.Fatal(err)
	}
	rec, ok, err := s.Get(key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.SessionID != "sess-1" || rec.UpdatedAtMs == 0 {
		t.Fatalf("rec = %+v", rec)
	}

	if err := s.AccumulateUsage(key, 100, 20); err != nil {
		t.Fatal(err)
	}
	rec, _, _ = s.Get(key)
	if rec.InputTokens != 100 || rec.OutputTokens != 20 {
		t.Fatalf("usage = %+v", rec)
	}

	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(key); ok {
		t.Fatal("deleted key must miss")
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	f := newJSONFile(path)
	var data sessionsFile
	if err := f.Read(&data); err != nil {
		t.Fatalf("corrupt file must degrade to empty state, got %v", err)
	}
	if len(data.Sessions) != 0 {
		t.Fatal("expected empty state")
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatal("corrupt file must be quarantined")
	}
}
