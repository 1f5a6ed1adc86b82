package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/mymmrac/telego/telegoapi"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("-1001234567890")
	if err != nil || id != -1001234567890 {
		t.Fatalf("id = %d, err = %v", id, err)
	}

	id, err = parseChatID("-100123:topic:42")
	if err != nil || id != -100123 {
		t.Fatalf("composite id = %d, err = %v", id, err)
	}

	if _, err := parseChatID("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestParseTopicID(t *testing.T) {
	if got := parseTopicID("-100123:topic:42"); got != 42 {
		t.Fatalf("topic = %d", got)
	}
	if got := parseTopicID("-100123"); got != 0 {
		t.Fatalf("plain chat topic = %d", got)
	}
	// The General topic must not be passed as an explicit thread ID.
	if got := parseTopicID("-100123:topic:1"); got != 0 {
		t.Fatalf("general topic = %d", got)
	}
}

func TestClassifySendError(t *testing.T) {
	rateLimited := &telegoapi.Error{
		ErrorCode:  429,
		Parameters: &telegoapi.ResponseParameters{RetryAfter: 7},
	}
	err := classifySendError(rateLimited)
	if !channels.IsTransient(err) {
		t.Fatal("429 must be transient")
	}
	if got := channels.RetryAfterOf(err); got != 7*time.Second {
		t.Fatalf("retry-after = %v", got)
	}

	badRequest := &telegoapi.Error{ErrorCode: 400}
	if channels.IsTransient(classifySendError(badRequest)) {
		t.Fatal("400 must be permanent")
	}

	serverErr := &telegoapi.Error{ErrorCode: 502}
	if !channels.IsTransient(classifySendError(serverErr)) {
		t.Fatal("5xx must be transient")
	}

	if !channels.IsTransient(classifySendError(errors.New("dial timeout"))) {
		t.Fatal("network error must be transient")
	}
}

func TestMediaKind(t *testing.T) {
	if got := mediaKind(bus.MediaRef{ContentType: "image/png"}); got != "photo" {
		t.Fatalf("image kind = %s", got)
	}
	if got := mediaKind(bus.MediaRef{ContentType: "audio/ogg"}); got != "audio" {
		t.Fatalf("audio kind = %s", got)
	}
	if got := mediaKind(bus.MediaRef{ContentType: "application/pdf"}); got != "document" {
		t.Fatalf("document kind = %s", got)
	}
}
