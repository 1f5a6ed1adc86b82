package heartbeat

import (
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

type fakeStats struct{ lanes, pending int }

func (f fakeStats) LaneCount() int    { return f.lanes }
func (f fakeStats) PendingDepth() int { return f.pending }

func TestNewValidatesSchedule(t *testing.T) {
	diag := bus.NewDiagnosticsBus()

	if _, err := New("", diag, fakeStats{}); err != nil {
		t.Fatalf("default schedule rejected: %v", err)
	}
	if _, err := New("*/5 * * * *", diag, fakeStats{}); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	if _, err := New("not a cron", diag, fakeStats{}); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}
