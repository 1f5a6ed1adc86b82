// Package heartbeat emits periodic liveness events on the diagnostics bus,
// driven by a cron schedule.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// defaultSchedule fires every minute.
const defaultSchedule = "* * * * *"

// Stats supplies the gauge values carried on each heartbeat.
type Stats interface {
	LaneCount() int
	PendingDepth() int
}

// Emitter publishes diagnostic.heartbeat on a cron cadence.
type Emitter struct {
	schedule string
	diag     *bus.DiagnosticsBus
	stats    Stats
}

// New validates the schedule and builds an emitter. An empty schedule means
// every minute.
func New(schedule string, diag *bus.DiagnosticsBus, stats Stats) (*Emitter, error) {
	if schedule == "" {
		schedule = defaultSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid heartbeat schedule %q", schedule)
	}
	return &Emitter{schedule: schedule, diag: diag, stats: stats}, nil
}

// Run blocks until the context is cancelled, emitting at each cron tick.
func (e *Emitter) Run(ctx context.Context) error {
	slog.Info("heartbeat started", "schedule", e.schedule)
	for {
		next, err := gronx.NextTick(e.schedule, false)
		if err != nil {
			return fmt.Errorf("compute next heartbeat tick: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}

		e.diag.Publish(protocol.EventHeartbeat, bus.HeartbeatPayload{
			Lanes:   e.stats.LaneCount(),
			Pending: e.stats.PendingDepth(),
		})
	}
}
