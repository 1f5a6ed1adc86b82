package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/admission"
	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// consumeInbound is the ingress loop: every envelope the adapters publish
// runs through admission, then lands on its conversation's lane.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, ctrl *admission.Controller, router *sessions.Router, sched *scheduler.Scheduler, manager *channels.Manager) {
	slog.Info("inbound consumer started")

	for {
		env, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound consumer stopped")
			return
		}

		decision := ctrl.Admit(ctx, &env)
		if !decision.Admitted {
			if decision.ReadOnly {
				markRead(ctx, manager, &env)
			}
			cleanupMedia(&env)
			continue
		}

		sessionKey := router.SessionKey(&env)
		sched.Enqueue(sessionKey, &env)
	}
}

// markRead sends a best-effort read receipt for historical backlog that is
// suppressed from dispatch, on adapters that support it.
func markRead(ctx context.Context, manager *channels.Manager, env *bus.InboundEnvelope) {
	if env.MessageID == "" {
		return
	}
	ch, ok := manager.Get(env.Channel)
	if !ok {
		return
	}
	rr, ok := ch.(channels.ReadReceiptChannel)
	if !ok {
		return
	}
	if err := rr.MarkRead(ctx, env.ChatID, env.MessageID); err != nil {
		slog.Debug("read receipt failed", "channel", env.Channel, "chat", env.ChatID, "error", err)
	}
}

// makeTurnFunc builds the per-turn execution path: a reply sink bound to the
// envelope's chat, the agent runner, then session bookkeeping and usage
// diagnostics.
func makeTurnFunc(cfg *config.Config, manager *channels.Manager, breakers map[string]*channels.Breaker, diagBus *bus.DiagnosticsBus, runner agent.Runner, sessStore *store.SessionStore) scheduler.TurnFunc {
	return func(ctx context.Context, sessionKey string, env *bus.InboundEnvelope) error {
		defer cleanupMedia(env)

		ch, ok := manager.Get(env.Channel)
		if !ok {
			return fmt.Errorf("no adapter for channel %s", env.Channel)
		}

		common := cfg.ChannelOptions(env.Channel)
		opts := dispatch.SinkOptions{
			ChatID:        env.ChatID,
			TableMode:     cfg.TableMode(env.Channel),
			FlushInterval: cfg.FlushInterval(),
		}
		if common != nil {
			opts.ChunkLimit = common.TextChunkLimit
			opts.MediaMaxMB = common.MediaMaxMB
			opts.ReactionsEnabled = common.Actions.ReactionsEnabled()
		}
		sink := dispatch.NewTurnSink(ch, breakers[env.Channel], diagBus, opts)

		start := time.Now()
		result, err := runner.RunTurn(ctx, sessionKey, env, sink)
		if err != nil {
			// Flush whatever the turn produced before it failed.
			_ = sink.Finalize(ctx)
			return err
		}

		if result.DurationMs == 0 {
			result.DurationMs = time.Since(start).Milliseconds()
		}

		rec, _, getErr := sessStore.Get(sessionKey)
		if getErr != nil {
			slog.Warn("session record read failed", "session", sessionKey, "error", getErr)
		}
		rec.SessionID = result.SessionID
		rec.LastChannel = env.Channel
		rec.LastTo = env.ChatID
		if putErr := sessStore.Put(sessionKey, rec); putErr != nil {
			slog.Warn("session record update failed", "session", sessionKey, "error", putErr)
		}
		if result.InputTokens > 0 || result.OutputTokens > 0 {
			if usageErr := sessStore.AccumulateUsage(sessionKey, result.InputTokens, result.OutputTokens); usageErr != nil {
				slog.Warn("session usage update failed", "session", sessionKey, "error", usageErr)
			}
		}

		diagBus.Publish(protocol.EventModelUsage, bus.ModelUsagePayload{
			SessionKey:   sessionKey,
			Model:        result.Model,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			DurationMs:   result.DurationMs,
		})
		return nil
	}
}

// cleanupMedia removes the temp files an adapter downloaded for an envelope.
// Files live exactly as long as their turn.
func cleanupMedia(env *bus.InboundEnvelope) {
	for _, ref := range env.MediaRefs {
		if ref.LocalPath == "" {
			continue
		}
		if err := os.Remove(ref.LocalPath); err != nil && !os.IsNotExist(err) {
			slog.Debug("media cleanup failed", "path", ref.LocalPath, "error", err)
		}
	}
}
