package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// EchoRunner is the built-in fallback runner: it replies with the inbound
// body. Useful for wiring checks and as the default when no external runner
// is configured.
type EchoRunner struct{}

func (EchoRunner) RunTurn(ctx context.Context, _ string, env *bus.InboundEnvelope, reply ReplySink) (TurnResult, error) {
	start := time.Now()

	body := env.Body
	if body == "" {
		body = "(empty message)"
	}
	if err := reply.SendBlock(ctx, body); err != nil {
		return TurnResult{}, err
	}
	if len(env.MediaRefs) > 0 {
		if err := reply.SendMedia(ctx, env.MediaRefs, ""); err != nil {
			return TurnResult{}, err
		}
	}
	if err := reply.Finalize(ctx); err != nil {
		return TurnResult{}, err
	}

	return TurnResult{
		Model:      "echo",
		SessionID:  uuid.NewString(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
