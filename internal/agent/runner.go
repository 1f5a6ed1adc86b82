// Package agent defines the contract between the gateway and the agent
// runtime. The runtime itself (LLM invocation, tool execution) is an
// external collaborator; the gateway only schedules turns and carries their
// replies.
package agent

import (
	"context"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// TypingState is the typing-indicator state carried to the adapter.
type TypingState string

const (
	TypingComposing TypingState = "composing"
	TypingIdle      TypingState = "idle"
)

// ReplySink receives the artifacts a turn produces, in order. The gateway's
// reply dispatcher implements it; replies for one lane are delivered FIFO
// because the sink is driven by the lane's own worker.
type ReplySink interface {
	// SendBlock buffers one text block for delivery.
	SendBlock(ctx context.Context, text string) error

	// SendMedia delivers media items. When caption is non-empty it
	// accompanies only the first item.
	SendMedia(ctx context.Context, media []bus.MediaRef, caption string) error

	// SendReaction attaches an emoji reaction to an inbound message.
	// Subject to the channel's reaction gate.
	SendReaction(ctx context.Context, targetMessageID, emoji string) error

	// SendTyping updates the typing indicator. Best-effort.
	SendTyping(ctx context.Context, state TypingState) error

	// Finalize flushes buffered text and clears the typing indicator.
	// Must be called exactly once at the end of the turn.
	Finalize(ctx context.Context) error
}

// TurnResult carries usage statistics for the completed turn; the gateway
// publishes them as model.usage diagnostics.
type TurnResult struct {
	Model        string
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	DurationMs   int64
}

// Runner executes one agent turn. The scheduler guarantees at most one
// in-flight call per session key.
type Runner interface {
	RunTurn(ctx context.Context, sessionKey string, env *bus.InboundEnvelope, reply ReplySink) (TurnResult, error)
}
