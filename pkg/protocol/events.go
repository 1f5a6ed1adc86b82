package protocol

// Diagnostic event names published on the process-wide diagnostics bus.
const (
	EventModelUsage       = "model.usage"
	EventWebhookReceived  = "webhook.received"
	EventWebhookProcessed = "webhook.processed"
	EventWebhookError     = "webhook.error"
	EventMessageQueued    = "message.queued"
	EventMessageProcessed = "message.processed"
	EventLaneEnqueue      = "queue.lane.enqueue"
	EventLaneDequeue      = "queue.lane.dequeue"
	EventSessionState     = "session.state"
	EventSessionStuck     = "session.stuck"
	EventRunAttempt       = "run.attempt"
	EventHeartbeat        = "diagnostic.heartbeat"
)

// Circuit breaker transition events (per channel adapter).
const (
	EventBreakerOpen     = "relay.circuit_breaker.open"
	EventBreakerHalfOpen = "relay.circuit_breaker.half_open"
	EventBreakerClosed   = "relay.circuit_breaker.closed"
)

// Session state values carried in session.state payloads.
const (
	SessionStateProcessing = "processing"
	SessionStateIdle       = "idle"
)

// message.processed outcome values.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeDenied    = "denied"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)
