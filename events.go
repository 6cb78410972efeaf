package x402

import "time"

// InvocationEventType is the lifecycle stage an event reports.
type InvocationEventType string

const (
	// EventChallenged is emitted when a challenge is issued.
	EventChallenged InvocationEventType = "challenged"

	// EventVerified is emitted when a proof passes verification.
	EventVerified InvocationEventType = "verified"

	// EventSettled is emitted when an invocation executed and settled.
	EventSettled InvocationEventType = "settled"

	// EventReplayed is emitted when a stored outcome is returned for a reused nonce.
	EventReplayed InvocationEventType = "replayed"

	// EventFailed is emitted for every error outcome.
	EventFailed InvocationEventType = "failed"
)

// InvocationEvent describes one step of a paid invocation. Events feed
// logging and metrics.
type InvocationEvent struct {
	Type      InvocationEventType
	Timestamp time.Time

	// Transport is "MCP" or "HTTP".
	Transport string

	Tool    string
	Nonce   string
	Network string
	Amount  string
	Payer   string

	// Transaction is the settlement transaction hash (settled and replayed events).
	Transaction string

	// Code classifies failures (failed events only).
	Code  ErrorCode
	Error error

	// Duration is the time since the invocation entered the gateway.
	Duration time.Duration
}

// EventCallback receives invocation events. Callbacks run synchronously on
// the request goroutine and must not block.
type EventCallback func(InvocationEvent)

// Callbacks fans a single event out to several callbacks.
func Callbacks(cbs ...EventCallback) EventCallback {
	return func(ev InvocationEvent) {
		for _, cb := range cbs {
			if cb != nil {
				cb(ev)
			}
		}
	}
}
