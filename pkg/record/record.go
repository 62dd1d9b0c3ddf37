// Package record persists call lifecycle data: per-call event streams,
// transcript fragments, and the consolidated final record. Writes are
// at-least-once with idempotency keys, so the store may see duplicates
// but never diverging rows.
package record

import "time"

// EventKind tags one lifecycle event.
type EventKind string

const (
	EventCallCreated   EventKind = "call_created"
	EventStateChanged  EventKind = "state_changed"
	EventTranscript    EventKind = "transcript"
	EventToolCall      EventKind = "tool_call"
	EventTurnDelivered EventKind = "turn_delivered"
	EventDTMF          EventKind = "dtmf"
	EventWarning       EventKind = "warning"
)

// CallInfo identifies a call at creation time.
type CallInfo struct {
	CallID    string
	TenantID  string
	AgentID   string
	Direction string
	From      string
	To        string
	StreamSID string
	CarrierID string // the carrier's own call identifier
	StartedAt time.Time
}

// Event is one item in a call's lifecycle stream. Which fields are
// meaningful depends on Kind; the recorder assigns the idempotency
// counter.
type Event struct {
	Kind EventKind
	At   time.Time

	Info  *CallInfo // call_created
	State string    // state_changed
	Role  string    // transcript: "caller" or "agent"
	Text  string    // transcript fragment, warning text, dtmf digit
	Name  string    // tool name or mark name
	Args  string    // tool call arguments, JSON
}

// Final is the consolidated terminal record for one call.
type Final struct {
	State             string
	Reason            string
	StartedAt         time.Time
	EndedAt           time.Time
	RecordingURL      string
	ResumptionHandles int
	DroppedCaller     int64
	DroppedAgent      int64
}
