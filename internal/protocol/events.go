// Package protocol defines the canonical wire events exchanged between the
// gateway and clients, and the inbound control messages clients may send.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a canonical wire event.
type EventType string

// Canonical event types, one JSON object per WebSocket frame.
const (
	EventRunStarted        EventType = "run_started"
	EventRunFinished       EventType = "run_finished"
	EventRunError          EventType = "run_error"
	EventStepStarted       EventType = "step_started"
	EventStepFinished      EventType = "step_finished"
	EventToken             EventType = "token"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventHITLRequest       EventType = "hitl_request"
	EventProgress          EventType = "progress"
)

// Deprecated event kinds still emitted by older gateways during the migration
// window. Clients must filter these before they reach application state.
var deprecatedTypes = map[EventType]bool{
	"delta":              true,
	"state":              true,
	"agent_stream_delta": true,
}

var canonicalTypes = map[EventType]bool{
	EventRunStarted:        true,
	EventRunFinished:       true,
	EventRunError:          true,
	EventStepStarted:       true,
	EventStepFinished:      true,
	EventToken:             true,
	EventToolCallStarted:   true,
	EventToolCallCompleted: true,
	EventHITLRequest:       true,
	EventProgress:          true,
}

// Metadata carries routing and tracing information for an event.
type Metadata struct {
	ThreadID string `json:"thread_id"`
	TraceID  string `json:"trace_id,omitempty"`
	Ts       int64  `json:"ts,omitempty"` // Unix milliseconds
	Seq      uint64 `json:"seq,omitempty"`
}

// Event is the canonical unit of transport. Every event belongs to exactly
// one run; ordering within a run is the producer's responsibility.
type Event struct {
	Event    EventType       `json:"event"`
	RunID    string          `json:"run_id"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// IsTerminal reports whether the event ends its run.
func (e *Event) IsTerminal() bool {
	return e.Event == EventRunFinished || e.Event == EventRunError
}

// IsCanonical reports whether t is a known canonical event type.
func IsCanonical(t EventType) bool {
	return canonicalTypes[t]
}

// IsDeprecated reports whether t is a legacy event kind that must be
// filtered client-side.
func IsDeprecated(t EventType) bool {
	return deprecatedTypes[t]
}

// Validate checks an inbound event against the canonical shape. Deprecated
// kinds fail validation with ErrDeprecatedEvent so callers can drop them
// silently; anything else malformed gets a descriptive error.
func (e *Event) Validate() error {
	if IsDeprecated(e.Event) {
		return ErrDeprecatedEvent
	}
	if !IsCanonical(e.Event) {
		return fmt.Errorf("unknown event type %q", e.Event)
	}
	if e.RunID == "" {
		return fmt.Errorf("event %s missing run_id", e.Event)
	}
	if e.Metadata.ThreadID == "" {
		return fmt.Errorf("event %s missing metadata.thread_id", e.Event)
	}
	return nil
}

// TokenData is the payload of a token event.
type TokenData struct {
	Text string `json:"text"`
}

// RunErrorData is the payload of a run_error event.
type RunErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Stable error kinds carried by run_error events.
const (
	ErrorKindTimeout  = "timeout"
	ErrorKindUpstream = "upstream_failure"
)

// RunFinishedData is the payload of a run_finished event.
type RunFinishedData struct {
	FinalMessage string `json:"final_message,omitempty"`
}

// StepData is the payload of step_started and step_finished events.
type StepData struct {
	StepID string `json:"step_id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// ToolCallStartedData is the payload of a tool_call_started event.
type ToolCallStartedData struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolCallCompletedData is the payload of a tool_call_completed event.
// Status is "completed" or "error".
type ToolCallCompletedData struct {
	ToolCallID string          `json:"tool_call_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// HITLRequestData is the payload of a hitl_request event.
type HITLRequestData struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ProgressData is the payload of a progress (heartbeat) event.
type ProgressData struct {
	Idle bool `json:"idle,omitempty"`
}

// MarshalData marshals v into an event data payload. It panics only on
// unmarshalable payload types, which are programming errors.
func MarshalData(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal event data: %v", err))
	}
	return data
}
