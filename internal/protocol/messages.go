package protocol

import (
	"encoding/json"
	"errors"
)

// Control message types from client to gateway.
const (
	TypeChat         = "chat"
	TypeHITLResponse = "hitl_response"
	TypePing         = "ping"
)

// ControlMessage is the envelope for inbound control messages. Type selects
// which of the remaining fields are meaningful.
type ControlMessage struct {
	Type       string          `json:"type"`
	ThreadID   string          `json:"thread_id,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Message    string          `json:"message,omitempty"`
	Approved   *bool           `json:"approved,omitempty"`
	Response   string          `json:"response,omitempty"`
	EditedArgs json.RawMessage `json:"edited_args,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// HITLDecision is an approval decision routed back to a paused run. One of
// three outcomes applies: Approved answers the request directly (with
// EditedArgs optionally replacing the tool arguments before the call runs),
// and Response substitutes a textual answer for the tool call.
type HITLDecision struct {
	RunID      string          `json:"run_id"`
	Approved   bool            `json:"approved"`
	Response   string          `json:"response,omitempty"`
	EditedArgs json.RawMessage `json:"edited_args,omitempty"`
}

// EventProtocolError marks an ErrorFrame on the wire. It is not a run event
// and never carries sequence metadata.
const EventProtocolError = "protocol_error"

// ErrorFrame is sent to a client when an inbound control message cannot be
// processed. The connection stays open.
type ErrorFrame struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	Ts      int64  `json:"ts"`
}

// Error codes for ErrorFrame.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnknownRun     = "unknown_run"
	ErrorCodeNoPendingHITL  = "no_pending_hitl"
	ErrorCodeInternalError  = "internal_error"
)

// Close codes: 1000 is a normal closure and must not trigger a client
// reconnect; any other code is abnormal.
const CloseNormal = 1000

// Sentinel errors shared across the validation path.
var (
	ErrDeprecatedEvent = errors.New("deprecated event type")
)
