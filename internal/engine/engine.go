// Package engine defines the boundary to the agent reasoning engine. The
// engine is a black box that yields a sequence of raw execution events for
// one run; everything downstream (normalizer, session controller, gateway)
// depends only on the Source interface defined here.
package engine

import (
	"context"
	"encoding/json"

	"github.com/agentwire/agentwire/internal/protocol"
)

// RawKind tags a raw engine event.
type RawKind string

// Raw event kinds produced by the engine. The normalizer converts this
// closed set into canonical wire events.
const (
	RawRunBegin         RawKind = "run_begin"
	RawRunComplete      RawKind = "run_complete"
	RawMessageChunk     RawKind = "message_chunk"
	RawPhaseStart       RawKind = "phase_start"
	RawPhaseEnd         RawKind = "phase_end"
	RawToolInvocation   RawKind = "tool_invocation"
	RawToolCompletion   RawKind = "tool_completion"
	RawApprovalRequired RawKind = "approval_required"
	RawFailure          RawKind = "failure"
)

// RawEvent is the tagged union emitted by an engine Source. Only the fields
// relevant to Kind are populated.
type RawEvent struct {
	Kind  RawKind
	RunID string

	// message_chunk
	Text string

	// phase_start / phase_end
	PhaseID   string
	PhaseName string

	// tool_invocation / tool_completion / approval_required
	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage
	ToolResult json.RawMessage
	ToolErr    string
	Reason     string

	// run_complete
	FinalMessage string

	// failure
	ErrMessage string

	// Passthrough carries an event from a newer engine that already speaks
	// the canonical wire shape. When set, the other fields are ignored.
	Passthrough *protocol.Event
}

// Source yields the raw event sequence for one run. Recv blocks until the
// next event is available and returns io.EOF once the run is drained. A
// non-EOF error means the engine itself failed; the session controller
// reports it as exactly one run_error.
//
// There is a single active producer per run: Recv is called from one
// goroutine only.
type Source interface {
	Recv(ctx context.Context) (RawEvent, error)
	Close() error
}

// Runner starts a run for a user message and returns its event source.
type Runner interface {
	Run(ctx context.Context, runID, threadID, message string) (Source, error)
}

// Approver resumes a run paused on an approval request. Implemented by
// sources that can pause (see Guard); the gateway's HITL coordinator calls
// Resolve with the client's decision.
type Approver interface {
	Resolve(runID string, decision protocol.HITLDecision) error
}
