// Package normalizer converts raw engine events into canonical wire events.
// The transform is pure: one raw event in, zero or one wire events out.
package normalizer

import (
	"log"

	"github.com/agentwire/agentwire/internal/engine"
	"github.com/agentwire/agentwire/internal/protocol"
)

// Normalizer converts the raw events of one run. ThreadID and TraceID are
// stamped into every produced event's metadata; sequence numbers and
// timestamps are the session controller's job.
type Normalizer struct {
	ThreadID string
	TraceID  string
}

// New creates a normalizer for one run.
func New(threadID, traceID string) *Normalizer {
	return &Normalizer{ThreadID: threadID, TraceID: traceID}
}

// Normalize converts raw into a wire event. The second return is false when
// the raw event produced nothing: unrecognized kinds and malformed
// passthroughs are dropped and logged, never forwarded opaquely.
func (n *Normalizer) Normalize(raw engine.RawEvent) (*protocol.Event, bool) {
	if raw.Passthrough != nil {
		if err := raw.Passthrough.Validate(); err != nil {
			log.Printf("WARN: dropping non-conforming passthrough event: %v", err)
			return nil, false
		}
		return raw.Passthrough, true
	}

	ev := &protocol.Event{
		RunID: raw.RunID,
		Metadata: protocol.Metadata{
			ThreadID: n.ThreadID,
			TraceID:  n.TraceID,
		},
	}

	switch raw.Kind {
	case engine.RawRunBegin:
		ev.Event = protocol.EventRunStarted

	case engine.RawRunComplete:
		ev.Event = protocol.EventRunFinished
		ev.Data = protocol.MarshalData(protocol.RunFinishedData{FinalMessage: raw.FinalMessage})

	case engine.RawMessageChunk:
		ev.Event = protocol.EventToken
		ev.Data = protocol.MarshalData(protocol.TokenData{Text: raw.Text})

	case engine.RawPhaseStart:
		ev.Event = protocol.EventStepStarted
		ev.Data = protocol.MarshalData(protocol.StepData{StepID: raw.PhaseID, Name: raw.PhaseName, Status: "running"})

	case engine.RawPhaseEnd:
		ev.Event = protocol.EventStepFinished
		ev.Data = protocol.MarshalData(protocol.StepData{StepID: raw.PhaseID, Name: raw.PhaseName, Status: "completed"})

	case engine.RawToolInvocation:
		ev.Event = protocol.EventToolCallStarted
		ev.Data = protocol.MarshalData(protocol.ToolCallStartedData{
			ToolCallID: raw.ToolCallID,
			ToolName:   raw.ToolName,
			Args:       raw.ToolArgs,
		})

	case engine.RawToolCompletion:
		status := "completed"
		if raw.ToolErr != "" {
			status = "error"
		}
		ev.Event = protocol.EventToolCallCompleted
		ev.Data = protocol.MarshalData(protocol.ToolCallCompletedData{
			ToolCallID: raw.ToolCallID,
			Status:     status,
			Result:     raw.ToolResult,
			Error:      raw.ToolErr,
		})

	case engine.RawApprovalRequired:
		ev.Event = protocol.EventHITLRequest
		ev.Data = protocol.MarshalData(protocol.HITLRequestData{
			ToolCallID: raw.ToolCallID,
			ToolName:   raw.ToolName,
			ToolArgs:   raw.ToolArgs,
			Reason:     raw.Reason,
		})

	case engine.RawFailure:
		ev.Event = protocol.EventRunError
		ev.Data = protocol.MarshalData(protocol.RunErrorData{
			Kind:    protocol.ErrorKindUpstream,
			Message: raw.ErrMessage,
			TraceID: n.TraceID,
		})

	default:
		log.Printf("WARN: dropping unrecognized raw event kind %q (run %s)", raw.Kind, raw.RunID)
		return nil, false
	}

	return ev, true
}
