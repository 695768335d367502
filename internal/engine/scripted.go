package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ScriptedRunner is a deterministic in-process engine used by the dev server
// and tests. It answers every message with a canned streamed reply and
// invokes a mock tool when the message mentions one.
type ScriptedRunner struct{}

// NewScriptedRunner creates a scripted engine.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{}
}

// Run builds the event script for one message and returns a source that
// replays it.
func (r *ScriptedRunner) Run(ctx context.Context, runID, threadID, message string) (Source, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	var events []RawEvent
	events = append(events,
		RawEvent{Kind: RawRunBegin, RunID: runID},
		RawEvent{Kind: RawPhaseStart, RunID: runID, PhaseID: "ph_plan", PhaseName: "planning"},
		RawEvent{Kind: RawPhaseEnd, RunID: runID, PhaseID: "ph_plan", PhaseName: "planning"},
	)

	if strings.Contains(message, "transfer") {
		tcID := "tc_" + uuid.New().String()[:8]
		args := json.RawMessage(`{"amount":250,"currency":"USD"}`)
		events = append(events,
			RawEvent{Kind: RawToolInvocation, RunID: runID, ToolCallID: tcID, ToolName: "payments.transfer", ToolArgs: args},
			RawEvent{Kind: RawToolCompletion, RunID: runID, ToolCallID: tcID, ToolResult: json.RawMessage(`{"status":"executed"}`)},
		)
	}

	reply := "You said: " + message
	for _, chunk := range chunkText(reply) {
		events = append(events, RawEvent{Kind: RawMessageChunk, RunID: runID, Text: chunk})
	}
	events = append(events, RawEvent{Kind: RawRunComplete, RunID: runID, FinalMessage: reply})

	return NewScriptSource(events), nil
}

// chunkText splits text into word-sized streaming chunks, preserving the
// spaces so concatenation reproduces the input.
func chunkText(text string) []string {
	words := strings.Split(text, " ")
	chunks := make([]string, 0, len(words))
	for i, w := range words {
		if i == 0 {
			chunks = append(chunks, w)
			continue
		}
		chunks = append(chunks, " "+w)
	}
	return chunks
}

// ScriptSource replays a fixed slice of raw events. Used by the scripted
// runner and as a test double for the session controller.
type ScriptSource struct {
	events []RawEvent
	pos    int
	closed chan struct{}
}

// NewScriptSource creates a source that replays events in order and then
// returns io.EOF.
func NewScriptSource(events []RawEvent) *ScriptSource {
	return &ScriptSource{events: events, closed: make(chan struct{})}
}

// Recv returns the next scripted event.
func (s *ScriptSource) Recv(ctx context.Context) (RawEvent, error) {
	select {
	case <-ctx.Done():
		return RawEvent{}, ctx.Err()
	case <-s.closed:
		return RawEvent{}, io.EOF
	default:
	}

	if s.pos >= len(s.events) {
		return RawEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// Close ends the script early.
func (s *ScriptSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}
