package state

import (
	"encoding/json"
	"testing"

	"github.com/agentwire/agentwire/internal/protocol"
)

func event(t protocol.EventType, runID, threadID string, data interface{}) protocol.Event {
	ev := protocol.Event{
		Event:    t,
		RunID:    runID,
		Metadata: protocol.Metadata{ThreadID: threadID},
	}
	if data != nil {
		ev.Data = protocol.MarshalData(data)
	}
	return ev
}

func TestTokensAppendToOneMessage(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventRunStarted, "r1", "t1", nil))
	for _, chunk := range []string{"Hi", " there", ", friend"} {
		s.Apply(event(protocol.EventToken, "r1", "t1", protocol.TokenData{Text: chunk}))
	}

	th, ok := s.Thread("t1")
	if !ok {
		t.Fatal("thread not found")
	}
	if len(th.Messages) != 1 {
		t.Fatalf("expected one streaming message, got %d", len(th.Messages))
	}
	if th.Messages[0].Content != "Hi there, friend" {
		t.Fatalf("unexpected content: %q", th.Messages[0].Content)
	}
	if th.Messages[0].Role != "assistant" {
		t.Fatalf("unexpected role: %s", th.Messages[0].Role)
	}
}

func TestChatScenario(t *testing.T) {
	s := NewStore()

	s.AppendUserMessage("t1", "Hello")
	s.Apply(event(protocol.EventRunStarted, "r1", "t1", nil))
	s.Apply(event(protocol.EventToken, "r1", "t1", protocol.TokenData{Text: "Hi"}))
	s.Apply(event(protocol.EventToken, "r1", "t1", protocol.TokenData{Text: " there"}))
	s.Apply(event(protocol.EventRunFinished, "r1", "t1", protocol.RunFinishedData{FinalMessage: "Hi there"}))

	th, _ := s.Thread("t1")
	if th.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", th.Status)
	}
	if len(th.Messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(th.Messages))
	}
	if th.Messages[0].Role != "user" || th.Messages[0].Content != "Hello" {
		t.Fatalf("unexpected user message: %+v", th.Messages[0])
	}
	// The streamed message is the reply; run_finished must not duplicate it.
	if th.Messages[1].Content != "Hi there" {
		t.Fatalf("unexpected assistant message: %q", th.Messages[1].Content)
	}
}

func TestRunFinishedWithoutTokensSurfacesFinalMessage(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventRunStarted, "r1", "t1", nil))
	s.Apply(event(protocol.EventRunFinished, "r1", "t1", protocol.RunFinishedData{FinalMessage: "All done"}))

	th, _ := s.Thread("t1")
	if len(th.Messages) != 1 || th.Messages[0].Content != "All done" {
		t.Fatalf("expected final message surfaced, got %+v", th.Messages)
	}
}

func TestToolCallPairing(t *testing.T) {
	s := NewStore()

	args := json.RawMessage(`{"q":"weather"}`)
	s.Apply(event(protocol.EventToolCallStarted, "r1", "t1", protocol.ToolCallStartedData{
		ToolCallID: "tc1", ToolName: "search.web", Args: args,
	}))

	th, _ := s.Thread("t1")
	if len(th.ToolCalls) != 1 || th.ToolCalls[0].Status != "running" {
		t.Fatalf("expected running tool call, got %+v", th.ToolCalls)
	}

	s.Apply(event(protocol.EventToolCallCompleted, "r1", "t1", protocol.ToolCallCompletedData{
		ToolCallID: "tc1", Status: "completed", Result: json.RawMessage(`{"hits":3}`),
	}))

	th, _ = s.Thread("t1")
	tc := th.ToolCalls[0]
	if tc.Status != "completed" || tc.CompletedAt == nil {
		t.Fatalf("completion not applied: %+v", tc)
	}
}

func TestOrphanToolCompletionDropped(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventToolCallCompleted, "r1", "t1", protocol.ToolCallCompletedData{
		ToolCallID: "tc_ghost", Status: "completed",
	}))

	th, _ := s.Thread("t1")
	if len(th.ToolCalls) != 0 {
		t.Fatalf("orphan completion must not create a tool call: %+v", th.ToolCalls)
	}
}

func TestStepLifecycle(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventStepStarted, "r1", "t1", protocol.StepData{StepID: "s1", Name: "planning"}))
	s.Apply(event(protocol.EventStepFinished, "r1", "t1", protocol.StepData{StepID: "s1", Name: "planning"}))

	th, _ := s.Thread("t1")
	if len(th.Steps) != 1 {
		t.Fatalf("expected one step, got %d", len(th.Steps))
	}
	if th.Steps[0].Status != "completed" || th.Steps[0].CompletedAt == nil {
		t.Fatalf("step not completed: %+v", th.Steps[0])
	}
}

func TestHITLSingleResponse(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventHITLRequest, "r1", "t1", protocol.HITLRequestData{
		ToolCallID: "tc1", ToolName: "payments.transfer", Reason: "approval required by policy",
	}))

	th, _ := s.Thread("t1")
	if th.Status != StatusWaitingApproval || th.PendingHITL == nil {
		t.Fatalf("expected waiting_approval with pending request, got %+v", th)
	}

	req, err := s.TakePendingHITL("t1", "r1")
	if err != nil {
		t.Fatalf("TakePendingHITL failed: %v", err)
	}
	if req.ToolName != "payments.transfer" {
		t.Fatalf("unexpected request: %+v", req)
	}

	// The claim is atomic: a second response has nothing to take.
	if _, err := s.TakePendingHITL("t1", "r1"); err == nil {
		t.Fatal("second take should fail")
	}
}

func TestTakePendingHITLRunMismatch(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventHITLRequest, "r1", "t1", protocol.HITLRequestData{ToolCallID: "tc1", ToolName: "email.send"}))

	if _, err := s.TakePendingHITL("t1", "r_other"); err == nil {
		t.Fatal("take for a different run should fail")
	}
	// The original request is still claimable.
	if _, err := s.TakePendingHITL("t1", "r1"); err != nil {
		t.Fatalf("TakePendingHITL failed: %v", err)
	}
}

func TestSecondHITLRequestIgnored(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventHITLRequest, "r1", "t1", protocol.HITLRequestData{ToolCallID: "tc1", ToolName: "payments.transfer"}))
	s.Apply(event(protocol.EventHITLRequest, "r2", "t1", protocol.HITLRequestData{ToolCallID: "tc2", ToolName: "email.send"}))

	th, _ := s.Thread("t1")
	if th.PendingHITL == nil || th.PendingHITL.RunID != "r1" {
		t.Fatalf("first request must stay pending, got %+v", th.PendingHITL)
	}
}

func TestTerminalEventClearsPendingHITL(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventHITLRequest, "r1", "t1", protocol.HITLRequestData{ToolCallID: "tc1", ToolName: "payments.transfer"}))
	s.Apply(event(protocol.EventRunError, "r1", "t1", protocol.RunErrorData{
		Kind: protocol.ErrorKindTimeout, Message: "run timed out",
	}))

	th, _ := s.Thread("t1")
	if th.PendingHITL != nil {
		t.Fatalf("terminal event must clear its run's pending approval, got %+v", th.PendingHITL)
	}
	if _, err := s.TakePendingHITL("t1", "r1"); err == nil {
		t.Fatal("responding to a dead run's request should fail")
	}
}

func TestRunErrorRecordsSystemMessage(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventRunStarted, "r1", "t1", nil))
	s.Apply(event(protocol.EventToken, "r1", "t1", protocol.TokenData{Text: "partial"}))
	s.Apply(event(protocol.EventRunError, "r1", "t1", protocol.RunErrorData{
		Kind: protocol.ErrorKindTimeout, Message: "run timed out",
	}))

	th, _ := s.Thread("t1")
	if th.Status != StatusError {
		t.Fatalf("expected error status, got %s", th.Status)
	}
	last := th.Messages[len(th.Messages)-1]
	if last.Role != "system" || last.ErrorKind != protocol.ErrorKindTimeout {
		t.Fatalf("unexpected error message: %+v", last)
	}
}

func TestThreadIsolation(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventToken, "r1", "t1", protocol.TokenData{Text: "one"}))
	s.Apply(event(protocol.EventToken, "r2", "t2", protocol.TokenData{Text: "two"}))

	t1, _ := s.Thread("t1")
	t2, _ := s.Thread("t2")
	if t1.Messages[0].Content != "one" || t2.Messages[0].Content != "two" {
		t.Fatalf("threads leaked into each other: %q / %q", t1.Messages[0].Content, t2.Messages[0].Content)
	}
	if len(s.Threads()) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(s.Threads()))
	}
}

func TestReset(t *testing.T) {
	s := NewStore()

	s.AppendUserMessage("t1", "Hello")
	s.Apply(event(protocol.EventHITLRequest, "r1", "t1", protocol.HITLRequestData{ToolCallID: "tc1", ToolName: "email.send"}))
	s.Reset("t1")

	th, ok := s.Thread("t1")
	if !ok {
		t.Fatal("reset must keep the thread")
	}
	if len(th.Messages) != 0 || th.PendingHITL != nil || th.Status != StatusIdle {
		t.Fatalf("reset did not clear state: %+v", th)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	s := NewStore()

	s.Apply(event(protocol.EventToken, "r1", "t1", protocol.TokenData{Text: "Hi"}))
	snap, _ := s.Thread("t1")

	s.Apply(event(protocol.EventToken, "r1", "t1", protocol.TokenData{Text: " there"}))

	if snap.Messages[0].Content != "Hi" {
		t.Fatalf("snapshot mutated by later events: %q", snap.Messages[0].Content)
	}
}
