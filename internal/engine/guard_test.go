package engine

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/agentwire/agentwire/internal/policy"
	"github.com/agentwire/agentwire/internal/protocol"
)

func newPolicyEngine(t *testing.T) *policy.Engine {
	t.Helper()
	eng, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}
	return eng
}

func drainGuard(t *testing.T, g *Guard) []RawEvent {
	t.Helper()
	var out []RawEvent
	for {
		ev, err := g.Recv(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		out = append(out, ev)
	}
}

func TestGuardAllowsUnlistedTools(t *testing.T) {
	src := NewScriptSource([]RawEvent{
		{Kind: RawRunBegin, RunID: "r1"},
		{Kind: RawToolInvocation, RunID: "r1", ToolCallID: "tc1", ToolName: "search.web"},
		{Kind: RawToolCompletion, RunID: "r1", ToolCallID: "tc1", ToolResult: json.RawMessage(`{"hits":3}`)},
		{Kind: RawRunComplete, RunID: "r1"},
	})
	g := NewGuard(src, newPolicyEngine(t), "r1", "t1")

	events := drainGuard(t, g)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[1].Kind != RawToolInvocation || events[2].Kind != RawToolCompletion {
		t.Fatalf("allowed tool call was altered: %s, %s", events[1].Kind, events[2].Kind)
	}
}

func TestGuardBlocksListedTools(t *testing.T) {
	src := NewScriptSource([]RawEvent{
		{Kind: RawToolInvocation, RunID: "r1", ToolCallID: "tc1", ToolName: "shell.exec"},
		{Kind: RawToolCompletion, RunID: "r1", ToolCallID: "tc1", ToolResult: json.RawMessage(`{"out":"x"}`)},
		{Kind: RawRunComplete, RunID: "r1"},
	})
	g := NewGuard(src, newPolicyEngine(t), "r1", "t1")

	events := drainGuard(t, g)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != RawToolCompletion || events[0].ToolErr != "blocked by policy" {
		t.Fatalf("expected synthesized blocked completion, got %+v", events[0])
	}
	// The engine's own completion for the blocked call was swallowed.
	if events[1].Kind != RawRunComplete {
		t.Fatalf("expected run_complete next, got %s", events[1].Kind)
	}
}

func TestGuardApprovalApprove(t *testing.T) {
	args := json.RawMessage(`{"amount":250}`)
	src := NewScriptSource([]RawEvent{
		{Kind: RawToolInvocation, RunID: "r1", ToolCallID: "tc1", ToolName: "payments.transfer", ToolArgs: args},
		{Kind: RawToolCompletion, RunID: "r1", ToolCallID: "tc1", ToolResult: json.RawMessage(`{"status":"executed"}`)},
		{Kind: RawRunComplete, RunID: "r1"},
	})
	g := NewGuard(src, newPolicyEngine(t), "r1", "t1")

	ev, err := g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawApprovalRequired || ev.ToolName != "payments.transfer" {
		t.Fatalf("expected approval_required, got %+v", ev)
	}

	if err := g.Resolve("r1", protocol.HITLDecision{RunID: "r1", Approved: true}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// The held invocation is released, then the stream resumes.
	ev, err = g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawToolInvocation || ev.ToolCallID != "tc1" {
		t.Fatalf("expected held invocation, got %+v", ev)
	}

	ev, err = g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawToolCompletion || ev.ToolErr != "" {
		t.Fatalf("expected real completion, got %+v", ev)
	}
}

func TestGuardApprovalWithEditedArgs(t *testing.T) {
	src := NewScriptSource([]RawEvent{
		{Kind: RawToolInvocation, RunID: "r1", ToolCallID: "tc1", ToolName: "payments.transfer", ToolArgs: json.RawMessage(`{"amount":250}`)},
		{Kind: RawToolCompletion, RunID: "r1", ToolCallID: "tc1", ToolResult: json.RawMessage(`{"status":"executed"}`)},
		{Kind: RawRunComplete, RunID: "r1"},
	})
	g := NewGuard(src, newPolicyEngine(t), "r1", "t1")

	if _, err := g.Recv(context.Background()); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	edited := json.RawMessage(`{"amount":100}`)
	err := g.Resolve("r1", protocol.HITLDecision{RunID: "r1", Approved: true, EditedArgs: edited})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	ev, err := g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawToolInvocation || ev.ToolCallID != "tc1" {
		t.Fatalf("expected released invocation, got %+v", ev)
	}
	if string(ev.ToolArgs) != string(edited) {
		t.Fatalf("expected edited args %s, got %s", edited, ev.ToolArgs)
	}

	ev, err = g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawToolCompletion || ev.ToolErr != "" {
		t.Fatalf("expected real completion, got %+v", ev)
	}
}

func TestGuardApprovalReject(t *testing.T) {
	src := NewScriptSource([]RawEvent{
		{Kind: RawToolInvocation, RunID: "r1", ToolCallID: "tc1", ToolName: "email.send"},
		{Kind: RawToolCompletion, RunID: "r1", ToolCallID: "tc1", ToolResult: json.RawMessage(`{"sent":true}`)},
		{Kind: RawRunComplete, RunID: "r1"},
	})
	g := NewGuard(src, newPolicyEngine(t), "r1", "t1")

	if _, err := g.Recv(context.Background()); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := g.Resolve("r1", protocol.HITLDecision{RunID: "r1", Approved: false}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	ev, err := g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawToolCompletion || ev.ToolErr != "rejected by user" {
		t.Fatalf("expected rejected completion, got %+v", ev)
	}

	// The invocation never ran, so the engine's completion is dropped.
	ev, err = g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawRunComplete {
		t.Fatalf("expected run_complete, got %s", ev.Kind)
	}
}

func TestGuardApprovalRejectWithResponse(t *testing.T) {
	src := NewScriptSource([]RawEvent{
		{Kind: RawToolInvocation, RunID: "r1", ToolCallID: "tc1", ToolName: "payments.transfer"},
		{Kind: RawRunComplete, RunID: "r1"},
	})
	g := NewGuard(src, newPolicyEngine(t), "r1", "t1")

	if _, err := g.Recv(context.Background()); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := g.Resolve("r1", protocol.HITLDecision{RunID: "r1", Approved: false, Response: "use the savings account"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	ev, err := g.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Kind != RawToolCompletion {
		t.Fatalf("expected completion, got %s", ev.Kind)
	}
	var result map[string]string
	if err := json.Unmarshal(ev.ToolResult, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["response"] != "use the savings account" {
		t.Fatalf("expected guidance in result, got %v", result)
	}
}

func TestGuardResolveErrors(t *testing.T) {
	src := NewScriptSource([]RawEvent{
		{Kind: RawToolInvocation, RunID: "r1", ToolCallID: "tc1", ToolName: "payments.transfer"},
		{Kind: RawRunComplete, RunID: "r1"},
	})
	g := NewGuard(src, newPolicyEngine(t), "r1", "t1")

	if err := g.Resolve("r1", protocol.HITLDecision{RunID: "r1", Approved: true}); err == nil {
		t.Fatal("expected error resolving before any approval is pending")
	}

	if _, err := g.Recv(context.Background()); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	if err := g.Resolve("other", protocol.HITLDecision{RunID: "other", Approved: true}); err == nil {
		t.Fatal("expected error resolving a different run")
	}
	if err := g.Resolve("r1", protocol.HITLDecision{RunID: "r1", Approved: true}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := g.Resolve("r1", protocol.HITLDecision{RunID: "r1", Approved: false}); err == nil {
		t.Fatal("expected error on second resolve")
	}
}

func TestScriptedRunnerStreamsReply(t *testing.T) {
	r := NewScriptedRunner()
	src, err := r.Run(context.Background(), "r1", "t1", "hello world")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer src.Close()

	var text string
	var sawComplete bool
	for {
		ev, err := src.Recv(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		switch ev.Kind {
		case RawMessageChunk:
			text += ev.Text
		case RawRunComplete:
			sawComplete = true
			if ev.FinalMessage != text {
				t.Fatalf("final message %q does not match streamed text %q", ev.FinalMessage, text)
			}
		}
	}
	if !sawComplete {
		t.Fatal("script ended without run_complete")
	}
	if text != "You said: hello world" {
		t.Fatalf("unexpected reply: %q", text)
	}
}
