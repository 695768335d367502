package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/agentwire/agentwire/internal/policy"
	"github.com/agentwire/agentwire/internal/protocol"
)

// Guard wraps an engine source and enforces the approval policy on tool
// invocations. Allowed invocations pass through untouched; blocked ones are
// replaced with a failed completion; invocations needing approval pause the
// stream behind an approval_required event until Resolve delivers the
// client's decision.
//
// A guard holds at most one pending approval at a time, which structurally
// enforces the one-outstanding-request invariant for its run.
type Guard struct {
	inner    Source
	policy   *policy.Engine
	runID    string
	threadID string

	mu       sync.Mutex
	pending  *pendingApproval
	skipDone map[string]bool // tool call ids whose inner completion is superseded
}

type pendingApproval struct {
	invocation RawEvent
	decisionCh chan protocol.HITLDecision
	resolved   bool
}

// NewGuard wraps src with approval enforcement for one run.
func NewGuard(src Source, eng *policy.Engine, runID, threadID string) *Guard {
	return &Guard{
		inner:    src,
		policy:   eng,
		runID:    runID,
		threadID: threadID,
		skipDone: make(map[string]bool),
	}
}

// Recv yields the next raw event, applying policy to tool invocations.
func (g *Guard) Recv(ctx context.Context) (RawEvent, error) {
	if ev, ok, err := g.awaitPending(ctx); ok || err != nil {
		return ev, err
	}

	for {
		ev, err := g.inner.Recv(ctx)
		if err != nil {
			return RawEvent{}, err
		}

		switch ev.Kind {
		case RawToolInvocation:
			return g.checkInvocation(ctx, ev)
		case RawToolCompletion:
			g.mu.Lock()
			skip := g.skipDone[ev.ToolCallID]
			delete(g.skipDone, ev.ToolCallID)
			g.mu.Unlock()
			if skip {
				continue
			}
			return ev, nil
		default:
			return ev, nil
		}
	}
}

// awaitPending blocks on an outstanding approval, if any, and converts the
// decision into the next event.
func (g *Guard) awaitPending(ctx context.Context) (RawEvent, bool, error) {
	g.mu.Lock()
	p := g.pending
	g.mu.Unlock()
	if p == nil {
		return RawEvent{}, false, nil
	}

	select {
	case <-ctx.Done():
		return RawEvent{}, false, ctx.Err()
	case decision := <-p.decisionCh:
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()

		if decision.Approved {
			released := p.invocation
			if len(decision.EditedArgs) > 0 {
				// The user rewrote the arguments; the tool runs with theirs.
				released.ToolArgs = decision.EditedArgs
			}
			return released, true, nil
		}

		done := RawEvent{
			Kind:       RawToolCompletion,
			RunID:      g.runID,
			ToolCallID: p.invocation.ToolCallID,
		}
		if decision.Response != "" {
			done.ToolResult = protocol.MarshalData(map[string]string{"response": decision.Response})
		} else {
			done.ToolErr = "rejected by user"
		}
		g.mu.Lock()
		g.skipDone[p.invocation.ToolCallID] = true
		g.mu.Unlock()
		return done, true, nil
	}
}

func (g *Guard) checkInvocation(ctx context.Context, ev RawEvent) (RawEvent, error) {
	var args interface{}
	if len(ev.ToolArgs) > 0 {
		if err := json.Unmarshal(ev.ToolArgs, &args); err != nil {
			log.Printf("WARN: unparseable tool args for %s: %v", ev.ToolName, err)
		}
	}

	decision, err := g.policy.Evaluate(ctx, policy.Input{
		ToolName: ev.ToolName,
		Args:     args,
		ThreadID: g.threadID,
	})
	if err != nil {
		return RawEvent{}, fmt.Errorf("policy evaluation failed: %w", err)
	}

	switch decision {
	case policy.DecisionBlock:
		g.mu.Lock()
		g.skipDone[ev.ToolCallID] = true
		g.mu.Unlock()
		return RawEvent{
			Kind:       RawToolCompletion,
			RunID:      g.runID,
			ToolCallID: ev.ToolCallID,
			ToolErr:    "blocked by policy",
		}, nil

	case policy.DecisionRequireApproval:
		g.mu.Lock()
		g.pending = &pendingApproval{
			invocation: ev,
			decisionCh: make(chan protocol.HITLDecision, 1),
		}
		g.mu.Unlock()
		return RawEvent{
			Kind:       RawApprovalRequired,
			RunID:      g.runID,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			ToolArgs:   ev.ToolArgs,
			Reason:     "approval required by policy",
		}, nil

	default:
		return ev, nil
	}
}

// Resolve delivers the client's decision for the outstanding approval.
// A second resolve for the same request is rejected.
func (g *Guard) Resolve(runID string, decision protocol.HITLDecision) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if runID != g.runID {
		return fmt.Errorf("run %s has no pending approval", runID)
	}
	if g.pending == nil || g.pending.resolved {
		return fmt.Errorf("no pending approval for run %s", runID)
	}
	g.pending.resolved = true
	g.pending.decisionCh <- decision
	return nil
}

// Close closes the wrapped source.
func (g *Guard) Close() error {
	return g.inner.Close()
}
