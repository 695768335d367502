package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire/internal/engine"
	"github.com/agentwire/agentwire/internal/hub"
	"github.com/agentwire/agentwire/internal/protocol"
)

// runHandle tracks one live run: where its events route, how to stop
// delivery, and the approver that resumes it after an approval pause.
type runHandle struct {
	runID    string
	threadID string
	connID   string
	approver engine.Approver
	cancel   context.CancelFunc

	hitlPending bool
}

// runRegistry indexes live runs and enforces the one-outstanding-approval
// invariant per thread.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*runHandle
	// thread_id -> run_id of the outstanding approval request, if any.
	pendingHITL map[string]string
}

func newRunRegistry() *runRegistry {
	return &runRegistry{
		runs:        make(map[string]*runHandle),
		pendingHITL: make(map[string]string),
	}
}

func (r *runRegistry) add(h *runHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[h.runID] = h
}

func (r *runRegistry) remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[runID]
	if !ok {
		return
	}
	delete(r.runs, runID)
	if h.hitlPending && r.pendingHITL[h.threadID] == runID {
		delete(r.pendingHITL, h.threadID)
	}
}

// markHITL records an outstanding approval request for the run's thread.
// Returns false when the thread already has one outstanding: the invariant
// is at most one pending request per thread.
func (r *runRegistry) markHITL(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[runID]
	if !ok {
		return false
	}
	if other, busy := r.pendingHITL[h.threadID]; busy && other != runID {
		return false
	}
	r.pendingHITL[h.threadID] = runID
	h.hitlPending = true
	return true
}

// respond delivers a decision to the run's approver and clears the pending
// request atomically. A response without a matching outstanding request is
// rejected.
func (r *runRegistry) respond(runID string, decision protocol.HITLDecision) error {
	r.mu.Lock()
	h, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown run %s", runID)
	}
	if !h.hitlPending || r.pendingHITL[h.threadID] != runID {
		r.mu.Unlock()
		return fmt.Errorf("run %s has no outstanding approval request", runID)
	}
	h.hitlPending = false
	delete(r.pendingHITL, h.threadID)
	approver := h.approver
	r.mu.Unlock()

	if approver == nil {
		return fmt.Errorf("run %s cannot accept approval decisions", runID)
	}
	return approver.Resolve(runID, decision)
}

// releaseConnection cancels delivery for every run started on the given
// connection. The runs themselves continue server-side; the session
// controller drains them unobserved.
func (r *runRegistry) releaseConnection(connID string) {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for _, h := range r.runs {
		if h.connID == connID {
			cancels = append(cancels, h.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// startRun launches one run for a chat message: engine source, approval
// guard, stream session, and the forwarding loop into the hub.
func (s *Server) startRun(conn *hub.Connection, threadID, message string) error {
	runID := "run_" + uuid.New().String()[:8]

	src, err := s.runner.Run(context.Background(), runID, threadID, message)
	if err != nil {
		return fmt.Errorf("engine rejected run: %w", err)
	}
	guard := engine.NewGuard(src, s.policy, runID, threadID)

	deliveryCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{
		runID:    runID,
		threadID: threadID,
		connID:   conn.ID,
		approver: guard,
		cancel:   cancel,
	}
	s.runs.add(handle)

	ch := s.sessions.Open(deliveryCtx, runID, threadID, guard)
	go s.forward(handle, ch)

	log.Printf("Run started: run_id=%s thread_id=%s", runID, threadID)
	return nil
}

// forward relays session events to the thread's connections until the
// channel closes, tracking approval requests on the way through.
func (s *Server) forward(h *runHandle, ch <-chan protocol.Event) {
	defer s.runs.remove(h.runID)

	for ev := range ch {
		if ev.Event == protocol.EventHITLRequest {
			if !s.runs.markHITL(h.runID) {
				// Another run in this thread already awaits a decision;
				// deny this one rather than leaving the run parked forever.
				log.Printf("WARN: thread %s already has a pending approval, auto-denying run %s", h.threadID, ev.RunID)
				if err := h.approver.Resolve(h.runID, protocol.HITLDecision{RunID: h.runID, Approved: false}); err != nil {
					log.Printf("ERROR: auto-deny failed for run %s: %v", h.runID, err)
				}
				continue
			}
		}

		if err := s.hub.BroadcastJSON(h.threadID, &ev); err != nil {
			log.Printf("ERROR: failed to broadcast event for run %s: %v", h.runID, err)
		}
	}
}
