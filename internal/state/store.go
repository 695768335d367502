// Package state holds the client's conversation state: threads, messages,
// tool calls and steps, mutated only by applying validated wire events and
// local user actions.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire/internal/protocol"
)

// AgentStatus is a thread's execution status.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusRunning         AgentStatus = "running"
	StatusWaitingApproval AgentStatus = "waiting_approval"
	StatusCompleted       AgentStatus = "completed"
	StatusError           AgentStatus = "error"
)

// Message is one chat turn. A streaming assistant message keeps the id
// assigned at its first token event; later tokens append to Content.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// ToolCall is one tool invocation, matched start-to-completion by ID.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      string          `json:"status"` // pending, running, completed, error
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Step is one execution phase, for progress display.
type Step struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HITLRequest is an outstanding approval request. At most one per thread.
type HITLRequest struct {
	RunID       string          `json:"run_id"`
	ThreadID    string          `json:"thread_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	ToolArgs    json.RawMessage `json:"tool_args,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Thread is one conversation. Created on first use, cleared on Reset, never
// deleted during a session.
type Thread struct {
	ID          string       `json:"id"`
	Messages    []*Message   `json:"messages"`
	Steps       []*Step      `json:"steps"`
	ToolCalls   []*ToolCall  `json:"tool_calls"`
	Status      AgentStatus  `json:"agent_status"`
	PendingHITL *HITLRequest `json:"pending_hitl,omitempty"`

	// run_id -> streaming assistant message, bound at the first token.
	streaming map[string]*Message
}

// Store is the single source of truth for conversation state. All reads and
// writes are synchronous; rendering subscribers read snapshots.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{threads: make(map[string]*Thread)}
}

func (s *Store) threadLocked(threadID string) *Thread {
	t, ok := s.threads[threadID]
	if !ok {
		t = &Thread{
			ID:        threadID,
			Status:    StatusIdle,
			streaming: make(map[string]*Message),
		}
		s.threads[threadID] = t
	}
	return t
}

// Apply reduces one validated wire event into the state. Mutations touch
// only the event's thread.
func (s *Store) Apply(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(ev.Metadata.ThreadID)

	switch ev.Event {
	case protocol.EventRunStarted:
		t.Status = StatusRunning

	case protocol.EventToken:
		var data protocol.TokenData
		decode(ev.Data, &data)
		// All tokens of a run append to the one message bound at the first
		// token; a new id per chunk would silently drop the rest.
		msg, ok := t.streaming[ev.RunID]
		if !ok {
			msg = &Message{
				ID:        "msg_" + uuid.New().String()[:8],
				Role:      "assistant",
				Timestamp: time.Now(),
			}
			t.streaming[ev.RunID] = msg
			t.Messages = append(t.Messages, msg)
		}
		msg.Content += data.Text

	case protocol.EventStepStarted:
		var data protocol.StepData
		decode(ev.Data, &data)
		t.Steps = append(t.Steps, &Step{
			ID:        data.StepID,
			Name:      data.Name,
			Status:    "running",
			StartedAt: time.Now(),
		})

	case protocol.EventStepFinished:
		var data protocol.StepData
		decode(ev.Data, &data)
		for _, st := range t.Steps {
			if st.ID == data.StepID {
				now := time.Now()
				st.Status = "completed"
				st.CompletedAt = &now
				break
			}
		}

	case protocol.EventToolCallStarted:
		var data protocol.ToolCallStartedData
		decode(ev.Data, &data)
		t.ToolCalls = append(t.ToolCalls, &ToolCall{
			ID:        data.ToolCallID,
			Name:      data.ToolName,
			Args:      data.Args,
			Status:    "running",
			StartedAt: time.Now(),
		})

	case protocol.EventToolCallCompleted:
		var data protocol.ToolCallCompletedData
		decode(ev.Data, &data)
		tc := t.findToolCall(data.ToolCallID)
		if tc == nil {
			log.Printf("WARN: completion for unknown tool call %s", data.ToolCallID)
			return
		}
		now := time.Now()
		tc.Status = data.Status
		tc.Result = data.Result
		tc.Error = data.Error
		tc.CompletedAt = &now
		if t.Status == StatusWaitingApproval {
			t.Status = StatusRunning
		}

	case protocol.EventHITLRequest:
		var data protocol.HITLRequestData
		decode(ev.Data, &data)
		if t.PendingHITL != nil {
			log.Printf("WARN: thread %s already has a pending approval, ignoring request from run %s", t.ID, ev.RunID)
			return
		}
		t.PendingHITL = &HITLRequest{
			RunID:       ev.RunID,
			ThreadID:    t.ID,
			ToolCallID:  data.ToolCallID,
			ToolName:    data.ToolName,
			ToolArgs:    data.ToolArgs,
			Reason:      data.Reason,
			RequestedAt: time.Now(),
		}
		t.Status = StatusWaitingApproval

	case protocol.EventRunFinished:
		var data protocol.RunFinishedData
		decode(ev.Data, &data)
		if _, streamed := t.streaming[ev.RunID]; !streamed && data.FinalMessage != "" {
			// Run finished without token events; surface the reply anyway.
			t.Messages = append(t.Messages, &Message{
				ID:        "msg_" + uuid.New().String()[:8],
				Role:      "assistant",
				Content:   data.FinalMessage,
				Timestamp: time.Now(),
			})
		}
		delete(t.streaming, ev.RunID)
		if t.PendingHITL != nil && t.PendingHITL.RunID == ev.RunID {
			t.PendingHITL = nil
		}
		t.Status = StatusCompleted

	case protocol.EventRunError:
		var data protocol.RunErrorData
		decode(ev.Data, &data)
		delete(t.streaming, ev.RunID)
		if t.PendingHITL != nil && t.PendingHITL.RunID == ev.RunID {
			t.PendingHITL = nil
		}
		t.Messages = append(t.Messages, &Message{
			ID:        "msg_" + uuid.New().String()[:8],
			Role:      "system",
			Content:   data.Message,
			Timestamp: time.Now(),
			ErrorKind: data.Kind,
		})
		t.Status = StatusError

	case protocol.EventProgress:
		// Heartbeat: the run is alive, no state to change.
	}
}

func (t *Thread) findToolCall(id string) *ToolCall {
	for _, tc := range t.ToolCalls {
		if tc.ID == id {
			return tc
		}
	}
	return nil
}

// AppendUserMessage records a locally sent chat message and returns it.
func (s *Store) AppendUserMessage(threadID, content string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(threadID)
	msg := &Message{
		ID:        "msg_" + uuid.New().String()[:8],
		Role:      "user",
		Content:   content,
		Timestamp: time.Now(),
	}
	t.Messages = append(t.Messages, msg)
	t.Status = StatusRunning
	return msg
}

// TakePendingHITL atomically claims the thread's outstanding approval
// request for the given run. A response is valid only while that exact
// request is outstanding; claiming clears it, so a second response for the
// same run fails.
func (s *Store) TakePendingHITL(threadID, runID string) (*HITLRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok || t.PendingHITL == nil {
		return nil, fmt.Errorf("thread %s has no pending approval request", threadID)
	}
	if t.PendingHITL.RunID != runID {
		return nil, fmt.Errorf("pending approval belongs to run %s, not %s", t.PendingHITL.RunID, runID)
	}
	req := t.PendingHITL
	t.PendingHITL = nil
	t.Status = StatusRunning
	return req, nil
}

// Thread returns a deep-enough snapshot of a thread for rendering. The
// returned value shares no mutable slices with the store.
func (s *Store) Thread(threadID string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return Thread{}, false
	}
	return t.snapshot(), true
}

// Threads returns the ids of all known threads.
func (s *Store) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.threads))
	for id := range s.threads {
		out = append(out, id)
	}
	return out
}

// Reset clears a thread's content without destroying the thread.
func (s *Store) Reset(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return
	}
	t.Messages = nil
	t.Steps = nil
	t.ToolCalls = nil
	t.PendingHITL = nil
	t.Status = StatusIdle
	t.streaming = make(map[string]*Message)
}

func (t *Thread) snapshot() Thread {
	out := Thread{
		ID:     t.ID,
		Status: t.Status,
	}
	for _, m := range t.Messages {
		cp := *m
		out.Messages = append(out.Messages, &cp)
	}
	for _, st := range t.Steps {
		cp := *st
		out.Steps = append(out.Steps, &cp)
	}
	for _, tc := range t.ToolCalls {
		cp := *tc
		out.ToolCalls = append(out.ToolCalls, &cp)
	}
	if t.PendingHITL != nil {
		cp := *t.PendingHITL
		out.PendingHITL = &cp
	}
	return out
}

func decode(data []byte, v interface{}) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("WARN: undecodable event data: %v", err)
	}
}
