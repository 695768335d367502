// Package session wraps one normalized run-event sequence with timeout
// enforcement, heartbeats, allow-list filtering and disconnect
// reconciliation, exposing the run as a single outbound event channel.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire/internal/checkpoint"
	"github.com/agentwire/agentwire/internal/engine"
	"github.com/agentwire/agentwire/internal/normalizer"
	"github.com/agentwire/agentwire/internal/protocol"
)

// Config holds per-controller settings. One controller is shared across
// runs; timers are per-run.
type Config struct {
	// AllowedEvents is the outbound allow-list. Nil allows every canonical
	// type; an empty map forwards nothing.
	AllowedEvents map[protocol.EventType]bool

	// RunTimeout bounds the whole run: if no terminal event arrives within
	// it, exactly one timeout run_error is emitted and the channel closes.
	RunTimeout time.Duration

	// HeartbeatInterval is the idle window after which a synthetic progress
	// event is emitted. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// FinalizeGrace bounds the checkpoint write after the terminal event.
	// Interruptions inside this window are suppressed, not reported.
	FinalizeGrace time.Duration

	// Checkpoints receives a snapshot of every finished run. Optional.
	Checkpoints checkpoint.Store
}

// Controller opens stream sessions.
type Controller struct {
	cfg Config
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = 5 * time.Second
	}
	return &Controller{cfg: cfg}
}

// Open consumes src for one run and returns its outbound event channel. The
// channel closes when the run reaches a terminal event, times out, or ctx is
// canceled. Canceling ctx stops delivery but not the run itself: the source
// is drained in the background so the engine finishes and the checkpoint is
// still written.
func (c *Controller) Open(ctx context.Context, runID, threadID string, src engine.Source) <-chan protocol.Event {
	out := make(chan protocol.Event, 64)
	go c.run(ctx, runID, threadID, src, out)
	return out
}

type runState struct {
	runID    string
	threadID string
	norm     *normalizer.Normalizer
	out      chan<- protocol.Event

	seq        uint64
	errorSent  bool
	delivered  bool // false once the client has gone away
	clientGone bool // client left before the run reached a terminal event

	heartbeat         *time.Timer
	heartbeatInterval time.Duration

	startedAt    time.Time
	finalMessage string
	errMessage   string
	terminal     protocol.EventType
}

func (c *Controller) run(ctx context.Context, runID, threadID string, src engine.Source, out chan<- protocol.Event) {
	traceID := "tr_" + uuid.New().String()[:8]
	st := &runState{
		runID:     runID,
		threadID:  threadID,
		norm:      normalizer.New(threadID, traceID),
		out:       out,
		delivered: true,
		startedAt: time.Now(),
	}

	// Single reader per source: the one-writer-per-run ordering guarantee
	// is enforced here, not assumed from caller discipline.
	rawCh := make(chan engine.RawEvent)
	errCh := make(chan error, 1)
	readCtx, stopRead := context.WithCancel(context.Background())
	defer stopRead()
	go func() {
		for {
			ev, err := src.Recv(readCtx)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case rawCh <- ev:
			case <-readCtx.Done():
				return
			}
		}
	}()

	deadline := time.NewTimer(c.cfg.RunTimeout)
	defer deadline.Stop()

	var heartbeatCh <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		st.heartbeat = time.NewTimer(c.cfg.HeartbeatInterval)
		st.heartbeatInterval = c.cfg.HeartbeatInterval
		defer st.heartbeat.Stop()
		heartbeatCh = st.heartbeat.C
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			// Mid-stream disconnect: nothing is listening, so no user error.
			// Keep draining so the run finishes and gets checkpointed.
			log.Printf("INFO: client gone before terminal event, run %s continues unobserved", runID)
			st.delivered = false
			st.clientGone = true
			close(out)

		case raw := <-rawCh:
			if done := c.handleRaw(st, raw); done {
				c.finalize(st, src)
				return
			}

		case err := <-errCh:
			if errors.Is(err, io.EOF) && st.terminal != "" {
				c.finalize(st, src)
				return
			}
			if errors.Is(err, io.EOF) {
				// Source drained without a terminal event: report once.
				c.emitError(st, protocol.ErrorKindUpstream, "run ended without a terminal event", traceID)
			} else {
				c.emitError(st, protocol.ErrorKindUpstream, err.Error(), traceID)
			}
			c.finalize(st, src)
			return

		case <-deadline.C:
			c.emitError(st, protocol.ErrorKindTimeout, "run produced no terminal event within the configured bound", traceID)
			stopRead()
			c.finalize(st, src)
			return

		case <-heartbeatCh:
			c.emit(st, protocol.Event{
				Event: protocol.EventProgress,
				RunID: runID,
				Data:  protocol.MarshalData(protocol.ProgressData{Idle: true}),
				Metadata: protocol.Metadata{
					ThreadID: threadID,
					TraceID:  traceID,
				},
			})
		}
	}
}

// handleRaw normalizes, filters and forwards one raw event. It reports true
// once the run is terminal.
func (c *Controller) handleRaw(st *runState, raw engine.RawEvent) bool {
	ev, ok := c.cfg.normalizeAllowed(st.norm, raw)
	if !ok {
		return false
	}

	switch ev.Event {
	case protocol.EventRunFinished:
		st.terminal = ev.Event
		var data protocol.RunFinishedData
		decodeData(ev.Data, &data)
		st.finalMessage = data.FinalMessage
	case protocol.EventRunError:
		if st.errorSent {
			// Exactly one error per run reaches the client.
			log.Printf("WARN: suppressing duplicate error event for run %s", st.runID)
			return true
		}
		st.terminal = ev.Event
		st.errorSent = true
		var data protocol.RunErrorData
		decodeData(ev.Data, &data)
		st.errMessage = data.Message
	}

	c.emit(st, *ev)
	return st.terminal != ""
}

// normalizeAllowed applies the normalizer then the configured allow-list.
func (cfg *Config) normalizeAllowed(norm *normalizer.Normalizer, raw engine.RawEvent) (*protocol.Event, bool) {
	ev, ok := norm.Normalize(raw)
	if !ok {
		return nil, false
	}
	if cfg.AllowedEvents != nil && !cfg.AllowedEvents[ev.Event] {
		return nil, false
	}
	return ev, true
}

// emit stamps sequence and timestamp and forwards the event if a client is
// still listening. Only events that actually go out re-arm the idle timer:
// raw events the allow-list filters away leave the stream idle from the
// client's point of view.
func (c *Controller) emit(st *runState, ev protocol.Event) {
	st.seq++
	ev.Metadata.Seq = st.seq
	ev.Metadata.Ts = time.Now().UnixMilli()
	if !st.delivered {
		return
	}
	st.out <- ev
	resetTimer(st.heartbeat, st.heartbeatInterval)
}

// emitError emits exactly one run_error for the run, regardless of how many
// failure paths fire.
func (c *Controller) emitError(st *runState, kind, message, traceID string) {
	if st.errorSent {
		log.Printf("WARN: suppressing duplicate %s error for run %s: %s", kind, st.runID, message)
		return
	}
	st.errorSent = true
	st.terminal = protocol.EventRunError
	st.errMessage = message
	log.Printf("ERROR: run %s failed (%s): %s", st.runID, kind, message)

	if c.cfg.AllowedEvents != nil && !c.cfg.AllowedEvents[protocol.EventRunError] {
		return
	}
	c.emit(st, protocol.Event{
		Event: protocol.EventRunError,
		RunID: st.runID,
		Data: protocol.MarshalData(protocol.RunErrorData{
			Kind:    kind,
			Message: message,
			TraceID: traceID,
		}),
		Metadata: protocol.Metadata{ThreadID: st.threadID, TraceID: traceID},
	})
}

// finalize closes the channel, writes the checkpoint and releases the
// source. It runs on a detached context bounded by the grace window so that
// a client disconnect right after the terminal event cannot turn a finished
// run into a reported failure.
func (c *Controller) finalize(st *runState, src engine.Source) {
	if st.delivered {
		close(st.out)
		st.delivered = false
	}
	if err := src.Close(); err != nil {
		log.Printf("WARN: closing source for run %s: %v", st.runID, err)
	}

	if c.cfg.Checkpoints == nil {
		return
	}

	status := checkpoint.StatusCompleted
	if st.terminal == protocol.EventRunError {
		status = checkpoint.StatusFailed
		if st.clientGone {
			// Nobody was listening when the run died; record it as
			// abandoned rather than failed.
			status = checkpoint.StatusCancelled
		}
	}
	endedAt := time.Now()
	cp := &checkpoint.Checkpoint{
		RunID:        st.runID,
		ThreadID:     st.threadID,
		Status:       status,
		FinalMessage: st.finalMessage,
		Error:        st.errMessage,
		LastSeq:      st.seq,
		StartedAt:    st.startedAt,
		EndedAt:      &endedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeGrace)
	defer cancel()
	if err := c.cfg.Checkpoints.Write(ctx, cp); err != nil {
		// The run already finished; an interrupted trailing write is not a
		// run failure.
		log.Printf("WARN: checkpoint write for run %s interrupted: %v", st.runID, err)
	}
}

func decodeData(data []byte, v interface{}) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("WARN: undecodable event data: %v", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
