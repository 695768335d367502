// Package client implements the client half of the streaming protocol: a
// connection manager owning exactly one WebSocket per process, with
// reconnect backoff, inbound validation and subscriber fan-out.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentwire/agentwire/internal/protocol"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Conn is the minimal WebSocket surface the manager needs. Satisfied by
// *websocket.Conn; tests substitute fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens connections. The default wraps gorilla's dialer; tests
// inject their own.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options tunes the manager. Zero values get sensible defaults.
type Options struct {
	BackoffBase    time.Duration // first retry delay
	BackoffCap     time.Duration // maximum retry delay
	MaxAttempts    int           // consecutive failures before giving up
	ConnectTimeout time.Duration // bound on reaching the open state
	Dialer         Dialer
	OnStateChange  func(State) // optional, called outside the manager lock

	// OnProtocolError receives server error frames. Optional; without it
	// they are only logged.
	OnProtocolError func(protocol.ErrorFrame)
}

// Manager owns one connection per process. Construct one per client; it is
// an explicit object, not a package-level global, so tests can run several
// simulated clients side by side.
type Manager struct {
	url  string
	opts Options

	mu             sync.Mutex
	state          State
	conn           Conn
	writeMu        sync.Mutex
	attempts       int
	reconnectTimer *time.Timer
	manualClose    bool
	gen            int // connection generation, guards stale read-loop exits

	listeners  map[int]func(protocol.Event)
	nextListID int
}

// ErrNotConnected is returned by SendMessage when no connection is open.
var ErrNotConnected = errors.New("not connected")

// NewManager creates a manager for the given WebSocket URL.
func NewManager(url string, opts Options) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer{}
	}
	return &Manager{
		url:       url,
		opts:      opts,
		state:     StateDisconnected,
		listeners: make(map[int]func(protocol.Event)),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts connecting. Idempotent: a no-op while already connected,
// connecting or waiting on a scheduled reconnect.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return
	}
	m.manualClose = false
	m.attempts = 0
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.dial()
}

// Disconnect closes the connection with a normal-closure code and cancels
// any pending reconnect. No reconnect follows a manual disconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		m.writeMu.Unlock()
		_ = conn.Close()
	}
}

// SendMessage serializes and transmits a control message. When not
// connected the message is logged and dropped, never silently queued.
func (m *Manager) SendMessage(msg protocol.ControlMessage) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		log.Printf("WARN: dropping %s message: %v", msg.Type, ErrNotConnected)
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// AddEventListener registers a subscriber for validated inbound events and
// returns its unsubscribe function. A panicking handler never prevents
// delivery to the others.
func (m *Manager) AddEventListener(fn func(protocol.Event)) func() {
	m.mu.Lock()
	id := m.nextListID
	m.nextListID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// NextDelay returns the backoff delay before the given retry attempt
// (1-based): min(base * 2^(attempt-1), cap).
func (m *Manager) NextDelay(attempt int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.opts.BackoffCap {
			return m.opts.BackoffCap
		}
	}
	if d > m.opts.BackoffCap {
		return m.opts.BackoffCap
	}
	return d
}

func (m *Manager) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.opts.Dialer.DialContext(ctx, m.url)

	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.Printf("WARN: connect failed: %v", err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(conn, gen)
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.onReadError(conn, gen, err)
			return
		}
		m.handleInbound(data)
	}
}

// handleInbound validates one frame before broadcast: invalid JSON, failed
// shape validation and deprecated event kinds are dropped and logged, so
// subscribers only ever see well-formed canonical events. Server error
// frames are routed to OnProtocolError instead of the event listeners.
func (m *Manager) handleInbound(data []byte) {
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("WARN: dropping invalid JSON frame: %v", err)
		return
	}
	if string(ev.Event) == protocol.EventProtocolError {
		var frame protocol.ErrorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("WARN: dropping invalid error frame: %v", err)
			return
		}
		log.Printf("WARN: server rejected a message (%s): %s", frame.Code, frame.Message)
		if m.opts.OnProtocolError != nil {
			m.opts.OnProtocolError(frame)
		}
		return
	}
	if err := ev.Validate(); err != nil {
		if errors.Is(err, protocol.ErrDeprecatedEvent) {
			log.Printf("INFO: filtered deprecated event kind %q", ev.Event)
		} else {
			log.Printf("WARN: dropping malformed event: %v", err)
		}
		return
	}

	m.mu.Lock()
	handlers := make([]func(protocol.Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		deliver(fn, ev)
	}
}

// deliver isolates one handler invocation so a panic cannot break fan-out.
func deliver(fn func(protocol.Event), ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event listener panicked: %v", r)
		}
	}()
	fn(ev)
}

func (m *Manager) onReadError(conn Conn, gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.conn == nil {
		// A newer connection replaced this one; nothing to reconcile.
		return
	}
	m.conn = nil
	conn.Close()

	if m.manualClose || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		// Normal closure: never reconnect.
		m.setStateLocked(StateDisconnected)
		return
	}

	log.Printf("WARN: connection lost: %v", err)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked books the next retry, or gives up once the
// attempt cap is exceeded. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	m.attempts++
	if m.attempts > m.opts.MaxAttempts {
		log.Printf("ERROR: giving up after %d connection attempts", m.opts.MaxAttempts)
		m.setStateLocked(StateError)
		return
	}

	delay := m.NextDelay(m.attempts)
	m.setStateLocked(StateReconnecting)
	log.Printf("Reconnecting in %s (attempt %d/%d)", delay, m.attempts, m.opts.MaxAttempts)

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.manualClose || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.dial()
	})
}

// setStateLocked updates state and fires the change callback. Caller holds
// m.mu; the callback runs in its own goroutine to stay outside the lock.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	if m.opts.OnStateChange != nil {
		go m.opts.OnStateChange(next)
	}
}
