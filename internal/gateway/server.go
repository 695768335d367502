// Package gateway multiplexes stream sessions onto persistent WebSocket
// connections and accepts inbound control messages (chat, hitl_response,
// ping).
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/engine"
	"github.com/agentwire/agentwire/internal/hub"
	"github.com/agentwire/agentwire/internal/policy"
	"github.com/agentwire/agentwire/internal/protocol"
	"github.com/agentwire/agentwire/internal/session"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	runner   engine.Runner
	policy   *policy.Engine
	sessions *session.Controller
	runs     *runRegistry
	upgrader websocket.Upgrader
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, h *hub.Hub, runner engine.Runner, pol *policy.Engine, sessions *session.Controller) *Server {
	return &Server{
		cfg:      cfg,
		hub:      h,
		runner:   runner,
		policy:   pol,
		sessions: sessions,
		runs:     newRunRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and runs the connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads control messages from the connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.runs.releaseConnection(conn.ID)
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleMessage(conn, message)
	}
}

// writePump writes queued frames and keepalive pings to the connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound control message. Malformed messages
// get an error frame; the connection stays open.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var msg protocol.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch msg.Type {
	case protocol.TypeChat:
		s.handleChat(conn, msg)
	case protocol.TypeHITLResponse:
		s.handleHITLResponse(conn, msg)
	case protocol.TypePing:
		// Liveness is covered by transport-level ping/pong; an application
		// ping only refreshes the read deadline, which reading it already did.
	default:
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

// handleChat starts a new run for the thread and wires its event channel to
// the hub.
func (s *Server) handleChat(conn *hub.Connection, msg protocol.ControlMessage) {
	if msg.ThreadID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "thread_id is required")
		return
	}
	if msg.Message == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "message is required")
		return
	}

	s.hub.Attach(conn, msg.ThreadID)

	if err := s.startRun(conn, msg.ThreadID, msg.Message); err != nil {
		log.Printf("ERROR: failed to start run: %v", err)
		s.sendError(conn, "", protocol.ErrorCodeInternalError, "failed to start run")
	}
}

// handleHITLResponse routes an approval decision to its paused run.
func (s *Server) handleHITLResponse(conn *hub.Connection, msg protocol.ControlMessage) {
	if msg.RunID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}
	if msg.Approved == nil && msg.Response == "" && len(msg.EditedArgs) == 0 {
		s.sendError(conn, msg.RunID, protocol.ErrorCodeInvalidMessage, "approved, response or edited_args is required")
		return
	}

	decision := protocol.HITLDecision{
		RunID:      msg.RunID,
		Approved:   msg.Approved != nil && *msg.Approved,
		Response:   msg.Response,
		EditedArgs: msg.EditedArgs,
	}
	// Sending edited arguments approves the call with those arguments.
	if len(msg.EditedArgs) > 0 {
		decision.Approved = true
	}
	// Respond-with-text stands in for an approved tool execution.
	if msg.Response != "" {
		decision.Approved = false
		decision.EditedArgs = nil
	}

	if err := s.runs.respond(msg.RunID, decision); err != nil {
		log.Printf("WARN: hitl response rejected for run %s: %v", msg.RunID, err)
		s.sendError(conn, msg.RunID, protocol.ErrorCodeNoPendingHITL, err.Error())
	}
}

// sendError sends an error frame to one connection.
func (s *Server) sendError(conn *hub.Connection, runID, code, message string) {
	frame := protocol.ErrorFrame{
		Event:   protocol.EventProtocolError,
		Code:    code,
		Message: message,
		RunID:   runID,
		Ts:      time.Now().UnixMilli(),
	}
	s.hub.SendJSONToConnection(conn, frame)
}
