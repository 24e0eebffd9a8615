package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"

	"lexrelay/internal/config"
	"lexrelay/internal/pipeline"
	"lexrelay/internal/presence"
	"lexrelay/internal/ratelimit"
	"lexrelay/internal/rooms"
	"lexrelay/internal/typing"
	"lexrelay/internal/websocket"
	"lexrelay/pkg/interfaces"
	"lexrelay/pkg/types"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the fronting proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Server owns the WebSocket endpoint: it runs the authentication
// handshake, registers presence, restores room membership and then pumps
// inbound events through the rate limiter, validator and dispatch table.
type Server struct {
	verifier interfaces.TokenVerifier
	users    interfaces.UserStore
	presence *presence.Manager
	rooms    *rooms.Manager
	typing   *typing.Tracker
	limiter  *ratelimit.Limiter
	pipeline *pipeline.Pipeline
	wsConfig *config.WebSocketConfig
	dispatch map[string]handlerFunc
	started  time.Time
}

// NewServer wires the connection server. The dispatch table is resolved
// once here; unrecognized event names never reach a handler.
func NewServer(
	verifier interfaces.TokenVerifier,
	users interfaces.UserStore,
	presenceManager *presence.Manager,
	roomManager *rooms.Manager,
	typingTracker *typing.Tracker,
	limiter *ratelimit.Limiter,
	messagePipeline *pipeline.Pipeline,
	wsConfig *config.WebSocketConfig,
) *Server {
	s := &Server{
		verifier: verifier,
		users:    users,
		presence: presenceManager,
		rooms:    roomManager,
		typing:   typingTracker,
		limiter:  limiter,
		pipeline: messagePipeline,
		wsConfig: wsConfig,
		started:  time.Now(),
	}
	s.dispatch = s.buildDispatch()
	return s
}

// HandleWebSocket authenticates and upgrades a client connection. The
// handshake rejects before any presence or room state is registered, so a
// refused connection leaves no trace.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	userID, err := s.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, interfaces.ErrTokenExpired) {
			http.Error(w, "Token expired", http.StatusUnauthorized)
		} else {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
		}
		return
	}

	user, err := s.users.FindByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "Unknown user", http.StatusUnauthorized)
		return
	}
	if !user.IsActive {
		http.Error(w, "Account deactivated", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for %s: %v", userID, err)
		return
	}

	wsConn := websocket.NewConnection(conn, s.wsConfig.BufferSize, s.wsConfig.WriteTimeout)
	wsConn.SetUser(userID)

	// Rooms are restored before the presence transition so the online
	// broadcast can reach the user's co-participants.
	if err := s.rooms.RestoreRooms(context.Background(), userID); err != nil {
		log.Printf("Failed to restore rooms for %s: %v", userID, err)
		_ = wsConn.Close()
		return
	}
	s.presence.Register(wsConn)

	log.Printf("Connected: user=%s handle=%s", userID, wsConn.HandleID())
	go s.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat for one handle and
// tears its state down on exit.
func (s *Server) handleConnection(conn *websocket.Connection) {
	defer s.cleanupConnection(conn)

	if err := conn.SetReadDeadline(time.Now().Add(s.wsConfig.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.wsConfig.ReadTimeout))
	})

	ticker := time.NewTicker(s.wsConfig.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(time.Now().Add(s.wsConfig.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseGoingAway, gorilla.CloseNormalClosure, gorilla.CloseAbnormalClosure) {
				log.Printf("Read error for %s: %v", conn.GetUserID(), err)
			}
			return
		}
		if messageType != gorilla.TextMessage {
			continue
		}

		var envelope types.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.sendError(conn, "", pipeline.CodeValidation, "malformed event frame")
			continue
		}
		s.dispatchEvent(conn, &envelope)
	}
}

// cleanupConnection unregisters presence and, when this was the user's
// last handle, sweeps their typing state so stale indicators are stopped
// immediately rather than waiting for the auto-stop timer.
func (s *Server) cleanupConnection(conn *websocket.Connection) {
	userID := conn.GetUserID()
	s.presence.Unregister(conn)
	if !s.presence.IsOnline(userID) {
		s.typing.SweepUser(userID)
	}
	_ = conn.Close()
	log.Printf("Disconnected: user=%s handle=%s", userID, conn.HandleID())
}

// ForceDisconnect closes every handle a user holds after delivering the
// reason. Used by the administrative surface.
func (s *Server) ForceDisconnect(userID, reason string) int {
	handles := s.presence.Handles(userID)
	for _, handle := range handles {
		if err := handle.WriteEvent(types.EventForceDisconnect, map[string]interface{}{
			"reason": reason,
		}); err != nil {
			log.Printf("Failed to deliver disconnect reason to %s: %v", userID, err)
		}
		if conn, ok := handle.(*websocket.Connection); ok {
			_ = conn.CloseGraceful()
		} else {
			_ = handle.Close()
		}
	}
	return len(handles)
}

// Broadcast delivers a system notice to every online user's handles.
func (s *Server) Broadcast(event string, data map[string]interface{}) int {
	reached := 0
	for _, userID := range s.presence.ListOnline() {
		for _, handle := range s.presence.Handles(userID) {
			if err := handle.WriteEvent(event, data); err != nil {
				log.Printf("Failed to deliver %s to %s: %v", event, userID, err)
				continue
			}
			reached++
		}
	}
	return reached
}

// Stats reports the server-level counters exposed by the admin API.
func (s *Server) Stats() map[string]interface{} {
	users, connections := s.presence.Stats()
	return map[string]interface{}{
		"online_users":         users,
		"active_connections":   connections,
		"active_rooms":         s.rooms.Stats(),
		"typing_conversations": s.typing.Stats(),
		"rate_limit_counters":  s.limiter.Size(),
		"uptime_seconds":       int64(time.Since(s.started).Seconds()),
	}
}

func (s *Server) sendError(conn *websocket.Connection, event, code, message string) {
	data := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if event != "" {
		data["event"] = event
	}
	if err := conn.WriteEvent(types.EventError, data); err != nil {
		log.Printf("Failed to deliver error to %s: %v", conn.GetUserID(), err)
	}
}

// bearerToken extracts the handshake token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
