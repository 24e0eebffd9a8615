package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"lexrelay/internal/ratelimit"
	"lexrelay/pkg/types"
)

// Core is the slice of the connection server the admin API drives.
type Core interface {
	Stats() map[string]interface{}
	Broadcast(event string, data map[string]interface{}) int
	ForceDisconnect(userID, reason string) int
}

// Seeder provisions users and conversations. Backed by the bundled store;
// deployments that bring their own stores run without it.
type Seeder interface {
	CreateUser(ctx context.Context, user *types.User) error
	CreateConversation(ctx context.Context, conversation *types.Conversation) error
}

// Server is the administrative HTTP surface: health, stats, system
// notices, forced disconnects, rate-limit controls and seed endpoints.
// Everything except /health requires the admin bearer token.
type Server struct {
	core       Core
	limiter    *ratelimit.Limiter
	seeder     Seeder
	adminToken string
	router     *http.ServeMux
}

// NewServer wires the admin routes. seeder may be nil.
func NewServer(core Core, limiter *ratelimit.Limiter, seeder Seeder, adminToken string) *Server {
	s := &Server{
		core:       core,
		limiter:    limiter,
		seeder:     seeder,
		adminToken: adminToken,
		router:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthCheck)
	s.router.Handle("/admin/stats", s.requireAdmin(http.HandlerFunc(s.handleStats)))
	s.router.Handle("/admin/notice", s.requireAdmin(http.HandlerFunc(s.handleNotice)))
	s.router.Handle("/admin/disconnect", s.requireAdmin(http.HandlerFunc(s.handleDisconnect)))
	s.router.Handle("/admin/ratelimit/reset", s.requireAdmin(http.HandlerFunc(s.handleRateLimitReset)))
	s.router.Handle("/admin/ratelimit/blocked", s.requireAdmin(http.HandlerFunc(s.handleRateLimitBlocked)))
	s.router.Handle("/admin/users", s.requireAdmin(http.HandlerFunc(s.handleCreateUser)))
	s.router.Handle("/admin/conversations", s.requireAdmin(http.HandlerFunc(s.handleCreateConversation)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requireAdmin enforces the bearer token on administrative routes. An
// empty configured token disables the whole surface.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.sendError(w, "Admin API disabled", http.StatusForbidden)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.adminToken {
			s.sendError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, s.core.Stats())
}

type noticeRequest struct {
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"`
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req noticeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		s.sendError(w, "message is required", http.StatusBadRequest)
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !types.IsValidPriority(priority) {
		s.sendError(w, "invalid priority", http.StatusBadRequest)
		return
	}

	reached := s.core.Broadcast(types.EventSystemNotice, map[string]interface{}{
		"message":  req.Message,
		"priority": priority,
		"sent_at":  time.Now().UTC().Format(time.RFC3339),
	})
	log.Printf("System notice delivered to %d handles", reached)
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"reached": reached})
}

type disconnectRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "disconnected by administrator"
	}

	closed := s.core.ForceDisconnect(req.UserID, req.Reason)
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"closed_handles": closed})
}

type rateLimitResetRequest struct {
	UserID string `json:"user_id"`
	Event  string `json:"event,omitempty"` // empty resets every event
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rateLimitResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	s.limiter.Reset(req.UserID, req.Event)
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}

func (s *Server) handleRateLimitBlocked(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	blocked := s.limiter.Blocked()
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"blocked": blocked})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.seeder == nil {
		s.sendError(w, "Seeding not available", http.StatusNotImplemented)
		return
	}
	var user types.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil || !types.IsValidUserID(user.ID) {
		s.sendError(w, "valid user id is required", http.StatusBadRequest)
		return
	}
	if err := s.seeder.CreateUser(r.Context(), &user); err != nil {
		log.Printf("Failed to create user %s: %v", user.ID, err)
		s.sendError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]interface{}{"user": &user})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.seeder == nil {
		s.sendError(w, "Seeding not available", http.StatusNotImplemented)
		return
	}
	var conversation types.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conversation); err != nil || !types.IsValidConversationID(conversation.ID) {
		s.sendError(w, "valid conversation id is required", http.StatusBadRequest)
		return
	}
	if len(conversation.ParticipantIDs) == 0 {
		s.sendError(w, "participant_ids is required", http.StatusBadRequest)
		return
	}
	if err := s.seeder.CreateConversation(r.Context(), &conversation); err != nil {
		log.Printf("Failed to create conversation %s: %v", conversation.ID, err)
		s.sendError(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]interface{}{"conversation": &conversation})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, status int) {
	s.sendJSON(w, status, map[string]interface{}{"error": message})
}
