// ABOUTME: HTTP surface for courier: conversations, messages, users, websocket.
// ABOUTME: Handlers translate store and service errors into a uniform JSON taxonomy.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campuschat/courier/internal/config"
	"github.com/campuschat/courier/internal/messaging"
	"github.com/campuschat/courier/internal/store"
)

// Messaging is the slice of the messaging service the handlers call.
type Messaging interface {
	Send(ctx context.Context, req *messaging.SendRequest) (*messaging.SendResult, error)
	History(ctx context.Context, a, b string) ([]*store.Message, error)
	Clear(ctx context.Context, a, b, actor string) error
	AckIncoming(ctx context.Context, messageID string) error
}

// Users is the slice of the store the profile handlers need.
type Users interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	SetUserStatus(ctx context.Context, id string, online bool, lastSeen time.Time) error
}

// Server mounts the courier HTTP API.
type Server struct {
	messaging Messaging
	users     Users
	ws        http.Handler
	cfg       *config.Config
	logger    *slog.Logger
}

// NewServer builds the API over the given collaborators. ws handles the
// websocket endpoint and may be nil in tests that don't exercise it.
func NewServer(m Messaging, users Users, ws http.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		messaging: m,
		users:     users,
		ws:        ws,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
	}
}

// Router assembles the middleware chain and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(withRequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withMetrics)
	if rpm := s.cfg.Limits.RequestsPerMinute; rpm > 0 {
		r.Use(httprate.LimitByIP(rpm, time.Minute))
	}
	if origins := s.cfg.Server.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, promhttp.Handler())
	}

	r.Get("/conversations/{a}/{b}", s.handleHistory)
	r.Delete("/conversations/{a}/{b}", s.handleClear)
	r.Post("/messages", s.handleSend)
	r.Post("/messages/incoming", s.handleIncoming)
	r.Get("/users/{id}", s.handleGetUser)
	r.Post("/users/{id}/status", s.handleSetStatus)
	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}

	return r
}

// Wire shapes. Field names mirror the websocket push payload so both
// delivery paths carry the same envelope.
type sendMessageRequest struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type messagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
}

type sendMessageResponse struct {
	Message       messagePayload `json:"message"`
	DeliveredLive bool           `json:"delivered_live"`
}

type historyResponse struct {
	Messages []messagePayload `json:"messages"`
}

type incomingRequest struct {
	ID string `json:"id"`
}

type clearRequest struct {
	DeletedBy string `json:"deleted_by"`
}

type statusRequest struct {
	IsOnline bool `json:"is_online"`
}

type userPayload struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Faculty     string    `json:"faculty"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen"`
}

func toMessagePayload(m *store.Message) messagePayload {
	return messagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		From:           m.SenderID,
		Message:        m.Text,
		Timestamp:      m.SentAt,
		Status:         string(m.Status),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	if req.From == req.To {
		writeError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := s.messaging.Send(r.Context(), &messaging.SendRequest{
		MessageID: req.ID,
		From:      req.From,
		To:        req.To,
		Text:      req.Message,
		SentAt:    req.Timestamp,
	})
	if err != nil {
		s.internalError(r, w, "send failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, sendMessageResponse{
		Message:       toMessagePayload(result.Message),
		DeliveredLive: result.DeliveredLive,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	a, b := chi.URLParam(r, "a"), chi.URLParam(r, "b")
	if a == b {
		writeError(w, http.StatusBadRequest, "a conversation needs two distinct identities")
		return
	}

	msgs, err := s.messaging.History(r.Context(), a, b)
	if err != nil {
		s.internalError(r, w, "history fetch failed", err)
		return
	}

	resp := historyResponse{Messages: make([]messagePayload, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessagePayload(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	a, b := chi.URLParam(r, "a"), chi.URLParam(r, "b")
	if a == b {
		writeError(w, http.StatusBadRequest, "a conversation needs two distinct identities")
		return
	}

	// Body is optional; the first path identity is the default actor.
	actor := a
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.DeletedBy != "" {
		req.DeletedBy = strings.TrimSpace(req.DeletedBy)
		if req.DeletedBy != a && req.DeletedBy != b {
			writeError(w, http.StatusBadRequest, "deleted_by must be a participant")
			return
		}
		actor = req.DeletedBy
	}

	if err := s.messaging.Clear(r.Context(), a, b, actor); err != nil {
		s.internalError(r, w, "clear failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	var req incomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.messaging.AckIncoming(r.Context(), req.ID); err != nil {
		s.internalError(r, w, "incoming ack failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	u, err := s.users.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.internalError(r, w, "user fetch failed", err)
		return
	}

	writeJSON(w, http.StatusOK, userPayload{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Faculty:     u.Faculty,
		IsOnline:    u.IsOnline,
		LastSeen:    u.LastSeen,
	})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.users.SetUserStatus(r.Context(), id, req.IsOnline, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.internalError(r, w, "status update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// internalError logs the cause with the request ID and returns an opaque
// 500 so store details never leak to callers.
func (s *Server) internalError(r *http.Request, w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg,
		"error", err,
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
