// Package api implements the HTTP surface consumed by the Home Assistant
// conversation component and by humans poking at the cube.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/buildinfo"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/orchestrator"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
)

// writeJSON encodes v to w. Failures usually mean the client hung up.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnRunner executes one conversation turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
}

// HistoryStore serves the read-only browsing endpoints.
type HistoryStore interface {
	ListConversations(limit int) ([]*store.Conversation, error)
	GetConversation(id string) (*store.Conversation, error)
	Turns(conversationID string) ([]*store.Turn, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  TurnRunner
	history HistoryStore
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, runner TurnRunner, history HistoryStore, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		history: history,
		logger:  logger,
	}
}

// Start runs the server; it blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/conversation", s.handleConversation)
	mux.HandleFunc("GET /api/v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// conversationRequest is the payload the HA custom component posts per
// utterance. Context must at least carry session_id.
type conversationRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context"`
}

// envelope is the protocol wrapper the component unpacks.
type envelope struct {
	Success bool             `json:"success"`
	Data    conversationData `json:"data"`
}

type conversationData struct {
	ResponseType         string                       `json:"response_type"`
	SpeechText           string                       `json:"speech_text"`
	ContinueConversation bool                         `json:"continue_conversation"`
	EndConversation      bool                         `json:"end_conversation"`
	SuccessEntities      []orchestrator.SuccessEntity `json:"success_entities"`
	Targets              []string                     `json:"targets"`
	ConversationID       string                       `json:"conversation_id,omitempty"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, failureEnvelope(), s.logger)
		return
	}

	sessionID, _ := req.Context["session_id"].(string)

	result, err := s.runner.RunTurn(r.Context(), orchestrator.TurnRequest{
		SessionID: sessionID,
		Message:   req.Message,
		Context:   req.Context,
	})
	if err != nil {
		s.logger.Error("turn failed", "session_id", sessionID, "error", err)

		var vErr *orchestrator.ValidationError
		if errors.As(err, &vErr) {
			w.WriteHeader(http.StatusBadRequest)
		}
		// Internal failure detail never reaches speech.
		writeJSON(w, failureEnvelope(), s.logger)
		return
	}

	writeJSON(w, envelope{
		Success: true,
		Data: conversationData{
			ResponseType:         "normal",
			SpeechText:           result.Response.SpeechText,
			ContinueConversation: result.Response.ContinueConversation,
			EndConversation:      result.Response.EndConversation,
			SuccessEntities:      result.Response.SuccessEntities,
			Targets:              result.Response.Targets,
			ConversationID:       result.Response.ConversationID,
		},
	}, s.logger)
}

// failureEnvelope is the persona-neutral apology the user hears when the
// pipeline fails.
func failureEnvelope() envelope {
	return envelope{
		Success: false,
		Data: conversationData{
			ResponseType:    "error",
			SpeechText:      orchestrator.FallbackUtterance,
			EndConversation: true,
			SuccessEntities: []orchestrator.SuccessEntity{},
			Targets:         []string{},
		},
	}
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	convs, err := s.history.ListConversations(limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": "failed to list conversations"}, s.logger)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeJSON(w, map[string]any{"conversations": convs}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := r.PathValue("id")

	conv, err := s.history.GetConversation(id)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": "failed to load conversation"}, s.logger)
		return
	}
	if conv == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "conversation not found"}, s.logger)
		return
	}

	turns, err := s.history.Turns(id)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": "failed to load turns"}, s.logger)
		return
	}
	if turns == nil {
		turns = []*store.Turn{}
	}
	writeJSON(w, map[string]any{"conversation": conv, "turns": turns}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "GlitchCube",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}
