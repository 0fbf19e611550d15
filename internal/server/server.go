// Package server exposes the HTTP surface: conversation CRUD, health and the
// streaming chat endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/privateai/localchat/internal/chat"
	"github.com/privateai/localchat/internal/observability"
	"github.com/privateai/localchat/internal/session"
	"github.com/privateai/localchat/internal/settings"
	"github.com/privateai/localchat/internal/store"
)

// Server bundles the router and its collaborators.
type Server struct {
	store    *store.FileStore
	registry *session.Registry
	pipeline *chat.Pipeline
	logger   observability.Logger
	http     *http.Server
}

// New creates a server bound to addr.
func New(addr string, fileStore *store.FileStore, registry *session.Registry, pipeline *chat.Pipeline, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	s := &Server{
		store:    fileStore,
		registry: registry,
		pipeline: pipeline,
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)
		r.Get("/{id}", s.handleGetConversation)
	})
	r.Post("/api/chat", s.handleChat)

	return r
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var modelPath *string
	if path := s.registry.ModelPath(); path != "" {
		modelPath = &path
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"modelLoaded": s.registry.ModelLoaded(),
		"modelPath":   modelPath,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		s.logger.WithErr(err).Error("listing conversations failed")
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": summaries})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conversation, err := s.store.Create(r.Context(), "", nil)
	if err != nil {
		s.logger.WithErr(err).Error("creating conversation failed")
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"conversation": conversation,
		"summary":      store.BuildSummary(conversation),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	conversation, err := s.store.Load(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		s.logger.WithErr(err).WithFields(map[string]interface{}{"sessionId": sessionID}).Error("fetching conversation failed")
		writeError(w, http.StatusInternalServerError, "Failed to fetch conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conversation,
		"summary":      store.BuildSummary(conversation),
	})
}

type chatRequest struct {
	Message   string          `json:"message"`
	SessionID string          `json:"sessionId"`
	Settings  *settings.Input `json:"settings"`
}

// handleChat validates the request, then switches the response to a
// newline-delimited JSON event stream. The request context doubles as the
// cancellation token: a dropped connection aborts generation.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	req := chat.Request{
		SessionID: body.SessionID,
		Message:   body.Message,
		Settings:  settings.Normalize(body.Settings),
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")

	emitter := chat.NewStreamEncoder(flushWriter{w})
	err := s.pipeline.Run(r.Context(), req, emitter)
	if err != nil && !emitter.Started() {
		// Nothing was streamed yet, so a plain JSON status can still go out.
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if errors.Is(err, chat.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "Message cannot be empty.")
			return
		}
		s.logger.WithErr(err).Error("chat request failed before streaming")
		writeError(w, http.StatusInternalServerError, "Failed to start chat")
		return
	}
	if err != nil {
		s.logger.WithErr(err).Warn("chat stream ended abnormally")
	}
}

// flushWriter flushes after every write so each event line reaches the
// client immediately.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
