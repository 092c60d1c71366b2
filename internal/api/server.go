// Package api exposes the coordinator protocol over HTTP: broadcast, poll,
// insight, ack, consensus, plus health and a lifecycle event stream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fedlink/fedlink/internal/broker"
	"github.com/fedlink/fedlink/internal/events"
)

// CoordinatorService is the protocol surface the server needs.
type CoordinatorService interface {
	Broadcast(ctx context.Context, queryText string, queryVector []float64, targetIDs []string) (string, error)
	Poll(ctx context.Context, clientID string) (*broker.Task, error)
	SubmitInsight(ctx context.Context, clientID, taskID string, payload json.RawMessage, similarity float64) error
	Acknowledge(ctx context.Context, clientID, taskID string) error
	Insights(ctx context.Context, taskID string) ([]broker.Insight, error)
	Outstanding() int
}

// Config holds API server configuration.
type Config struct {
	Listen string `yaml:"listen"`
	// APIKey, when set, requires a matching bearer token on /api/v1.
	APIKey string `yaml:"api_key"`
}

// Server is the coordinator's HTTP front end.
type Server struct {
	config    Config
	coord     CoordinatorService
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server.
func New(config Config, coord CoordinatorService, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		coord:     coord,
		hub:       hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE stream stays open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/query/broadcast", s.handleBroadcast)
		r.Get("/client/{client_id}/poll", s.handlePoll)
		r.Post("/query/{task_id}/insight", s.handleInsight)
		r.Post("/query/{task_id}/ack", s.handleAck)
		r.Get("/query/{task_id}/consensus", s.handleConsensus)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// authMiddleware enforces the configured bearer token, if any.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
