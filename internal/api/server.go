// Package api implements the HTTP API: account management, fitness records
// and the coaching chat.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kbrandt/vigor/internal/agent"
	"github.com/kbrandt/vigor/internal/auth"
	"github.com/kbrandt/vigor/internal/buildinfo"
	"github.com/kbrandt/vigor/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen string
	loop   *agent.Loop
	store  *store.Store
	auth   *auth.Manager
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(listen string, loop *agent.Loop, st *store.Store, am *auth.Manager, logger *slog.Logger) *Server {
	return &Server{
		listen: listen,
		loop:   loop,
		store:  st,
		auth:   am,
		logger: logger,
	}
}

// Handler builds the routing table. Exposed separately from Start so tests
// can drive the full stack through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Accounts
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /users/me", s.requireAuth(s.handleGetProfile))
	mux.HandleFunc("PUT /users/me", s.requireAuth(s.handleUpdateProfile))

	// Workout records
	mux.HandleFunc("POST /fitness-records", s.requireAuth(s.handleCreateRecord))
	mux.HandleFunc("GET /fitness-records", s.requireAuth(s.handleListRecords))
	mux.HandleFunc("DELETE /fitness-records/{id}", s.requireAuth(s.handleDeleteRecord))

	// Coaching chat
	mux.HandleFunc("POST /chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("GET /chat-history", s.requireAuth(s.handleChatHistory))
	mux.HandleFunc("GET /chat-history/export", s.requireAuth(s.handleChatExport))

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start runs the server until ListenAndServe returns.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // chat turns can take a while
	}

	s.logger.Info("starting API server", "listen", s.listen)
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

type userIDKey struct{}

// requireAuth validates the bearer token and stashes the user id in the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.auth.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				s.errorResponse(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			s.logger.Error("token validation failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "auth check failed")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

func requestUserID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey{}).(int64)
	return id
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Vigor",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
