package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/kbrandt/vigor/internal/agent"
	"github.com/kbrandt/vigor/internal/auth"
	"github.com/kbrandt/vigor/internal/prompts"
	"github.com/kbrandt/vigor/internal/store"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.errorResponse(w, http.StatusBadRequest, "username and password are required")
		return
	}

	userID, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			s.errorResponse(w, http.StatusConflict, "username already taken")
			return
		}
		s.logger.Error("registration failed", "username", req.Username, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.logger.Info("user registered", "user_id", userID, "username", req.Username)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"id": userID, "username": req.Username}, s.logger)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.errorResponse(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		s.logger.Error("login failed", "username", req.Username, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "login failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expiresAt,
	}, s.logger)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProfile(r.Context(), requestUserID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("get profile failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get profile failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, p, s.logger)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p store.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.UpdateProfile(r.Context(), requestUserID(r), p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("update profile failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "update profile failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, p, s.logger)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec store.FitnessRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rec.Date == "" || rec.Exercise == "" {
		s.errorResponse(w, http.StatusBadRequest, "date and exercise are required")
		return
	}
	rec.UserID = requestUserID(r)

	id, err := s.store.CreateRecord(r.Context(), rec)
	if err != nil {
		s.logger.Error("create record failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "create record failed")
		return
	}
	rec.ID = id

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.store.QueryRecords(r.Context(), requestUserID(r), q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		s.logger.Error("list records failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list records failed")
		return
	}
	if recs == nil {
		recs = []store.FitnessRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, recs, s.logger)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid record id")
		return
	}
	if err := s.store.DeleteRecord(r.Context(), requestUserID(r), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("delete record failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "delete record failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	userID := requestUserID(r)

	// Persist the user message before running the turn so it survives even
	// a degraded outcome.
	msgID, err := s.store.SaveChatMessage(r.Context(), userID, req.Message)
	if err != nil {
		s.logger.Error("save chat message failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "chat failed")
		return
	}

	resp, err := s.loop.Run(r.Context(), agent.Request{UserID: userID, Message: req.Message})
	if err != nil {
		s.logger.Warn("chat turn aborted", "message_id", msgID, "error", err)
		// The request context is gone, but the saved message still needs an
		// answer so history never carries an unpaired question.
		if cerr := s.store.CompleteChatMessage(context.Background(), msgID, prompts.DegradedFallback, 0, true); cerr != nil {
			s.logger.Error("complete aborted chat message failed", "message_id", msgID, "error", cerr)
		}
		s.errorResponse(w, http.StatusInternalServerError, "chat failed")
		return
	}

	if err := s.store.CompleteChatMessage(r.Context(), msgID, resp.Content, resp.Rounds, resp.Degraded); err != nil {
		s.logger.Error("complete chat message failed", "message_id", msgID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":       msgID,
		"response": resp.Content,
		"rounds":   resp.Rounds,
		"degraded": resp.Degraded,
	}, s.logger)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.store.GetChatHistory(r.Context(), requestUserID(r), limit)
	if err != nil {
		s.logger.Error("chat history failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "chat history failed")
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, msgs, s.logger)
}

// handleChatExport renders the chat history as a markdown or HTML document.
func (s *Server) handleChatExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "html" {
		s.errorResponse(w, http.StatusBadRequest, "format must be markdown or html")
		return
	}

	msgs, err := s.store.GetFullChatHistory(r.Context(), requestUserID(r))
	if err != nil {
		s.logger.Error("chat export failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "chat export failed")
		return
	}

	md := renderChatMarkdown(msgs)
	if format == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		if _, err := w.Write([]byte(md)); err != nil {
			s.logger.Debug("failed to write export", "error", err)
		}
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Error("markdown conversion failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "chat export failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("failed to write export", "error", err)
	}
}

// renderChatMarkdown lays out the history oldest first, one section per
// exchange.
func renderChatMarkdown(msgs []store.ChatMessage) string {
	var b strings.Builder
	b.WriteString("# Chat History\n")
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		fmt.Fprintf(&b, "\n## %s\n\n", m.CreatedAt.Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "**You:** %s\n\n", m.Message)
		if m.Degraded {
			fmt.Fprintf(&b, "**Coach (degraded):** %s\n", m.Response)
		} else {
			fmt.Fprintf(&b, "**Coach:** %s\n", m.Response)
		}
	}
	return b.String()
}
