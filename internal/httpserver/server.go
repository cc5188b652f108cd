package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/privy-board/internal/config"
	"github.com/blackmichael/privy-board/internal/domain"
	"github.com/blackmichael/privy-board/internal/imaging"
	"github.com/blackmichael/privy-board/internal/notify"
	"github.com/gorilla/handlers"
)

// maxBodyBytes bounds request bodies; inline images make them large.
const maxBodyBytes = 48 << 20

// Server is the local HTTP server through which the view reads the board and
// dispatches user actions.
type Server struct {
	cfg        *config.Config
	board      *domain.Board
	hub        *notify.Hub
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server for the given board.
func NewServer(cfg *config.Config, board *domain.Board, hub *notify.Hub, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		board:  board,
		hub:    hub,
		logger: logger,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/board", s.handleBoard)
	mux.HandleFunc("POST /api/posts", s.handleCreatePost)
	mux.HandleFunc("DELETE /api/posts/{id}", s.handleDeletePost)
	mux.HandleFunc("POST /api/posts/{id}/vote", s.handleVote)
	mux.HandleFunc("POST /api/posts/{id}/pin", s.handleTogglePin)
	mux.HandleFunc("POST /api/posts/{id}/comments", s.handleAddComment)
	mux.HandleFunc("POST /api/communities", s.handleCreateCommunity)
	mux.HandleFunc("PUT /api/communities/{id}", s.handleUpdateCommunity)
	mux.HandleFunc("DELETE /api/communities/{id}", s.handleDeleteCommunity)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/notices/latest", s.handleLatestNotice)
	mux.HandleFunc("GET /ws/notices", s.hub.ServeWS)

	var h http.Handler = mux
	h = handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
	return withLogging(s.logger, h)
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBoard(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.board.Snapshot())
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var draft domain.PostDraft
	if !s.decode(w, r, &draft) {
		return
	}

	post, err := s.board.CreatePost(r.Context(), draft)
	if err != nil {
		s.writeActionError(w, "create post", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.board.DeletePost(r.Context(), r.PathValue("id")); err != nil {
		s.writeActionError(w, "delete post", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type voteRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}

	post, err := s.board.Vote(r.Context(), r.PathValue("id"), req.Delta)
	if err != nil {
		s.writeActionError(w, "vote", err)
		return
	}
	s.writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleTogglePin(w http.ResponseWriter, r *http.Request) {
	post, err := s.board.TogglePin(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeActionError(w, "toggle pin", err)
		return
	}
	s.writeJSON(w, http.StatusOK, post)
}

type commentRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !s.decode(w, r, &req) {
		return
	}

	comment, err := s.board.AddComment(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeActionError(w, "add comment", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleCreateCommunity(w http.ResponseWriter, r *http.Request) {
	var draft domain.CommunityDraft
	if !s.decode(w, r, &draft) {
		return
	}

	community, err := s.board.CreateCommunity(r.Context(), draft)
	if err != nil {
		s.writeActionError(w, "create community", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, community)
}

func (s *Server) handleUpdateCommunity(w http.ResponseWriter, r *http.Request) {
	var community domain.Community
	if !s.decode(w, r, &community) {
		return
	}
	community.ID = r.PathValue("id")

	updated, err := s.board.UpdateCommunity(r.Context(), community)
	if err != nil {
		s.writeActionError(w, "update community", err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteCommunity(w http.ResponseWriter, r *http.Request) {
	if err := s.board.DeleteCommunity(r.Context(), r.PathValue("id")); err != nil {
		s.writeActionError(w, "delete community", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.board.Reset(r.Context()); err != nil {
		s.logger.Error("reset failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "InternalError", "failed to delete local data")
		return
	}
	s.writeJSON(w, http.StatusOK, s.board.Snapshot())
}

func (s *Server) handleLatestNotice(w http.ResponseWriter, _ *http.Request) {
	n, ok := s.hub.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

// decode reads a JSON body into v, writing a 400 response on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("invalid request body", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", "request body must be valid JSON")
		return false
	}
	return true
}

func (s *Server) writeActionError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, domain.ErrPostNotFound), errors.Is(err, domain.ErrCommunityNotFound):
		s.writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, domain.ErrEmptyComment),
		errors.Is(err, domain.ErrInvalidPost),
		errors.Is(err, domain.ErrInvalidCommunity):
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, imaging.ErrImageDecode):
		s.writeError(w, http.StatusBadRequest, "InvalidImage", "the uploaded image could not be read")
	default:
		s.logger.Error("action failed", "action", action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "InternalError", "failed to "+action)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is already sent; the client sees a truncated body.
		s.logger.Debug("encode response", "status", status, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("panic serving request", "panic", strings.TrimSpace(fmt.Sprintln(v...)))
}
