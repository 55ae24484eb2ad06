package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/agentchat/internal/agent"
	"github.com/ent0n29/agentchat/internal/chat"
	"github.com/ent0n29/agentchat/internal/config"
	"github.com/ent0n29/agentchat/internal/memory"
	"github.com/ent0n29/agentchat/internal/observability"
)

// ChatService runs chat turns.
type ChatService interface {
	Ask(ctx context.Context, req chat.Request, onFragment agent.FragmentHandler) (chat.Response, error)
	Ready() bool
}

// HistoryReader exposes durable conversation history.
type HistoryReader interface {
	History(ctx context.Context, sessionID string, limit int) ([]memory.Message, error)
	Backend() string
	WindowSize() int
}

type Server struct {
	cfg      config.Config
	chat     ChatService
	history  HistoryReader
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

func New(cfg config.Config, chatSvc ChatService, history HistoryReader, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		chat:    chatSvc,
		history: history,
		metrics: metrics,
		logger:  logger.With("component", "httpapi"),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)

	r.Get("/", s.handleBanner)
	r.Get("/ping", s.handlePing)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(processTime)
		r.Post("/chat", s.handleChat)
		r.Post("/v1/chat", s.handleChat)
		r.Get("/v1/sessions/{id}/history", s.handleHistory)
		r.Get("/v1/perf/latency", s.handlePerfLatency)
	})

	r.Get("/v1/chat/ws", s.handleChatWS)

	return r
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	backend, window := "none", 0
	if s.history != nil {
		backend, window = s.history.Backend(), s.history.WindowSize()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "agentchat backend is running (memory=%s window=%d agent_ready=%t)\n",
		backend, window, s.chat != nil && s.chat.Ready())
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := s.chat != nil && s.chat.Ready()
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	backend := "none"
	if s.history != nil {
		backend = s.history.Backend()
	}
	respondJSON(w, status, map[string]any{
		"status":         state,
		"agent_ready":    ready,
		"memory_backend": backend,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil || !s.chat.Ready() {
		respondError(w, http.StatusServiceUnavailable, "agent_unavailable", chat.ErrAgentUnavailable.Error())
		return
	}

	var req chat.Request
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	resp, err := s.chat.Ask(ctx, req, nil)
	if err != nil {
		status, code, message := s.errorDetails(err)
		respondError(w, status, code, message)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "conversation store not configured")
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.history.History(r.Context(), sessionID, limit)
	if err != nil {
		s.metrics.ObserveStoreError("history")
		s.logger.Warn("history read failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "conversation history unavailable")
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  msgs,
	})
}

// errorDetails maps a chat error to status, code and client-safe message.
func (s *Server) errorDetails(err error) (int, string, string) {
	var invErr *chat.InvocationError
	switch {
	case errors.Is(err, chat.ErrSessionRequired):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, chat.ErrAgentUnavailable):
		return http.StatusServiceUnavailable, "agent_unavailable", err.Error()
	case errors.As(err, &invErr):
		return invErr.Status, invErr.Code, invErr.Message
	case errors.Is(err, memory.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failure", "failed to store conversation turn"
	default:
		s.logger.Error("chat request failed", "error", err)
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 120 * time.Second
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
