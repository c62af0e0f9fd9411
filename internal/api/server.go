// Package api implements Tickler's HTTP surface: chat with optional
// event streaming, conversation and reminder listings, the inbound SMS
// webhook, and a websocket feed of operational events.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/tickler/internal/agent"
	"github.com/nugget/tickler/internal/buildinfo"
	"github.com/nugget/tickler/internal/conversation"
	"github.com/nugget/tickler/internal/events"
	"github.com/nugget/tickler/internal/notify"
	"github.com/nugget/tickler/internal/reminder"
	"github.com/nugget/tickler/internal/users"
)

// UserHeader carries the caller's user id. Authentication happens in
// the proxy in front of Tickler.
const UserHeader = "X-User-ID"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner runs one agent turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, sink agent.EventSink) (*agent.Response, error)
}

// ConversationStore is the slice of the conversation store the API reads.
type ConversationStore interface {
	Create(ctx context.Context, userID, phone, title string) (*conversation.Conversation, error)
	FindByID(ctx context.Context, id string) (*conversation.Conversation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*conversation.Conversation, error)
}

// ReminderStore lists reminders by owner or by originating conversation.
type ReminderStore interface {
	ListByUser(ctx context.Context, userID string, status reminder.Status) ([]*reminder.Reminder, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*reminder.Reminder, error)
}

// Config holds a Server's dependencies. Notifier may be nil, in which
// case the SMS webhook is not served.
type Config struct {
	Address       string
	Port          int
	Runner        Runner
	Conversations ConversationStore
	Reminders     ReminderStore
	Notifier      notify.Notifier
	Directory     *users.Directory
	Bus           *events.Bus
	Logger        *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	runner        Runner
	conversations ConversationStore
	reminders     ReminderStore
	notifier      notify.Notifier
	directory     *users.Directory
	bus           *events.Bus
	logger        *slog.Logger
	server        *http.Server
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:       cfg.Address,
		port:          cfg.Port,
		runner:        cfg.Runner,
		conversations: cfg.Conversations,
		reminders:     cfg.Reminders,
		notifier:      cfg.Notifier,
		directory:     cfg.Directory,
		bus:           cfg.Bus,
		logger:        logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("POST /v1/conversations", s.handleConversationCreate)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/reminders", s.handleReminderList)

	if s.notifier != nil {
		mux.HandleFunc("POST /v1/sms/inbound", s.handleSMSInbound)
	}
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // long for streamed runs
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// requireUser resolves the caller from UserHeader. When the directory
// lists users, only those are accepted.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (users.User, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return users.User{}, false
	}
	if s.directory.Len() == 0 {
		return users.User{ID: id}, true
	}
	u, ok := s.directory.ByID(id)
	if !ok {
		s.errorResponse(w, http.StatusForbidden, "unknown user")
		return users.User{}, false
	}
	return u, true
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

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
