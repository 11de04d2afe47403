// Package server exposes the live session over HTTP.
//
// Routes:
//
//	POST /v1/session/start   start a session; 409 unless idle
//	POST /v1/session/stop    stop the session; idempotent
//	GET  /v1/session         state snapshot
//	GET  /v1/session/feed    websocket feed of state and transcript updates
//	GET  /v1/transcript      transcript of the current or most recent session;
//	                         ?session_id= reads a persisted one, ?q= searches
//	GET  /healthz, /readyz   probes
//	GET  /metrics            Prometheus scrape endpoint
//
// Every route runs behind [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/studiogen/livestudio/internal/health"
	"github.com/studiogen/livestudio/internal/livesession"
	"github.com/studiogen/livestudio/internal/observe"
	"github.com/studiogen/livestudio/pkg/memory"
)

// stopTimeout bounds how long POST /v1/session/stop waits for teardown.
const stopTimeout = 10 * time.Second

// Sessions is the part of [livesession.Manager] the server drives.
type Sessions interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
	Snapshot() livesession.Snapshot
	Transcript() []livesession.TranscriptEvent
	History(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error)
	Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error)
	Subscribe() (<-chan livesession.Update, func())
}

var _ Sessions = (*livesession.Manager)(nil)

// Server routes HTTP requests to a [Sessions] implementation.
type Server struct {
	sessions Sessions
	health   *health.Handler
	metrics  *observe.Metrics
	scrape   http.Handler
	origins  []string
	feedPing time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithScrapeHandler mounts h on /metrics.
func WithScrapeHandler(h http.Handler) Option {
	return func(s *Server) { s.scrape = h }
}

// WithAllowedOrigins sets the origins permitted to open the feed. Empty
// allows same-origin requests only; "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithFeedPing sets the feed keepalive ping interval. Default: 30s.
func WithFeedPing(d time.Duration) Option {
	return func(s *Server) { s.feedPing = d }
}

// New creates a [Server].
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		feedPing: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("GET /v1/session", s.handleSnapshot)
	mux.HandleFunc("GET /v1/session/feed", s.handleFeed)
	mux.HandleFunc("GET /v1/transcript", s.handleTranscript)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ── Session control ──────────────────────────────────────────────────────────

type startResponse struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Start(r.Context())
	if err != nil {
		status := startStatus(err)
		observe.Logger(r.Context()).Warn("start rejected", "status", status, "err", err)
		writeJSON(w, status, errorResponse{Error: livesession.Describe(err)})
		return
	}
	writeJSON(w, http.StatusOK, startResponse{SessionID: id})
}

// startStatus maps a Start failure onto an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, livesession.ErrPrecondition), errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, livesession.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, livesession.ErrConnectionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.sessions.Stop(ctx); err != nil {
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

// ── Transcripts ──────────────────────────────────────────────────────────────

// historyEntry is the wire form of a persisted transcript entry.
type historyEntry struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, sessionID := q.Get("q"), q.Get("session_id")

	if query == "" && sessionID == "" {
		writeJSON(w, http.StatusOK, s.sessions.Transcript())
		return
	}

	var (
		entries []memory.TranscriptEntry
		err     error
	)
	if query != "" {
		opts := memory.SearchOpts{SessionID: sessionID, Role: q.Get("role")}
		if v := q.Get("limit"); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
				return
			}
			opts.Limit = n
		}
		entries, err = s.sessions.Search(r.Context(), query, opts)
	} else {
		entries, err = s.sessions.History(r.Context(), sessionID)
	}
	if errors.Is(err, livesession.ErrNoStore) {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "transcript history is not configured"})
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Error("transcript query failed", "session_id", sessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "transcript query failed"})
		return
	}

	out := make([]historyEntry, len(entries))
	for i, e := range entries {
		out[i] = historyEntry{SessionID: e.SessionID, Seq: e.Seq, Role: e.Role, Text: e.Text, At: e.Timestamp}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}
