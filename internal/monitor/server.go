// Package monitor serves the bridge's operational HTTP surface: health and
// readiness probes, Prometheus metrics, a JSON status snapshot, a websocket
// event feed and transcript archive queries.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tartuvoice/helisild/internal/health"
	"github.com/tartuvoice/helisild/internal/observe"
	"github.com/tartuvoice/helisild/internal/transcript"
)

// transcriptQueryLimit caps /transcripts results when no limit is given.
const transcriptQueryLimit = 50

// transcriptQueryMaxLimit caps /transcripts results regardless of the
// requested limit.
const transcriptQueryMaxLimit = 500

// SessionStatus describes one active call session in the /statusz payload.
type SessionStatus struct {
	ID        string `json:"id"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	CallState string `json:"callState"`
	Busy      bool   `json:"busy"`
	QueueLen  int    `json:"queueLen"`
}

// Status is the /statusz payload. Stats is filled in by the server; the
// remaining fields come from the snapshot callback.
type Status struct {
	SidecarState string          `json:"sidecarState"`
	Sessions     []SessionStatus `json:"sessions"`
	Stats        StatsSnapshot   `json:"stats"`
}

// Config holds the dependencies for a monitor Server.
type Config struct {
	// Addr is the listen address (for example "127.0.0.1:8787").
	Addr string
	// Health serves /healthz and /readyz. Required.
	Health *health.Handler
	// Metrics is used by the request middleware. Required.
	Metrics *observe.Metrics
	// Stats feeds the /statusz latency and counter block. Required.
	Stats *BridgeStats
	// Hub feeds the /events websocket. Required.
	Hub *Hub
	// Status returns the live session and supervisor snapshot for
	// /statusz. Optional.
	Status func() Status
	// Archive serves /transcripts queries. Nil disables the endpoint.
	Archive transcript.Store
}

// Server is the ops HTTP server.
//
// Construct with New, then either call Start (blocking) or mount Handler on
// an existing server. Shutdown stops a started server gracefully.
type Server struct {
	addr    string
	handler http.Handler
	stats   *BridgeStats
	hub     *Hub
	status  func() Status
	archive transcript.Store

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopped    bool
}

// New creates a monitor server and sets up its routes.
func New(cfg Config) *Server {
	s := &Server{
		addr:    cfg.Addr,
		stats:   cfg.Stats,
		hub:     cfg.Hub,
		status:  cfg.Status,
		archive: cfg.Archive,
	}

	mux := http.NewServeMux()
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /statusz", s.handleStatusz)
	mux.HandleFunc("GET /events", s.hub.handleEvents)
	mux.HandleFunc("GET /transcripts", s.handleTranscripts)

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s
}

// Handler returns the server's root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Shutdown is
// called. It returns nil after a graceful shutdown, and immediately when
// Shutdown already ran.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("monitor: listen %q: %w", s.addr, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.handler}
	srv := s.httpServer
	s.mu.Unlock()

	slog.Info("monitor: listening", "addr", listener.Addr().String())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: serve: %w", err)
	}
	return nil
}

// Addr returns the bound listen address, or the configured address if the
// server has not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown gracefully stops the server and disconnects event subscribers.
// Safe to call more than once and before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()

	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleStatusz writes the JSON bridge status snapshot.
func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	var st Status
	if s.status != nil {
		st = s.status()
	}
	if st.Sessions == nil {
		st.Sessions = []SessionStatus{}
	}
	if s.stats != nil {
		st.Stats = s.stats.Snapshot()
	}
	writeJSON(w, http.StatusOK, st)
}

// handleTranscripts serves archive queries. With ?q= it searches, otherwise
// it returns the most recent entries of ?session=.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	q := query.Get("q")
	session := query.Get("session")
	if q == "" && session == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "q or session parameter is required",
		})
		return
	}

	limit := transcriptQueryLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid limit %q", raw),
			})
			return
		}
		limit = min(n, transcriptQueryMaxLimit)
	}

	var (
		entries []transcript.Entry
		err     error
	)
	if q == "" {
		entries, err = s.archive.Recent(r.Context(), session, limit)
	} else {
		entries, err = s.archive.Search(r.Context(), q, transcript.SearchOpts{
			SessionID: session,
			Limit:     limit,
		})
	}
	if err != nil {
		slog.Error("monitor: transcript query failed", "q", q, "session", session, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "archive query failed",
		})
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("monitor: failed to encode response", "err", err)
	}
}
