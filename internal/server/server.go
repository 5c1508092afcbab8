// Package server exposes the engine over HTTP. Runs stream events as
// newline-delimited JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"golang.org/x/net/netutil"

	"github.com/vinayprograms/datalens/internal/checkpoint"
	"github.com/vinayprograms/datalens/internal/events"
	"github.com/vinayprograms/datalens/internal/state"
)

const (
	DefaultAddr     = ":8080"
	DefaultMaxConns = 64

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Runner is the engine surface the server drives.
type Runner interface {
	Stream(ctx context.Context, sessionID, input string) iter.Seq[events.Event]
	Pending(ctx context.Context, sessionID string) (state.Node, error)
	Discard(ctx context.Context, sessionID string) error
}

// Config configures a Server.
type Config struct {
	Addr     string
	MaxConns int
}

// Server serves run, pending and discard requests.
type Server struct {
	runner Runner
	cfg    Config
	logger *logging.Logger
}

type runRequest struct {
	Input string `json:"input"`
}

type pendingResponse struct {
	Pending *state.Node `json:"pending"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server.
func New(runner Runner, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	return &Server{
		runner: runner,
		cfg:    cfg,
		logger: logging.New().WithComponent("server"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions/{id}/run", s.handleRun)
	mux.HandleFunc("GET /v1/sessions/{id}/pending", s.handlePending)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDiscard)
	return mux
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts at most MaxConns concurrent connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(netutil.LimitListener(ln, s.cfg.MaxConns))
	}()
	s.logger.Info("serving", map[string]interface{}{
		"addr":      ln.Addr().String(),
		"max_conns": s.cfg.MaxConns,
	})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req runRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	next, stop := iter.Pull(s.runner.Stream(r.Context(), id, req.Input))
	defer stop()

	// A busy session is refused before any event is written.
	first, ok := next()
	if !ok {
		writeError(w, http.StatusInternalServerError, "run produced no events")
		return
	}
	if first.Type == events.TypeError && errors.Is(first.Err, checkpoint.ErrSessionBusy) {
		writeError(w, http.StatusConflict, first.Error)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	for ev, ok := first, true; ok; ev, ok = next() {
		if err := enc.Encode(ev); err != nil {
			s.logger.Warn("client went away", map[string]interface{}{
				"session": id,
				"error":   err.Error(),
			})
			return
		}
		rc.Flush()
	}
	s.logger.Debug("run streamed", map[string]interface{}{"session": id})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	node, err := s.runner.Pending(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var resp pendingResponse
	if node != "" {
		resp.Pending = &node
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.runner.Discard(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, checkpoint.ErrSessionBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
