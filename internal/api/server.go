// Package api wires the HTTP surface: the signed webhook intake, the
// client stream endpoint, a health probe, and a snapshot endpoint that
// bootstraps UIs before they attach to the stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradedesk/internal/hub"
	"tradedesk/internal/rules"
	"tradedesk/internal/sim"
	"tradedesk/internal/tracker"
	"tradedesk/internal/webhook"
)

// Server runs the HTTP and WebSocket API.
type Server struct {
	receiver *webhook.Receiver
	hub      *hub.Hub
	engine   *sim.Engine
	rules    *rules.Engine
	tracker  *tracker.Tracker
	server   *http.Server
	logger   *slog.Logger
	ruleIDs  []string
}

// NewServer builds the server and its routes. ruleAccounts names the
// funded accounts whose rule state the snapshot reports.
func NewServer(bind string, receiver *webhook.Receiver, h *hub.Hub,
	engine *sim.Engine, re *rules.Engine, tr *tracker.Tracker,
	ruleAccounts []string, logger *slog.Logger) *Server {
	s := &Server{
		receiver: receiver,
		hub:      h,
		engine:   engine,
		rules:    re,
		tracker:  tr,
		logger:   logger.With("component", "api"),
		ruleIDs:  ruleAccounts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{source}", receiver.Handle)
	mux.HandleFunc("GET /stream", h.ServeWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)

	s.server = &http.Server{
		Addr:         bind,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.buildSnapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("snapshot encode failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
