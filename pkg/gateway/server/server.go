// Package server wires the router, middleware chain, and drain sequence.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/livingtwin/voice-gateway/pkg/gateway/handlers"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/sessions"
	"github.com/livingtwin/voice-gateway/pkg/gateway/mw"
)

// Server is the gateway's HTTP front. Draining flips before shutdown so
// readiness probes and new websocket upgrades are refused while live
// sessions finish.
type Server struct {
	logger       *slog.Logger
	httpServer   *http.Server
	tracker      *sessions.Tracker
	drainTimeout time.Duration
	draining     atomic.Bool
}

// New builds the server around the handler dependencies. deps.Draining is
// overwritten to observe this server's drain flag.
func New(logger *slog.Logger, addr string, drainTimeout time.Duration, deps handlers.Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:       logger,
		tracker:      deps.Tracker,
		drainTimeout: drainTimeout,
	}
	deps.Draining = s.draining.Load
	h := handlers.New(deps)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(func(next http.Handler) http.Handler { return mw.Recover(logger, next) })
	r.Use(func(next http.Handler) http.Handler { return mw.AccessLog(logger, next) })
	r.Use(mw.CORS)

	r.Get("/health", h.Health)
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/realtime/credentials", h.MintCredential)
		r.Get("/realtime", h.Realtime)
		r.Post("/session/start", h.StartSession)
		r.Post("/session/update", h.UpdateSession)
		r.Get("/session/summary/{sessionID}", h.SessionSummary)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "voice-gateway"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the composed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains live sessions, then stops the HTTP listener. Sessions that
// outlive the drain timeout are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	if n := s.tracker.NotifyAll("gateway shutting down"); n > 0 {
		s.logger.Info("notified live sessions", "count", n)
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()
	if !s.tracker.Wait(drainCtx) {
		canceled := s.tracker.CancelAll()
		s.logger.Warn("drain timeout, canceling sessions", "count", canceled)
		s.tracker.Wait(ctx)
	}

	return s.httpServer.Shutdown(ctx)
}
