package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prediction-arb/internal/config"
	"prediction-arb/internal/metrics"
	"prediction-arb/internal/risk"
	"prediction-arb/internal/store"
	"prediction-arb/internal/venue"
)

const shutdownTimeout = 10 * time.Second

// Server is the dashboard HTTP/websocket surface: read-model endpoints,
// Prometheus metrics, and the event stream.
type Server struct {
	cfg    config.DashboardConfig
	hub    *Hub
	server *http.Server
	logger *slog.Logger
}

// NewServer wires routes against the store, health tracker, and risk
// manager. gatherer feeds /metrics; nil falls back to the Prometheus
// default.
func NewServer(
	cfg config.DashboardConfig,
	st store.Store,
	health *venue.HealthTracker,
	rk *risk.Manager,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	hub := NewHub(m, logger)
	handlers := NewHandlers(st, health, rk, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/edges", handlers.HandleEdges)
	mux.HandleFunc("/api/fills", handlers.HandleFills)
	mux.HandleFunc("/api/exposure", handlers.HandleExposure)
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", handlers.HandleWS)
	mux.HandleFunc("/", handlers.HandleIndex)

	return &Server{
		cfg: cfg,
		hub: hub,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "dashboard"),
	}
}

// Hub returns the websocket hub so the engine can broadcast events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the route table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is cancelled, then drains connections within the
// shutdown budget.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("dashboard shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	return nil
}
