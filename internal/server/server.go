// Package server exposes the market over a small JSON HTTP API for
// participants and operators, plus Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/metrics"
	"github.com/alanyoungcy/gridclear/internal/server/handler"
	"github.com/alanyoungcy/gridclear/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route except health and metrics. Empty disables
	// authentication.
	APIKey          string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health      *handler.HealthHandler
	Orders      *handler.OrderHandler
	Epochs      *handler.EpochHandler
	Settlements *handler.SettlementHandler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in the middleware chain. m and
// limiter may be nil.
func NewServer(cfg Config, h Handlers, m *metrics.Metrics, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, h, m, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the full handler. It is exported for tests.
func Routes(cfg Config, h Handlers, m *metrics.Metrics, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", h.Health.Ready)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	mux.HandleFunc("POST /api/orders", h.Orders.SubmitOrder)
	mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.Orders.CancelOrder)

	mux.HandleFunc("GET /api/book", h.Epochs.Book)
	mux.HandleFunc("GET /api/epochs", h.Epochs.ListEpochs)
	mux.HandleFunc("GET /api/epochs/current", h.Epochs.CurrentEpoch)
	mux.HandleFunc("GET /api/epochs/{id}", h.Epochs.GetEpoch)
	mux.HandleFunc("GET /api/epochs/{id}/matches", h.Epochs.EpochMatches)
	mux.HandleFunc("GET /api/epochs/{id}/report", h.Epochs.EpochReport)
	mux.HandleFunc("POST /api/epochs/{id}/clear", h.Epochs.TriggerClearing)

	mux.HandleFunc("GET /api/settlements", h.Settlements.ListSettlements)
	mux.HandleFunc("GET /api/settlements/{id}", h.Settlements.GetSettlement)

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, "/api/health", "/api/ready", "/metrics")(chain)
	if limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(chain)
	}
	chain = middleware.CORS(cfg.CORSOrigins)(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	return middleware.Logging(logger)(chain)
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
