// Package server is the HTTP and websocket API of the market service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/server/handler"
	"github.com/alanyoungcy/nostrmarket/internal/server/middleware"
	"github.com/alanyoungcy/nostrmarket/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards mutating routes. Empty disables auth.
	APIKey          string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers are the route handlers the server mounts.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	// Events is optional.
	Events *handler.EventHandler
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain. hub and
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, handlers, hub, limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler returns the routed handler with middleware applied, outermost
// first: CORS, logging, rate limit, auth on mutations.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	m := handlers.Markets
	mux.HandleFunc("GET /api/markets", m.ListMarkets)
	mux.HandleFunc("POST /api/markets", m.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", m.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/bets", m.PlaceBet)
	mux.HandleFunc("POST /api/markets/{id}/settle", m.Settle)
	mux.HandleFunc("GET /api/markets/{id}/payouts", m.Payouts)
	mux.HandleFunc("GET /api/markets/{id}/claim", m.Claim)
	mux.HandleFunc("GET /api/markets/{id}/audit", m.Audit)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.MutationsOnly(middleware.RequireAPIKey(cfg.APIKey))(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server: listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
