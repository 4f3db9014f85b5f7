// Package server exposes the market ledger over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/server/middleware"
	"github.com/alanyoungcy/lmsrmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	// ReadLimit is the per-IP budget for every request in RateWindow.
	ReadLimit int
	// WriteLimit is the per-caller budget for authenticated requests.
	WriteLimit int
	RateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 600
	}
	if c.WriteLimit <= 0 {
		c.WriteLimit = 60
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	return c
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Trading    *handler.TradingHandler
	Resolution *handler.ResolutionHandler
	Admin      *handler.AdminHandler
	Journal    *handler.JournalHandler
	// Oracle is set only with the in-process optimistic oracle.
	Oracle *handler.OracleHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter may be
// nil to disable rate limiting; hub may be nil to disable /ws.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter,
	auth *middleware.Authenticator, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	mux := http.NewServeMux()

	// protected requires a bearer token, then meters the caller.
	protected := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if limiter != nil {
			next = middleware.RateLimit(limiter, "write", cfg.WriteLimit, cfg.RateWindow, logger)(next)
		}
		return auth.Require(next)
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Reads.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/count", handlers.Markets.MarketCount)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/outcomes", handlers.Markets.GetOutcomes)
	mux.HandleFunc("GET /api/markets/{id}/prices", handlers.Markets.GetPrices)
	mux.HandleFunc("GET /api/markets/{id}/shares", handlers.Markets.GetShares)
	mux.HandleFunc("GET /api/markets/{id}/snapshot", handlers.Markets.GetSnapshot)
	mux.HandleFunc("GET /api/markets/{id}/positions/{user}", handlers.Markets.GetPosition)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.Markets.Quote)
	mux.HandleFunc("GET /api/markets/{id}/trades", handlers.Journal.ListTrades)
	mux.HandleFunc("GET /api/trades", handlers.Journal.ListTrades)
	mux.HandleFunc("GET /api/gate/{address}", handlers.Markets.CheckAccess)
	mux.HandleFunc("GET /api/settings", handlers.Admin.GetSettings)

	// Settlement is permissionless.
	mux.HandleFunc("GET /api/settlements/pending", handlers.Resolution.Pending)
	mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Resolution.Settle)

	// Writes.
	mux.Handle("POST /api/markets", protected(handlers.Markets.CreateMarket))
	mux.Handle("POST /api/markets/{id}/buy", protected(handlers.Trading.Buy))
	mux.Handle("POST /api/markets/{id}/sell", protected(handlers.Trading.Sell))
	mux.Handle("POST /api/markets/{id}/assert", protected(handlers.Resolution.Assert))
	mux.Handle("POST /api/markets/{id}/redeem", protected(handlers.Resolution.Redeem))
	mux.Handle("POST /api/markets/{id}/surplus", protected(handlers.Resolution.ReclaimSurplus))

	// Operator.
	mux.Handle("PUT /api/markets/{id}/fee", protected(handlers.Admin.SetMarketFee))
	mux.Handle("POST /api/markets/{id}/fees/withdraw", protected(handlers.Admin.WithdrawFees))
	mux.Handle("POST /api/markets/{id}/rescale", protected(handlers.Admin.Rescale))
	mux.Handle("PUT /api/settings/protocol-fee", protected(handlers.Admin.SetProtocolFee))
	mux.Handle("PUT /api/settings/public-creation", protected(handlers.Admin.SetPublicCreation))
	mux.Handle("PUT /api/settings/gate-rules", protected(handlers.Admin.SetGateRules))
	mux.Handle("GET /api/audit", protected(handlers.Journal.ListAudit))
	if handlers.Oracle != nil {
		mux.Handle("POST /api/oracle/assertions/{id}/dispute", protected(handlers.Oracle.Dispute))
		mux.Handle("POST /api/oracle/assertions/{id}/resolve", protected(handlers.Oracle.ResolveDispute))
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Build the middleware chain, outermost last.
	var h http.Handler = mux
	if limiter != nil {
		h = middleware.RateLimit(limiter, "read", cfg.ReadLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
