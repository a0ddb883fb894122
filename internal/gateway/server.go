// Package gateway contains the HTTP surface of the agent.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"podagent/internal/auth"
	"podagent/internal/gateway/handlers"
	"podagent/internal/gateway/middleware"
)

// Options configures the HTTP server around the handlers.
type Options struct {
	// AuthToken protects /api/a2a when set.
	AuthToken string
	// RateLimit is requests per second per caller; 0 disables limiting.
	RateLimit float64
	RateBurst int
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// WriteTimeout must exceed the sync wait of task requests (default: 30s).
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server is the HTTP server for the agent gateway.
type Server struct {
	httpServer *http.Server
}

// New creates a new gateway server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(h, opts),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
		},
	}
}

// NewHandler builds the routed handler with its middleware.
func NewHandler(h *handlers.Handlers, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limiter := middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst)

	mux := http.NewServeMux()

	mux.Handle("POST "+handlers.A2APath, middleware.Chain(http.HandlerFunc(h.A2A),
		middleware.RequireBearer(auth.NewVerifier(opts.AuthToken)),
		limiter.Middleware(),
	))

	// Probes stay unauthenticated.
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /health", h.Healthz)
	mux.HandleFunc("GET /ready", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return middleware.Chain(mux, middleware.RequestID, middleware.Recovery(opts.Logger))
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
