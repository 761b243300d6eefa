package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/better-wallet/share-custody/internal/custody"
	"github.com/better-wallet/share-custody/internal/logger"
	"github.com/better-wallet/share-custody/internal/middleware"
	"github.com/better-wallet/share-custody/internal/verification"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// Custody is the key custody engine as seen by the handlers
type Custody interface {
	CreateShares(ctx context.Context, userID, password string) (*custody.CreateResult, error)
	SignMessage(ctx context.Context, userID, clientShare, password string, message []byte) (string, error)
	RecoverShare(ctx context.Context, userID, password string) (string, error)
}

// Verifier checks signatures against claimed addresses
type Verifier interface {
	Verify(message, signature, claimed string) verification.Result
}

// Options configures the HTTP server
type Options struct {
	Port        int
	CORSOrigins []string
	// RateLimiter guards the custody endpoints; nil disables limiting
	RateLimiter *middleware.RateLimiter
	// Gatherer backs /metrics, prometheus.DefaultGatherer when nil
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	custody    Custody
	verifier   Verifier
	opts       Options
	httpServer *http.Server
	draining   atomic.Bool
}

// NewServer creates a new API server
func NewServer(custody Custody, verifier Verifier, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		custody:  custody,
		verifier: verifier,
		opts:     opts,
	}
}

// Router builds the HTTP handler.
// Chain: RequestID -> AccessLog -> CORS -> (RateLimit -> LimitBody) -> Routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.AccessLog, middleware.CORS(s.opts.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, false, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, false, "Method not allowed")
	})

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.opts.RateLimiter != nil {
			r.Use(s.opts.RateLimiter.Limit)
		}
		r.Use(middleware.LimitBody)

		r.Post("/create-shares", s.handleCreateShares)
		r.Post("/sign", s.handleSign)
		r.Post("/recovery", s.handleRecovery)
		r.Post("/verify", s.handleVerify)
	})

	return r
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.opts.Port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.opts.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. /health reports unavailable from
// the first call on.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
