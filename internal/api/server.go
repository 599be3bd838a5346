// Package api exposes the technique catalog and rule validation over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/ruleforge/internal/api/gateway"
	"github.com/lvonguyen/ruleforge/internal/mitre"
	"github.com/lvonguyen/ruleforge/internal/observability"
	"github.com/lvonguyen/ruleforge/internal/repository"
)

// CatalogLoader reloads the technique catalog.
type CatalogLoader interface {
	Load(ctx context.Context, forceRefresh bool) (*mitre.Snapshot, error)
}

// Options configures a Server.
type Options struct {
	Version        string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Workers        int // rule validation concurrency

	Store          *mitre.Store
	Loader         CatalogLoader
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler // served at /metrics when set
	RateLimiter    *gateway.RateLimiter
	Repos          *repository.Manager
}

// Server routes API requests.
type Server struct {
	opts   Options
	logger *zap.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{opts: opts, logger: opts.Logger}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(requestMetrics(s.opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	// Health endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.RateLimiter != nil {
			r.Use(s.opts.RateLimiter.Middleware(gateway.ClientIDFromHeader))
		}

		// Catalog endpoints
		r.Get("/techniques", s.handleListTechniques)
		r.Get("/techniques/{id}", s.handleGetTechnique)
		r.Get("/tactics", s.handleListTactics)
		r.Post("/catalog/reload", s.handleReloadCatalog)
		r.Get("/stats", s.handleStats)

		// Validation endpoints
		r.Post("/rules/validate", s.handleValidateRule)

		// Rule repository endpoints
		r.Route("/repos", func(r chi.Router) {
			r.Get("/", s.handleListRepos)
			r.Get("/{name}", s.handleGetRepoStatus)
			r.Post("/{name}/sync", s.handleSyncRepo)
			r.Post("/{name}/validate", s.handleValidateRepo)
		})
	})

	return r
}
