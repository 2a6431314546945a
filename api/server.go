// Package api exposes the ingestion and query services over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"metricsink/ingest"
	"metricsink/logger"
	"metricsink/query"
	"metricsink/storage"
)

// Options configures a Server.
type Options struct {
	APIKey        string
	MetricsBounds query.Bounds
	RecentBounds  query.Bounds
	CORSOrigins   []string
	Version       string
}

// Server wires the HTTP routes to the services.
type Server struct {
	store  storage.Store
	ingest *ingest.Service
	query  *query.Service
	log    *zap.Logger
	opts   Options

	// health coalesces concurrent probes from polling dashboards into one
	// database round trip.
	health singleflight.Group
}

// New creates a Server. Zero-valued bounds fall back to the query package defaults.
func New(store storage.Store, ing *ingest.Service, q *query.Service, log *zap.Logger, opts Options) *Server {
	if opts.MetricsBounds.DefaultLimit <= 0 {
		opts.MetricsBounds = query.MetricsBounds
	}
	if opts.RecentBounds.DefaultLimit <= 0 {
		opts.RecentBounds = query.RecentBounds
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{store: store, ingest: ing, query: q, log: log, opts: opts}
}

// Router builds the chi router with every route and middleware installed.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(s.log))
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	// Dashboards poll the read endpoints from the browser.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", APIKeyHeader},
		MaxAge:         300,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(s.opts.APIKey))
		r.Post("/api/metrics", s.handlePostMetrics)
		r.Get("/api/metrics", s.handleListMetrics)
		r.Get("/api/recent", s.handleRecent)
	})
	return r
}
