// Package handler provides the HTTP API of sealstore.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HealthChecker is a dependency probed by the health endpoint.
// repository.DatabaseHealth implements it.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router handles HTTP routing for the sealstore API.
type Router struct {
	engine         Engine
	objectHandler  *ObjectHandler
	database       HealthChecker
	metricsHandler http.Handler
	metricsPath    string
	healthTimeout  time.Duration
	logger         zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	Engine Engine

	// Database is probed by /health. Optional.
	Database HealthChecker

	// MetricsHandler serves Prometheus exposition at MetricsPath. Optional.
	MetricsHandler http.Handler
	MetricsPath    string

	// MaxBodySize limits upload requests. Zero disables the limit.
	MaxBodySize int64

	// Accepting reports whether new uploads are allowed. Nil always allows them.
	Accepting func() bool

	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	metricsPath := config.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Router{
		engine:         config.Engine,
		objectHandler:  NewObjectHandler(config.Engine, config.MaxBodySize, config.Accepting, config.Logger),
		database:       config.Database,
		metricsHandler: config.MetricsHandler,
		metricsPath:    metricsPath,
		healthTimeout:  5 * time.Second,
		logger:         config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
// extra registers additional routes, such as the readiness endpoints of Server.
func (rt *Router) Handler(extra ...func(chi.Router)) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger(rt.logger))
	mux.Use(middleware.Recoverer)

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound)
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errMethodNotAllowed)
	})

	// Health check
	mux.Get("/health", rt.handleHealth)

	if rt.metricsHandler != nil {
		mux.Method(http.MethodGet, rt.metricsPath, rt.metricsHandler)
	}

	mux.Route("/v1", func(r chi.Router) {
		rt.objectHandler.RegisterRoutes(r)
		r.Get("/metrics", rt.handleMetrics)
		r.Get("/config", rt.handleConfig)
	})

	for _, routes := range extra {
		routes(mux)
	}

	return mux
}

// handleHealth probes the primary region and the catalog database.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.healthTimeout)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := rt.engine.Health(ctx); err != nil {
		checks["storage"] = err.Error()
		healthy = false
	} else {
		checks["storage"] = "ok"
	}

	if rt.database != nil {
		if err := rt.database.Health(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if !healthy {
		rt.logger.Warn().Interface("checks", checks).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "checks": checks})
}

// handleMetrics returns the running storage metrics snapshot.
func (rt *Router) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.engine.GetMetrics())
}

// handleConfig returns the storage configuration with secrets masked.
func (rt *Router) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.engine.GetConfiguration())
}
