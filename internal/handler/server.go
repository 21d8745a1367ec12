package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string

	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	IdleTimeout              time.Duration
	GracefulShutdownDuration time.Duration
}

// Server serves the sealstore API and tracks readiness.
// A drained server keeps serving reads but rejects new uploads and
// reports not ready so load balancers move traffic away.
type Server struct {
	cfg     ServerConfig
	isReady atomic.Bool
	logger  zerolog.Logger

	srv *http.Server
}

// NewServer creates a Server for the routes described by rc.
func NewServer(cfg ServerConfig, rc RouterConfig) *Server {
	srv := &Server{
		cfg:    cfg,
		logger: rc.Logger.With().Str("component", "http_server").Logger(),
	}
	srv.isReady.Store(true)

	rc.Accepting = srv.isReady.Load
	router := NewRouter(rc)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router.Handler(srv.readinessRoutes),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return srv
}

// Handler returns the HTTP handler of the server.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

// IsReady reports whether the server accepts new uploads.
func (srv *Server) IsReady() bool {
	return srv.isReady.Load()
}

func (srv *Server) readinessRoutes(mux chi.Router) {
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Post("/drain", srv.handleDrain)
	mux.Post("/undrain", srv.handleUndrain)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	srv.logger.Info().Msg("Server marked as not ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	srv.logger.Info().Msg("Server marked as ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RunInBackground starts listening. Listen failures other than a clean
// shutdown are sent on the returned channel.
func (srv *Server) RunInBackground() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info().Str("addr", srv.cfg.ListenAddr).Msg("Starting HTTP server")
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error().Err(err).Msg("HTTP server failed")
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown marks the server not ready and waits for in-flight requests
// up to the graceful shutdown duration.
func (srv *Server) Shutdown() error {
	srv.isReady.Store(false)

	timeout := srv.cfg.GracefulShutdownDuration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.logger.Error().Err(err).Msg("Graceful HTTP server shutdown failed")
		return err
	}
	srv.logger.Info().Msg("HTTP server gracefully stopped")
	return nil
}
