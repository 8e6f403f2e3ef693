// Package web serves the read-only status API of a running import: progress
// of each phase, the error log and its report, and the worker pool.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/erpseed/internal/batch"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/logging"
	"github.com/JonMunkholm/erpseed/internal/progress"
	"github.com/JonMunkholm/erpseed/internal/web/middleware"
)

// ProgressSource is the part of the progress tracker the API reads.
type ProgressSource interface {
	Summary() progress.Summary
	Active() []progress.Operation
	Completed() []progress.Operation
	Get(id string) (progress.Operation, bool)
}

// ErrorSource is the part of the error handler the API reads.
type ErrorSource interface {
	Records() []errorlog.ErrorRecord
	Get(id string) (errorlog.ErrorRecord, bool)
	Report() errorlog.Report
	RecoveryStrategy(rec errorlog.ErrorRecord) errorlog.Strategy
}

// WorkerSource reports the state of the worker pool.
type WorkerSource interface {
	Status() batch.LimiterStatus
}

// Config wires a Server. Progress and Errors are required.
type Config struct {
	Progress ProgressSource
	Errors   ErrorSource
	Workers  WorkerSource // nil reports an empty pool

	APIKeys        []string
	TrustedProxies []string
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a Server with its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Progress == nil || cfg.Errors == nil {
		return nil, errors.New("status server needs a progress and an error source")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(s.cfg.RequestTimeout))
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.APIKeys))

		r.Get("/progress", s.handleProgress)
		// Operation ids are "<run id>/<kind>", so the id is the rest of the path.
		r.Get("/progress/*", s.handleOperation)

		r.Get("/errors", s.handleErrors)
		r.Get("/errors/report", s.handleErrorReport)
		r.Get("/errors/{id}/strategy", s.handleStrategy)

		r.Get("/workers", s.handleWorkers)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it to w.
// Encoding errors are logged since headers are already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("json encode error", "error", err)
	}
}
