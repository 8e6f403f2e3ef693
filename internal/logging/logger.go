// Package logging provides structured logging configuration using log/slog.
//
// Loggers pick up correlation fields from the context: the chi request id
// for status API requests, and the run id and phase for import work.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Setup configures the global slog logger based on level and format and
// returns it.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) *slog.Logger {
	return setup(os.Stdout, level, format)
}

func setup(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey int

const (
	runKey ctxKey = iota
	phaseKey
)

// WithRun stores the import run id in ctx.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey, runID)
}

// WithPhase stores the phase being imported (an entity kind) in ctx.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// RunID returns the run id stored by WithRun.
func RunID(ctx context.Context) string {
	s, _ := ctx.Value(runKey).(string)
	return s
}

// Phase returns the phase stored by WithPhase.
func Phase(ctx context.Context) string {
	s, _ := ctx.Value(phaseKey).(string)
	return s
}

// FromContext returns the default logger enriched with the correlation
// fields found in ctx.
//
// Usage:
//
//	func handleRequest(w http.ResponseWriter, r *http.Request) {
//	    logger := logging.FromContext(r.Context())
//	    logger.Info("serving progress", "operation_id", id)
//	}
func FromContext(ctx context.Context) *slog.Logger {
	return Enrich(ctx, slog.Default())
}

// Enrich adds request_id, run_id and phase from ctx to logger.
func Enrich(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if run := RunID(ctx); run != "" {
		logger = logger.With("run_id", run)
	}
	if phase := Phase(ctx); phase != "" {
		logger = logger.With("phase", phase)
	}
	return logger
}

// WithFields returns a logger with additional structured fields.
//
//	phaseLogger := logging.WithFields(ctx, "kind", kind, "total", n)
//	phaseLogger.Info("phase started")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
