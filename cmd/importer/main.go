// Command importer seeds a remote ERP with customers, orders and order lines
// read from JSON-lines files.
//
// It runs one phase per entity kind in dependency order, keeps the natural
// key to remote id mapping in a durable store so reruns skip what already
// exists, and writes the error log, a progress snapshot and run_report.json
// into the state directory. Configuration comes from the environment (and an
// optional .env or YAML file); see internal/config.
//
// Usage:
//
//	importer [input]                 import input (or IMPORT_INPUT)
//	importer reset [-mappings-only]  clear id mappings and state files
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/erpseed/internal/admin"
	"github.com/JonMunkholm/erpseed/internal/batch"
	"github.com/JonMunkholm/erpseed/internal/config"
	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/idmap"
	"github.com/JonMunkholm/erpseed/internal/logging"
	"github.com/JonMunkholm/erpseed/internal/pipeline"
	"github.com/JonMunkholm/erpseed/internal/progress"
	"github.com/JonMunkholm/erpseed/internal/remote"
	"github.com/JonMunkholm/erpseed/internal/source"
	"github.com/JonMunkholm/erpseed/internal/validate"
	"github.com/JonMunkholm/erpseed/internal/web"
)

// Exit codes.
const (
	exitOK      = 0
	exitSetup   = 1
	exitAborted = 2
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(exitSetup)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// A second signal kills the process.
		stop()
		logger.Warn("shutdown requested; finishing in-flight batches, interrupt again to force exit")
	}()

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "reset" {
		os.Exit(reset(ctx, cfg, logger, args[1:]))
	}
	if len(args) > 0 {
		cfg.Import.Input = args[0]
	}
	if err := cfg.ValidateImport(); err != nil {
		logger.Error("invalid import configuration", "error", err)
		os.Exit(exitSetup)
	}
	os.Exit(run(ctx, cfg, logger))
}

func reset(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	mappingsOnly := fs.Bool("mappings-only", false, "clear only the id mappings, keep logs and reports")
	if err := fs.Parse(args); err != nil {
		return exitSetup
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open id mapping store", "backend", cfg.Store.Backend, "error", err)
		return exitSetup
	}
	defer store.Close()

	r := &admin.Reset{Store: store, StateDir: cfg.Import.StateDir, Logger: logger}
	if *mappingsOnly {
		err = r.ResetMappings(ctx)
	} else {
		err = r.ResetAll(ctx)
	}
	if err != nil {
		logger.Error("reset failed", "error", err)
		return exitSetup
	}
	return exitOK
}

func openStore(ctx context.Context, cfg *config.Config) (idmap.Store, error) {
	return idmap.Open(ctx, idmap.Config{
		Backend:          cfg.Store.Backend,
		SQLitePath:       cfg.SQLitePath(),
		PostgresURL:      cfg.Store.PostgresURL,
		PostgresMaxConns: cfg.Store.PostgresMaxConns,
		ValkeyAddr:       cfg.Store.ValkeyAddr,
		ValkeyPassword:   cfg.Store.ValkeyPassword,
		ValkeyKeyPrefix:  cfg.Store.ValkeyKeyPrefix,
	})
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	if err := os.MkdirAll(cfg.Import.StateDir, 0o755); err != nil {
		logger.Error("failed to create state directory", "dir", cfg.Import.StateDir, "error", err)
		return exitSetup
	}

	reg := core.DefaultRegistry()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open id mapping store", "backend", cfg.Store.Backend, "error", err)
		return exitSetup
	}
	defer store.Close()
	logger.Info("id mapping store opened", "backend", cfg.Store.Backend)

	errs, err := errorlog.New(errorlog.Config{
		Dir:        cfg.Import.StateDir,
		MaxRetries: cfg.Import.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to open error log", "error", err)
		return exitSetup
	}
	defer errs.Close()

	tracker, err := progress.New(progress.Config{
		Path:   cfg.StatePath(progress.SnapshotFile),
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to open progress snapshot", "error", err)
		return exitSetup
	}

	transport, err := newTransport(cfg, reg)
	if err != nil {
		logger.Error("failed to configure remote", "error", err)
		return exitSetup
	}
	mgr := remote.NewConnectionManager(transport, remote.ManagerConfig{
		MaxRetries:        cfg.Remote.MaxRetries,
		MaxReauthAttempts: cfg.Remote.MaxReauth,
	}, logger)
	client := remote.NewClient(mgr, reg)

	var validator *validate.Validator
	if cfg.Import.Validate {
		if validator, err = validate.New(); err != nil {
			logger.Error("failed to compile payload schemas", "error", err)
			return exitSetup
		}
	}

	orch, err := pipeline.New(pipeline.Config{
		Registry:  reg,
		Client:    client,
		Store:     store,
		Errors:    errs,
		Tracker:   tracker,
		Validator: validator,
		Batch: batch.Config{
			BatchSize:  cfg.Import.BatchSize,
			MaxWorkers: cfg.Import.MaxWorkers,
			ChunkDelay: cfg.Import.ChunkDelay,
			Budget:     cfg.Import.Budget,
			Sizer:      newSizer(cfg, logger),
			Logger:     logger,
		},
		Parallel:      cfg.Import.Parallel,
		MaxRetries:    cfg.Import.MaxRetries,
		RetryDelay:    cfg.Import.RetryDelay,
		ResetMappings: cfg.Import.ResetMappings,
		ReportPath:    cfg.StatePath(pipeline.ReportFile),
		RemoteStats:   mgr.Stats,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		return exitSetup
	}

	set, err := source.LoadFile(ctx, cfg.Import.Input, logger)
	if err != nil {
		logger.Error("failed to read input", "path", cfg.Import.Input, "error", err)
		return exitSetup
	}
	logRejected(ctx, errs, set.Rejected)
	for _, kind := range set.Kinds() {
		logger.Info("input loaded", "kind", kind, "records", set.Count(kind))
	}

	if cfg.Status.Addr != "" {
		srv, err := web.NewServer(web.Config{
			Progress:       tracker,
			Errors:         errs,
			Workers:        orch.Limiter(),
			APIKeys:        cfg.Status.APIKeys,
			TrustedProxies: cfg.Status.TrustedProxies,
			Logger:         logger,
		})
		if err != nil {
			logger.Error("failed to build status server", "error", err)
			return exitSetup
		}
		go func() {
			if err := srv.Start(cfg.Status.Addr); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Status.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", "error", err)
			}
		}()
	}

	rep, err := orch.Run(ctx, set)
	logger.Info("run report written",
		"path", cfg.StatePath(pipeline.ReportFile),
		"processed", rep.Totals.Processed,
		"not_attempted", rep.NotAttempted,
		"unresolved_errors", rep.UnresolvedErrors,
	)
	switch {
	case errors.Is(err, pipeline.ErrPhaseAborted):
		logger.Error("import aborted", "error", err)
		return exitAborted
	case errors.Is(err, context.Canceled):
		logger.Warn("import interrupted; rerun to continue", "error", err)
		return exitAborted
	case err != nil:
		logger.Error("import failed", "error", err)
		return exitSetup
	}
	return exitOK
}

// newTransport returns the JSON-RPC transport, or an in-process fake remote
// in dry-run mode.
func newTransport(cfg *config.Config, reg *core.Registry) (remote.Transport, error) {
	if cfg.Import.DryRun {
		return remote.NewFakeTransportFor(reg), nil
	}
	return remote.NewJSONRPCTransport(remote.JSONRPCConfig{
		URL:       cfg.Remote.URL,
		Database:  cfg.Remote.Database,
		Username:  cfg.Remote.Username,
		Password:  cfg.Remote.Password,
		Timeout:   cfg.Remote.Timeout,
		RateLimit: cfg.Remote.RateLimit,
		RateBurst: cfg.Remote.RateBurst,
	})
}

// newSizer returns the memory-aware sizer when adaptive sizing is on, nil
// (fixed batch size) otherwise.
func newSizer(cfg *config.Config, logger *slog.Logger) batch.Sizer {
	if !cfg.Import.Adaptive {
		return nil
	}
	return batch.NewMemoryAware(batch.MemoryAwareConfig{
		Initial:   cfg.Import.BatchSize,
		Min:       cfg.Import.MinBatchSize,
		Max:       cfg.Import.MaxBatchSize,
		Threshold: cfg.Import.MemoryThreshold,
	}, batch.NewRuntimeSampler(), logger)
}

// logRejected records unreadable input lines as validation errors.
func logRejected(ctx context.Context, errs *errorlog.Handler, rejected []source.LineError) {
	for _, le := range rejected {
		_, err := errs.LogError(ctx, errorlog.Entry{
			Operation: "read:" + le.File,
			Message:   le.Err,
			Details:   fmt.Sprintf("%s:%d: %s", le.File, le.Line, le.Err),
			Category:  core.CategoryValidation,
			Context:   map[string]any{"file": le.File, "line": le.Line},
		})
		if err != nil {
			logging.FromContext(ctx).Warn("writing error record failed", "error", err)
		}
	}
}
