// Package admin provides administrative operations on import state.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/idmap"
	"github.com/JonMunkholm/erpseed/internal/pipeline"
	"github.com/JonMunkholm/erpseed/internal/progress"
)

// ResetTimeout is the maximum duration for a reset.
const ResetTimeout = 30 * time.Second

// Reset clears the state a run leaves behind.
type Reset struct {
	Store    idmap.Store
	StateDir string
	Logger   *slog.Logger
}

type resetFn struct {
	name string
	fn   func(ctx context.Context) error
}

// ResetAll clears every id mapping and removes the error log, failed-record
// files, progress snapshot and run report. The next run starts from scratch
// and will create remote records again for every input record that is not
// found remotely.
// This is a destructive operation - use with caution.
func (r *Reset) ResetAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ResetTimeout)
	defer cancel()

	return r.runResets(ctx, []resetFn{
		{"id mappings", r.clearMappings},
		{"error log", r.remove(errorlog.LogFile)},
		{"failed records", r.remove(errorlog.FailedRecordsDir)},
		{"progress snapshot", r.remove(progress.SnapshotFile)},
		{"run report", r.remove(pipeline.ReportFile)},
	})
}

// ResetMappings clears only the id mappings.
func (r *Reset) ResetMappings(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ResetTimeout)
	defer cancel()

	return r.runResets(ctx, []resetFn{{"id mappings", r.clearMappings}})
}

func (r *Reset) runResets(ctx context.Context, resets []resetFn) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, reset := range resets {
		if err := reset.fn(ctx); err != nil {
			return fmt.Errorf("reset %s: %w", reset.name, err)
		}
		logger.Info("reset", "target", reset.name)
	}
	return nil
}

func (r *Reset) clearMappings(ctx context.Context) error {
	if r.Store == nil {
		return errors.New("no id mapping store")
	}
	return r.Store.Clear(ctx)
}

// remove deletes name inside the state directory. A missing file is not an
// error.
func (r *Reset) remove(name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if r.StateDir == "" {
			return errors.New("no state directory")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return os.RemoveAll(filepath.Join(r.StateDir, name))
	}
}
