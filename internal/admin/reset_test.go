package admin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/idmap"
	"github.com/JonMunkholm/erpseed/internal/pipeline"
	"github.com/JonMunkholm/erpseed/internal/progress"
)

func seedState(t *testing.T) (string, idmap.Store) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{errorlog.LogFile, progress.SnapshotFile, pipeline.ReportFile, "keep.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, errorlog.FailedRecordsDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, errorlog.FailedRecordsDir, "x.json"), []byte("{}"), 0o644))

	store := idmap.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), core.KindCustomer, "C1", 7))
	return dir, store
}

func TestResetAll(t *testing.T) {
	dir, store := seedState(t)
	r := &Reset{Store: store, StateDir: dir, Logger: slog.New(slog.DiscardHandler)}

	require.NoError(t, r.ResetAll(context.Background()))

	n, err := store.Count(context.Background(), core.KindCustomer)
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, name := range []string{errorlog.LogFile, errorlog.FailedRecordsDir, progress.SnapshotFile, pipeline.ReportFile} {
		assert.NoFileExists(t, filepath.Join(dir, name))
		assert.NoDirExists(t, filepath.Join(dir, name))
	}
	assert.FileExists(t, filepath.Join(dir, "keep.txt"))

	// Idempotent on an already clean directory.
	require.NoError(t, r.ResetAll(context.Background()))
}

func TestResetMappings_KeepsFiles(t *testing.T) {
	dir, store := seedState(t)
	r := &Reset{Store: store, StateDir: dir, Logger: slog.New(slog.DiscardHandler)}

	require.NoError(t, r.ResetMappings(context.Background()))

	_, ok, err := store.Get(context.Background(), core.KindCustomer, "C1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.FileExists(t, filepath.Join(dir, errorlog.LogFile))
}

func TestReset_RequiresTargets(t *testing.T) {
	err := (&Reset{}).ResetAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id mappings")
}
