// Package progress tracks import operations and keeps a resumable snapshot of
// their state on disk.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/erpseed/internal/core"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrOperationExists  = errors.New("operation already active")
	ErrRegression       = errors.New("processed count cannot decrease")
	ErrUnbalanced       = errors.New("processed must equal successful + failed + duplicate")
)

// SnapshotFile is the conventional snapshot name inside a state directory.
const SnapshotFile = "progress.json"

// Operation status values.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// Operation is the progress of one phase execution.
type Operation struct {
	ID         string     `json:"operation_id"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Duplicate  int        `json:"duplicate"`
	Phase      string     `json:"phase"`
	Throughput float64    `json:"throughput"` // records per second
	ETA        *time.Time `json:"eta,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// Counts returns the counters as a BatchResult.
func (o Operation) Counts() core.BatchResult {
	return core.BatchResult{
		Processed:  o.Processed,
		Successful: o.Successful,
		Failed:     o.Failed,
		Duplicate:  o.Duplicate,
	}
}

// Percent returns completion in percent, 0 when the total is unknown.
func (o Operation) Percent() float64 {
	if o.Total <= 0 {
		return 0
	}
	return float64(o.Processed) / float64(o.Total) * 100
}

// Analytics are rolling statistics over completed operations.
type Analytics struct {
	AverageThroughput     float64 `json:"average_throughput"`
	PeakThroughput        float64 `json:"peak_throughput"`
	TotalRecordsProcessed int     `json:"total_records_processed"`
	OperationsCompleted   int     `json:"operations_completed"`
}

// Snapshot is the persisted tracker state.
type Snapshot struct {
	SavedAt   time.Time            `json:"saved_at"`
	Active    map[string]Operation `json:"active"`
	Completed []Operation          `json:"completed"`
	Analytics Analytics            `json:"analytics"`
}

// Summary aggregates all active operations.
type Summary struct {
	ActiveOperations int       `json:"active_operations"`
	Total            int       `json:"total"`
	Processed        int       `json:"processed"`
	Successful       int       `json:"successful"`
	Failed           int       `json:"failed"`
	Duplicate        int       `json:"duplicate"`
	Percent          float64   `json:"percent"`
	Throughput       float64   `json:"throughput"`
	Analytics        Analytics `json:"analytics"`
}

// Config configures a Tracker.
type Config struct {
	// Path of the snapshot file. Empty disables persistence.
	Path   string
	Now    func() time.Time
	Logger *slog.Logger
}

// Tracker records operation progress. All mutation is serialized under one
// mutex and the snapshot is written after every change.
type Tracker struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	active    map[string]*Operation
	completed []Operation
	analytics Analytics
}

// New creates a tracker. An existing snapshot at cfg.Path is loaded; any
// operation it lists as active belonged to a process that did not finish and
// is moved to completed with status "interrupted".
func New(cfg Config) (*Tracker, error) {
	t := &Tracker{
		path:   cfg.Path,
		now:    cfg.Now,
		logger: cfg.Logger,
		active: make(map[string]*Operation),
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	if t.path == "" {
		return t, nil
	}

	snap, err := LoadSnapshot(t.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return t, nil
	case err != nil:
		return nil, err
	}

	t.completed = snap.Completed
	t.analytics = snap.Analytics

	ids := make([]string, 0, len(snap.Active))
	for id := range snap.Active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		op := snap.Active[id]
		end := t.now().UTC()
		op.EndTime = &end
		op.ETA = nil
		op.Status = StatusInterrupted
		t.completed = append(t.completed, op)
		t.logger.Warn("previous operation did not complete",
			"operation_id", op.ID,
			"processed", op.Processed,
			"total", op.Total,
		)
	}

	if len(snap.Active) > 0 {
		if err := t.saveLocked(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// StartOperation begins tracking an operation.
func (t *Tracker) StartOperation(id, opType string, total int) (Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[id]; ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationExists, id)
	}
	if total < 0 {
		total = 0
	}

	op := &Operation{
		ID:        id,
		Type:      opType,
		Status:    StatusRunning,
		Total:     total,
		StartTime: t.now().UTC(),
	}
	t.active[id] = op

	return *op, t.saveLocked()
}

// UpdateProgress sets absolute counters for an operation. Counters must
// balance and processed may never decrease.
func (t *Tracker) UpdateProgress(id string, counts core.BatchResult, phase string) (Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	if err := checkCounts(op, counts); err != nil {
		return *op, err
	}

	t.applyLocked(op, counts, phase)
	return *op, t.saveLocked()
}

// Advance adds delta to an operation's counters. Concurrent batches may call
// it in any order; the result does not depend on the order.
func (t *Tracker) Advance(id string, delta core.BatchResult, phase string) (Operation, error) {
	if !delta.Balanced() || delta.Processed < 0 || delta.Successful < 0 || delta.Failed < 0 || delta.Duplicate < 0 {
		return Operation{}, fmt.Errorf("%w: %+v", ErrUnbalanced, delta)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}

	t.applyLocked(op, op.Counts().Add(delta), phase)
	return *op, t.saveLocked()
}

// CompleteOperation ends an operation. final, when non-nil, replaces the
// counters under the same rules as UpdateProgress. An operation completes
// exactly once.
func (t *Tracker) CompleteOperation(id string, final *core.BatchResult) (Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	if final != nil {
		if err := checkCounts(op, *final); err != nil {
			return *op, err
		}
		t.applyLocked(op, *final, op.Phase)
	}

	end := t.now().UTC()
	op.EndTime = &end
	op.ETA = nil
	op.Status = StatusCompleted
	op.Throughput = throughput(op.Processed, op.StartTime, end)

	delete(t.active, id)
	t.completed = append(t.completed, *op)

	a := &t.analytics
	a.OperationsCompleted++
	a.TotalRecordsProcessed += op.Processed
	a.AverageThroughput += (op.Throughput - a.AverageThroughput) / float64(a.OperationsCompleted)
	if op.Throughput > a.PeakThroughput {
		a.PeakThroughput = op.Throughput
	}

	t.logger.Info("operation completed",
		"operation_id", op.ID,
		"type", op.Type,
		"processed", op.Processed,
		"successful", op.Successful,
		"failed", op.Failed,
		"duplicate", op.Duplicate,
		"throughput", op.Throughput,
		"duration_ms", end.Sub(op.StartTime).Milliseconds(),
	)

	return *op, t.saveLocked()
}

// Get returns an active or completed operation.
func (t *Tracker) Get(id string) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if op, ok := t.active[id]; ok {
		return *op, true
	}
	for i := len(t.completed) - 1; i >= 0; i-- {
		if t.completed[i].ID == id {
			return t.completed[i], true
		}
	}
	return Operation{}, false
}

// Active returns the active operations sorted by start time.
func (t *Tracker) Active() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Operation, 0, len(t.active))
	for _, op := range t.active {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Completed returns completed operations in completion order.
func (t *Tracker) Completed() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Operation, len(t.completed))
	copy(out, t.completed)
	return out
}

// Summary aggregates every active operation into one overall percentage.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		ActiveOperations: len(t.active),
		Analytics:        t.analytics,
	}
	for _, op := range t.active {
		s.Total += op.Total
		s.Processed += op.Processed
		s.Successful += op.Successful
		s.Failed += op.Failed
		s.Duplicate += op.Duplicate
		s.Throughput += op.Throughput
	}
	if s.Total > 0 {
		s.Percent = float64(s.Processed) / float64(s.Total) * 100
	}
	return s
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		SavedAt:   t.now().UTC(),
		Active:    make(map[string]Operation, len(t.active)),
		Completed: make([]Operation, len(t.completed)),
		Analytics: t.analytics,
	}
	for id, op := range t.active {
		snap.Active[id] = *op
	}
	copy(snap.Completed, t.completed)
	return snap
}

func (t *Tracker) applyLocked(op *Operation, counts core.BatchResult, phase string) {
	op.Processed = counts.Processed
	op.Successful = counts.Successful
	op.Failed = counts.Failed
	op.Duplicate = counts.Duplicate
	if phase != "" {
		op.Phase = phase
	}
	if op.Processed > op.Total {
		op.Total = op.Processed
	}

	now := t.now().UTC()
	op.Throughput = throughput(op.Processed, op.StartTime, now)
	op.ETA = nil
	if op.Throughput > 0 {
		remaining := float64(op.Total-op.Processed) / op.Throughput
		eta := now.Add(time.Duration(remaining * float64(time.Second)))
		op.ETA = &eta
	}
	if op.Throughput > t.analytics.PeakThroughput {
		t.analytics.PeakThroughput = op.Throughput
	}
}

func (t *Tracker) saveLocked() error {
	if t.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.snapshotLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress snapshot: %w", err)
	}
	return writeFileAtomic(t.path, data)
}

func checkCounts(op *Operation, counts core.BatchResult) error {
	if !counts.Balanced() {
		return fmt.Errorf("%w: %+v", ErrUnbalanced, counts)
	}
	if counts.Processed < op.Processed {
		return fmt.Errorf("%w: %d < %d", ErrRegression, counts.Processed, op.Processed)
	}
	return nil
}

func throughput(processed int, start, now time.Time) float64 {
	elapsed := now.Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed
}

// LoadSnapshot reads a snapshot written by a Tracker.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode progress snapshot %s: %w", path, err)
	}
	if snap.Active == nil {
		snap.Active = make(map[string]Operation)
	}
	return snap, nil
}

// writeFileAtomic replaces path with data so readers never observe a
// partially written snapshot.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
