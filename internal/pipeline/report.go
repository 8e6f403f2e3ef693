package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/remote"
)

// ReportFile is the default name of the run report inside the state directory.
const ReportFile = "run_report.json"

// PhaseReport summarises one phase.
type PhaseReport struct {
	Kind        core.Kind `json:"kind"`
	OperationID string    `json:"operation_id,omitempty"`
	Total       int       `json:"total"`
	core.BatchResult
	ErrorRate       float64 `json:"error_rate_percent"`
	Batches         int     `json:"batches"`
	FailedBatches   int     `json:"failed_batches"`
	DurationSeconds float64 `json:"duration_seconds"`
	Throughput      float64 `json:"throughput_per_second"`

	// Truncated is set when the batch processor stopped submitting batches
	// early (budget or cancellation).
	Truncated  bool   `json:"truncated,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	Aborted       bool          `json:"aborted,omitempty"`
	AbortCategory core.Category `json:"abort_category,omitempty"`
	// SkippedAfterAbort counts records of in-flight batches that were
	// counted as failed without a remote call once the phase aborted.
	SkippedAfterAbort int `json:"skipped_after_abort,omitempty"`

	// NotAttempted counts records never handed to a batch.
	NotAttempted int `json:"not_attempted"`
	// Skipped is set when the phase never ran because an earlier one failed.
	Skipped bool `json:"skipped,omitempty"`
}

// RunReport summarises a whole run.
type RunReport struct {
	RunID           string        `json:"run_id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	DurationSeconds float64       `json:"duration_seconds"`
	Phases          []PhaseReport `json:"phases"`

	Totals       core.BatchResult `json:"totals"`
	ErrorRate    float64          `json:"error_rate_percent"`
	Throughput   float64          `json:"throughput_per_second"`
	Aborted      bool             `json:"aborted"`
	NotAttempted int              `json:"not_attempted"`

	UnresolvedErrors int                  `json:"unresolved_errors"`
	Remote           *remote.ManagerStats `json:"remote,omitempty"`
}

// Phase returns the report of one kind.
func (r RunReport) Phase(kind core.Kind) (PhaseReport, bool) {
	for _, p := range r.Phases {
		if p.Kind == kind {
			return p, true
		}
	}
	return PhaseReport{}, false
}

func (r *RunReport) finish(at time.Time, unresolved int) {
	r.FinishedAt = at
	r.DurationSeconds = at.Sub(r.StartedAt).Seconds()
	r.UnresolvedErrors = unresolved

	r.Totals = core.BatchResult{}
	r.NotAttempted = 0
	for _, p := range r.Phases {
		r.Totals = r.Totals.Add(p.BatchResult)
		r.NotAttempted += p.NotAttempted
		if p.Aborted {
			r.Aborted = true
		}
	}
	r.ErrorRate = r.Totals.ErrorRate()
	if r.DurationSeconds > 0 {
		r.Throughput = float64(r.Totals.Processed) / r.DurationSeconds
	}
}

// WriteReport writes rep as indented JSON, replacing path atomically.
func WriteReport(path string, rep RunReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".run_report-*.json")
	if err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write run report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunReport{}, err
	}
	var rep RunReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return RunReport{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return rep, nil
}
