// Package pipeline drives an import run: one phase per registered entity
// kind, strictly in phase order, each phase pushed through the batch
// processor.
//
// A phase starts only after the previous one has finished every batch and
// every retry, so the mappings it depends on are complete. Authentication and
// permission failures abort the current phase; later phases are then skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/erpseed/internal/batch"
	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/idmap"
	"github.com/JonMunkholm/erpseed/internal/logging"
	"github.com/JonMunkholm/erpseed/internal/progress"
	"github.com/JonMunkholm/erpseed/internal/remote"
	"github.com/JonMunkholm/erpseed/internal/validate"
)

// ErrPhaseAborted is the cause of a phase stopped by an authentication or
// permission failure.
var ErrPhaseAborted = errors.New("phase aborted")

// Source supplies the records of each kind.
type Source interface {
	Records(kind core.Kind) iter.Seq[core.ImportRecord]
	Count(kind core.Kind) int
}

// Config wires an Orchestrator. Registry, Client and Store are required.
type Config struct {
	Registry  *core.Registry
	Client    remote.Client
	Store     idmap.Store
	Errors    *errorlog.Handler  // nil keeps errors in memory
	Tracker   *progress.Tracker  // nil keeps progress in memory
	Validator *validate.Validator // nil disables payload validation

	Batch    batch.Config
	Parallel bool

	// MaxRetries bounds record-level retries of retryable failures.
	MaxRetries int
	// RetryDelay is the first backoff; each retry multiplies it by
	// RetryFactor up to RetryMaxDelay, with RetryJitter randomisation.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	RetryFactor   float64
	RetryJitter   float64

	// ResetMappings clears the store before the run.
	ResetMappings bool
	// ReportPath, when set, receives the run report as JSON.
	ReportPath string
	// RemoteStats, when set, is included in the run report.
	RemoteStats func() remote.ManagerStats

	RunID  string
	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator runs import phases.
type Orchestrator struct {
	cfg     Config
	proc    *batch.Processor
	errs    *errorlog.Handler
	tracker *progress.Tracker
	flight  singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// New validates cfg and builds the batch processor.
func New(cfg Config) (*Orchestrator, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, errors.New("registry is required"))
	}
	if cfg.Client == nil {
		errs = append(errs, errors.New("remote client is required"))
	}
	if cfg.Store == nil {
		errs = append(errs, errors.New("mapping store is required"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	o := &Orchestrator{
		cfg:     cfg,
		errs:    cfg.Errors,
		tracker: cfg.Tracker,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.cfg.RetryFactor < 1 {
		o.cfg.RetryFactor = 2
	}
	if o.cfg.RetryMaxDelay <= 0 {
		o.cfg.RetryMaxDelay = 30 * time.Second
	}
	if o.cfg.RetryJitter < 0 || o.cfg.RetryJitter > 1 {
		o.cfg.RetryJitter = 0.2
	}
	if o.errs == nil {
		h, err := errorlog.New(errorlog.Config{MaxRetries: cfg.MaxRetries, Logger: o.logger})
		if err != nil {
			return nil, err
		}
		o.errs = h
	}
	if o.tracker == nil {
		t, err := progress.New(progress.Config{Logger: o.logger, Now: o.now})
		if err != nil {
			return nil, err
		}
		o.tracker = t
	}

	bcfg := cfg.Batch
	bcfg.OnBatchError = o.logBatchFailure
	if bcfg.Logger == nil {
		bcfg.Logger = o.logger
	}
	proc, err := batch.New(bcfg)
	if err != nil {
		return nil, err
	}
	o.proc = proc

	return o, nil
}

// Limiter exposes the worker pool for the status API.
func (o *Orchestrator) Limiter() *batch.WorkerLimiter {
	return o.proc.Limiter()
}

// Run imports every registered kind in phase order. A phase aborted by an
// authentication or permission failure stops the run; the report is still
// returned and written.
func (o *Orchestrator) Run(ctx context.Context, src Source) (RunReport, error) {
	runID := o.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRun(ctx, runID)
	logger := logging.Enrich(ctx, o.logger)

	rep := RunReport{RunID: runID, StartedAt: o.now().UTC()}

	if o.cfg.ResetMappings {
		if err := o.cfg.Store.Clear(ctx); err != nil {
			return rep, fmt.Errorf("reset mappings: %w", err)
		}
		logger.Warn("id mappings cleared before run")
	}

	logger.Info("import run started", "phases", o.cfg.Registry.Len(), "parallel", o.cfg.Parallel)

	var runErr error
	for _, def := range o.cfg.Registry.Phases() {
		total := src.Count(def.Kind)
		if runErr != nil {
			rep.Phases = append(rep.Phases, PhaseReport{
				Kind:         def.Kind,
				Total:        total,
				NotAttempted: total,
				Skipped:      true,
			})
			continue
		}

		pr, err := o.RunPhase(ctx, def, src.Records(def.Kind), total)
		rep.Phases = append(rep.Phases, pr)
		if err != nil {
			runErr = err
		}
	}

	rep.finish(o.now().UTC(), o.errs.Unresolved())
	if o.cfg.RemoteStats != nil {
		stats := o.cfg.RemoteStats()
		rep.Remote = &stats
	}

	logger.Info("import run finished",
		"processed", rep.Totals.Processed,
		"successful", rep.Totals.Successful,
		"failed", rep.Totals.Failed,
		"duplicate", rep.Totals.Duplicate,
		"error_rate", fmt.Sprintf("%.2f", rep.ErrorRate),
		"aborted", rep.Aborted,
		"duration_ms", int64(rep.DurationSeconds*1000),
	)

	if o.cfg.ReportPath != "" {
		if err := WriteReport(o.cfg.ReportPath, rep); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return rep, runErr
}

// phase is the shared state of one running phase.
type phase struct {
	def     core.EntityDefinition
	opID    string
	ctx     context.Context // cancelled on abort or shutdown
	cancel  context.CancelCauseFunc
	abortMu sync.Mutex
	aborted atomic.Bool
	reason  core.Category
	skipped atomic.Int64
}

func (p *phase) abort(category core.Category, err error) {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()
	if p.aborted.Load() {
		return
	}
	p.reason = category
	p.aborted.Store(true)
	p.cancel(fmt.Errorf("%w: %s: %w", ErrPhaseAborted, category, err))
}

func (p *phase) abortReason() core.Category {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()
	return p.reason
}

// RunPhase imports the records of one kind. It returns a non-nil error when
// the phase was aborted or ctx ended it early.
func (o *Orchestrator) RunPhase(ctx context.Context, def core.EntityDefinition, records iter.Seq[core.ImportRecord], total int) (PhaseReport, error) {
	ctx = logging.WithPhase(ctx, string(def.Kind))
	logger := logging.Enrich(ctx, o.logger)

	phaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ph := &phase{
		def:    def,
		opID:   logging.RunID(ctx) + "/" + string(def.Kind),
		ctx:    phaseCtx,
		cancel: cancel,
	}

	if _, err := o.tracker.StartOperation(ph.opID, string(def.Kind), total); err != nil {
		return PhaseReport{Kind: def.Kind, Total: total}, fmt.Errorf("start %s phase: %w", def.Kind, err)
	}
	logger.Info("phase started", "model", def.Model, "total", total)

	onProgress := func(r batch.Report) {
		if _, err := o.tracker.Advance(ph.opID, r.Result, string(def.Kind)); err != nil {
			logger.Warn("progress update failed", "batch_index", r.Index, "error", err)
		}
	}

	run := o.proc.ProcessInBatches
	if o.cfg.Parallel {
		run = o.proc.ProcessParallel
	}
	res, runErr := run(phaseCtx, records, o.batchFunc(ph), onProgress)

	final := res.BatchResult
	if _, err := o.tracker.CompleteOperation(ph.opID, &final); err != nil {
		logger.Warn("completing progress failed", "error", err)
	}

	pr := PhaseReport{
		Kind:              def.Kind,
		OperationID:       ph.opID,
		Total:             total,
		BatchResult:       res.BatchResult,
		ErrorRate:         res.ErrorRate(),
		Batches:           res.Batches,
		FailedBatches:     res.FailedBatches,
		DurationSeconds:   res.Duration.Seconds(),
		Truncated:         res.Truncated,
		StopReason:        res.StopReason,
		NotAttempted:      max(total-res.Processed, 0),
		SkippedAfterAbort: int(ph.skipped.Load()),
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		pr.Throughput = float64(res.Processed) / secs
	}

	if ph.aborted.Load() {
		pr.Aborted = true
		pr.AbortCategory = ph.abortReason()
		logger.Error("phase aborted",
			"category", pr.AbortCategory,
			"processed", res.Processed,
			"not_attempted", pr.NotAttempted,
			"skipped_after_abort", pr.SkippedAfterAbort,
		)
		return pr, context.Cause(phaseCtx)
	}

	logger.Info("phase finished",
		"processed", res.Processed,
		"successful", res.Successful,
		"failed", res.Failed,
		"duplicate", res.Duplicate,
		"error_rate", fmt.Sprintf("%.2f", pr.ErrorRate),
		"throughput", fmt.Sprintf("%.1f", pr.Throughput),
	)
	if runErr != nil {
		return pr, fmt.Errorf("%s phase: %w", def.Kind, runErr)
	}
	return pr, nil
}

// batchFunc imports the records of a batch one by one.
func (o *Orchestrator) batchFunc(ph *phase) batch.Func {
	return func(ctx context.Context, recs []core.ImportRecord) (core.BatchResult, error) {
		var res core.BatchResult
		for _, rec := range recs {
			res.Record(o.importRecord(ctx, ph, rec))
		}
		return res, nil
	}
}

// logBatchFailure records one aggregated error for a batch whose function
// failed as a whole.
func (o *Orchestrator) logBatchFailure(ctx context.Context, index int, recs []core.ImportRecord, err error) {
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.Key()
	}
	_, logErr := o.errs.LogError(ctx, errorlog.Entry{
		Operation: "batch:" + logging.Phase(ctx),
		Message:   err.Error(),
		Category:  core.CategoryUnknown,
		Severity:  core.SeverityHigh,
		Context: map[string]any{
			"batch_index": index,
			"batch_size":  len(recs),
			"record_keys": keys,
		},
	})
	if logErr != nil {
		logging.Enrich(ctx, o.logger).Warn("writing batch error failed", "error", logErr)
	}
}
