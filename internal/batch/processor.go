// Package batch splits a record stream into batches and runs them
// sequentially or over a bounded worker pool.
//
// A batch function returns a typed core.BatchResult. A batch whose function
// returns an error, panics, or reports counts that do not add up to the batch
// size is counted as entirely failed; the run itself carries on.
//
// Cancelling the context stops new batches from being created. Batches that
// have already started run to completion with a context that is not
// cancelled, so no batch is ever abandoned half way.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// Func processes one batch.
type Func func(ctx context.Context, batch []core.ImportRecord) (core.BatchResult, error)

// Report describes one finished batch. Totals are the aggregate over all
// batches finished so far, including this one.
type Report struct {
	Index    int
	Size     int
	Result   core.BatchResult
	Err      error
	Duration time.Duration
	Totals   core.BatchResult
}

// ProgressFunc is called once per finished batch. In parallel mode it is
// called from the worker goroutines, possibly concurrently.
type ProgressFunc func(Report)

// Stop reasons.
const (
	StopBudget    = "budget"
	StopCancelled = "cancelled"
)

// Result is the outcome of a whole run.
type Result struct {
	core.BatchResult
	Batches       int
	FailedBatches int
	Truncated     bool   // not every record was attempted
	StopReason    string // set when Truncated
	Duration      time.Duration
}

// Config configures a Processor.
type Config struct {
	BatchSize  int
	MaxWorkers int
	// ChunkDelay is slept between batches in sequential mode.
	ChunkDelay time.Duration
	// Budget stops new batches once the run has taken this long. Zero means
	// no budget.
	Budget time.Duration
	// Sizer overrides BatchSize, e.g. with a MemoryAwareSizer.
	Sizer Sizer
	// OnBatchError is called once for every batch counted as entirely failed.
	OnBatchError func(ctx context.Context, index int, batch []core.ImportRecord, err error)

	Logger *slog.Logger
	Meter  metric.Meter
	Now    func() time.Time
}

// Processor runs batches.
type Processor struct {
	cfg     Config
	sizer   Sizer
	limiter *WorkerLimiter
	metrics *instruments
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.BatchSize <= 0 && cfg.Sizer == nil {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	ins, err := newInstruments(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("create batch metrics: %w", err)
	}

	p := &Processor{
		cfg:     cfg,
		sizer:   cfg.Sizer,
		limiter: NewWorkerLimiter(cfg.MaxWorkers),
		metrics: ins,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if p.sizer == nil {
		p.sizer = FixedSizer(cfg.BatchSize)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Limiter exposes the worker pool for status reporting.
func (p *Processor) Limiter() *WorkerLimiter {
	return p.limiter
}

// ProcessInBatches runs batches one after another with ChunkDelay between
// them. The returned error is non-nil only when ctx ended the run early.
func (p *Processor) ProcessInBatches(ctx context.Context, records iter.Seq[core.ImportRecord], fn Func, onProgress ProgressFunc) (Result, error) {
	start := p.now()
	runCtx := context.WithoutCancel(ctx)

	var res Result
	idx := 0
	for batch := range p.chunks(records) {
		if reason := p.stopReason(ctx, start); reason != "" {
			res.Truncated, res.StopReason = true, reason
			break
		}
		if idx > 0 && p.cfg.ChunkDelay > 0 {
			if err := sleep(ctx, p.cfg.ChunkDelay); err != nil {
				res.Truncated, res.StopReason = true, StopCancelled
				break
			}
		}

		run := p.runBatch(runCtx, "sequential", idx, batch, fn)
		res.BatchResult = res.BatchResult.Add(run.result)
		res.Batches++
		if run.err != nil {
			res.FailedBatches++
		}
		if onProgress != nil {
			onProgress(run.report(idx, len(batch), res.BatchResult))
		}
		idx++
	}

	res.Duration = p.now().Sub(start)
	return res, p.finish(ctx, res)
}

// ProcessParallel submits batches to the worker pool. Completion order is
// unspecified; totals are summed under one mutex and do not depend on it.
func (p *Processor) ProcessParallel(ctx context.Context, records iter.Seq[core.ImportRecord], fn Func, onProgress ProgressFunc) (Result, error) {
	start := p.now()
	runCtx := context.WithoutCancel(ctx)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res Result
	)

	idx := 0
	for batch := range p.chunks(records) {
		if reason := p.stopReason(ctx, start); reason != "" {
			mu.Lock()
			res.Truncated, res.StopReason = true, reason
			mu.Unlock()
			break
		}
		if err := p.limiter.Acquire(ctx); err != nil || ctx.Err() != nil {
			if err == nil {
				p.limiter.Release()
			}
			mu.Lock()
			res.Truncated, res.StopReason = true, StopCancelled
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(idx int, batch []core.ImportRecord) {
			defer wg.Done()
			defer p.limiter.Release()

			run := p.runBatch(runCtx, "parallel", idx, batch, fn)

			mu.Lock()
			res.BatchResult = res.BatchResult.Add(run.result)
			res.Batches++
			if run.err != nil {
				res.FailedBatches++
			}
			report := run.report(idx, len(batch), res.BatchResult)
			mu.Unlock()

			if onProgress != nil {
				onProgress(report)
			}
		}(idx, batch)
		idx++
	}

	wg.Wait()

	res.Duration = p.now().Sub(start)
	return res, p.finish(ctx, res)
}

type batchRun struct {
	result   core.BatchResult
	err      error
	duration time.Duration
}

func (r batchRun) report(idx, size int, totals core.BatchResult) Report {
	return Report{Index: idx, Size: size, Result: r.result, Err: r.err, Duration: r.duration, Totals: totals}
}

// runBatch calls fn and turns any failure into an all-failed result.
func (p *Processor) runBatch(ctx context.Context, mode string, idx int, batch []core.ImportRecord, fn Func) (run batchRun) {
	start := time.Now()
	p.metrics.active.Add(ctx, 1)

	defer func() {
		if r := recover(); r != nil {
			run.err = fmt.Errorf("batch %d panicked: %v", idx, r)
		}
		if run.err == nil && (!run.result.Balanced() || run.result.Processed != len(batch)) {
			run.err = fmt.Errorf("batch %d: inconsistent result %+v for %d records", idx, run.result, len(batch))
		}
		if run.err != nil {
			run.result = core.AllFailed(len(batch))
			p.logger.Error("batch failed",
				"batch_index", idx,
				"batch_size", len(batch),
				"error", run.err,
			)
			if p.cfg.OnBatchError != nil {
				p.cfg.OnBatchError(ctx, idx, batch, run.err)
			}
		}

		run.duration = time.Since(start)
		p.metrics.active.Add(ctx, -1)
		p.metrics.recordBatch(ctx, mode, run.result, run.err != nil, run.duration)
		p.logger.Debug("batch done",
			"batch_index", idx,
			"batch_size", len(batch),
			"successful", run.result.Successful,
			"failed", run.result.Failed,
			"duplicate", run.result.Duplicate,
			"duration_ms", run.duration.Milliseconds(),
		)
	}()

	run.result, run.err = fn(ctx, batch)
	return run
}

// chunks yields consecutive, non-overlapping batches, asking the sizer for
// the size of each one before it is filled.
func (p *Processor) chunks(records iter.Seq[core.ImportRecord]) iter.Seq[[]core.ImportRecord] {
	return func(yield func([]core.ImportRecord) bool) {
		next, stop := iter.Pull(records)
		defer stop()

		for {
			size := max(p.sizer.Next(), 1)
			batch := make([]core.ImportRecord, 0, size)
			for len(batch) < size {
				rec, ok := next()
				if !ok {
					break
				}
				batch = append(batch, rec)
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch) {
				return
			}
			if len(batch) < size {
				return
			}
		}
	}
}

func (p *Processor) stopReason(ctx context.Context, start time.Time) string {
	if ctx.Err() != nil {
		return StopCancelled
	}
	if p.cfg.Budget > 0 && p.now().Sub(start) >= p.cfg.Budget {
		return StopBudget
	}
	return ""
}

func (p *Processor) finish(ctx context.Context, res Result) error {
	if res.Truncated {
		p.logger.Warn("batch run stopped early",
			"reason", res.StopReason,
			"batches", res.Batches,
			"processed", res.Processed,
		)
	}
	if res.StopReason == StopCancelled {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return errors.New("batch run cancelled")
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
