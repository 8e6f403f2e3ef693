package pipeline

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/logging"
	"github.com/JonMunkholm/erpseed/internal/remote"
)

// importRecord runs one record through the state machine. Concurrent calls
// for the same record key share one import; the callers that did not run
// it report Duplicate.
func (o *Orchestrator) importRecord(ctx context.Context, ph *phase, rec core.ImportRecord) core.Outcome {
	if ph.aborted.Load() {
		ph.skipped.Add(1)
		return core.Failed(ph.abortReason(), ErrPhaseAborted)
	}

	ran := false
	v, _, _ := o.flight.Do(rec.Key(), func() (any, error) {
		ran = true
		return o.importOnce(ctx, ph, rec), nil
	})
	out := v.(core.Outcome)
	if ran || out.Status == core.OutcomeFailed {
		return out
	}
	return core.Duplicate(out.RemoteID)
}

// importOnce is the per-record state machine:
//
//	mapped locally        -> Duplicate
//	invalid payload       -> Failed(validation)
//	found remotely        -> Duplicate, mapping stored
//	dependency unresolved -> Failed(data_integrity)
//	created               -> Success, mapping stored
//	retryable failure     -> back off, look up again, create again
//
// A record found remotely after one of its own creates failed is counted as
// Success: the failed create most likely landed.
func (o *Orchestrator) importOnce(ctx context.Context, ph *phase, rec core.ImportRecord) core.Outcome {
	kind, key := rec.Kind, rec.NaturalKey

	if id, ok, err := o.cfg.Store.Get(ctx, kind, key); err != nil {
		return o.fail(ctx, ph, rec, "idmap_get", 0, err)
	} else if ok {
		return core.Duplicate(id)
	}

	if o.cfg.Validator != nil {
		if err := o.cfg.Validator.Validate(rec); err != nil {
			return o.fail(ctx, ph, rec, "validate", 0, remote.NewError("validate", remote.ErrValidation, err.Error()))
		}
	}

	var (
		payload   map[string]any
		ambiguous bool
		last      core.Outcome
	)
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := o.backoff(ph.ctx, attempt); err != nil {
				return last
			}
		}

		id, found, err := o.cfg.Client.FindByKey(ctx, kind, key)
		if err != nil {
			last = o.fail(ctx, ph, rec, "find_by_key", attempt, err)
			if o.retry(ph, last, attempt) {
				continue
			}
			return last
		}
		if found {
			o.remember(ctx, rec, id)
			if ambiguous {
				return o.succeed(ctx, rec, id, attempt)
			}
			o.resolve(ctx, rec)
			out := core.Duplicate(id)
			out.Attempts = attempt + 1
			return out
		}

		if payload == nil {
			payload, err = o.resolveDependencies(ctx, ph.def, rec)
			if err != nil {
				return o.fail(ctx, ph, rec, "resolve", attempt, err)
			}
		}

		id, err = o.cfg.Client.Create(ctx, kind, payload)
		if err != nil {
			ambiguous = true
			last = o.fail(ctx, ph, rec, "create", attempt, err)
			if o.retry(ph, last, attempt) {
				continue
			}
			return last
		}

		o.remember(ctx, rec, id)
		return o.succeed(ctx, rec, id, attempt)
	}
	return last
}

func (o *Orchestrator) succeed(ctx context.Context, rec core.ImportRecord, id int64, attempt int) core.Outcome {
	o.resolve(ctx, rec)
	out := core.Success(id)
	out.Attempts = attempt + 1
	return out
}

// resolve marks earlier errors of rec, from this run or an earlier one,
// as resolved.
func (o *Orchestrator) resolve(ctx context.Context, rec core.ImportRecord) {
	if _, err := o.errs.MarkResolved(ctx, rec.Key()); err != nil {
		logging.Enrich(ctx, o.logger).Warn("marking errors resolved failed", "record_key", rec.Key(), "error", err)
	}
}

// remember stores the mapping. The remote record exists either way, so a
// store failure is logged but does not fail the record; the next run finds
// it remotely.
func (o *Orchestrator) remember(ctx context.Context, rec core.ImportRecord, id int64) {
	if err := o.cfg.Store.Put(ctx, rec.Kind, rec.NaturalKey, id); err != nil {
		logging.Enrich(ctx, o.logger).Error("storing id mapping failed",
			"record_key", rec.Key(),
			"remote_id", id,
			"error", err,
		)
	}
}

// fail classifies err, logs it and returns the Failed outcome. Authentication
// and permission failures abort the phase.
func (o *Orchestrator) fail(ctx context.Context, ph *phase, rec core.ImportRecord, op string, attempt int, err error) core.Outcome {
	class := errorlog.Classify(err)

	errorID, logErr := o.errs.LogError(ctx, errorlog.Entry{
		Operation:  op + ":" + string(rec.Kind),
		Message:    remote.Message(err),
		Details:    err.Error(),
		RecordKey:  rec.Key(),
		Context:    rec.Payload,
		Category:   class.Category,
		Code:       class.Code,
		RetryCount: attempt,
	})
	if logErr != nil {
		logging.Enrich(ctx, o.logger).Warn("writing error record failed", "record_key", rec.Key(), "error", logErr)
	}

	if class.Category.AbortsPhase() {
		ph.abort(class.Category, err)
	}

	out := core.Failed(class.Category, err)
	out.ErrorID = errorID
	out.Attempts = attempt + 1
	return out
}

func (o *Orchestrator) retry(ph *phase, out core.Outcome, attempt int) bool {
	return !ph.aborted.Load() && errorlog.ShouldRetry(out.Category, attempt, o.cfg.MaxRetries)
}

// backoff sleeps before retry number attempt (1-based). It returns early with
// an error when ctx ends.
func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	d := retryDelay(o.cfg.RetryDelay, o.cfg.RetryMaxDelay, o.cfg.RetryFactor, o.cfg.RetryJitter, attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay is base * factor^(attempt-1), capped at maxDelay, then
// randomised by ±jitter.
func retryDelay(base, maxDelay time.Duration, factor, jitter float64, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	d *= 1 + (rand.Float64()*2-1)*jitter
	return time.Duration(d)
}

// resolveDependencies rewrites the payload for the remote: every reference
// field is replaced by the remote id of the referenced record, and the key
// field is set to the natural key.
func (o *Orchestrator) resolveDependencies(ctx context.Context, def core.EntityDefinition, rec core.ImportRecord) (map[string]any, error) {
	payload := maps.Clone(rec.Payload)
	if payload == nil {
		payload = make(map[string]any)
	}

	for _, dep := range def.Dependencies {
		raw, ok := payload[dep.RefField]
		ref := strings.TrimSpace(fmt.Sprint(raw))
		if !ok || raw == nil || ref == "" {
			return nil, remote.NewError("resolve", remote.ErrValidation,
				fmt.Sprintf("missing required reference field %q", dep.RefField))
		}

		id, found, err := o.cfg.Store.Get(ctx, dep.Kind, ref)
		if err != nil {
			return nil, fmt.Errorf("look up %s: %w", core.RecordKey(dep.Kind, ref), err)
		}
		if !found {
			return nil, remote.NewError("resolve", remote.ErrDataIntegrity,
				fmt.Sprintf("missing dependency: %s has no id mapping", core.RecordKey(dep.Kind, ref)))
		}

		delete(payload, dep.RefField)
		payload[dep.TargetField] = id
	}

	payload[def.KeyField] = rec.NaturalKey
	return payload, nil
}
