package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/erpseed/internal/batch"
	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/idmap"
	"github.com/JonMunkholm/erpseed/internal/logging"
	"github.com/JonMunkholm/erpseed/internal/progress"
	"github.com/JonMunkholm/erpseed/internal/remote"
	"github.com/JonMunkholm/erpseed/internal/source"
	"github.com/JonMunkholm/erpseed/internal/validate"
)

var quiet = slog.New(slog.DiscardHandler)

type harness struct {
	reg     *core.Registry
	fake    *remote.FakeTransport
	mgr     *remote.ConnectionManager
	client  remote.Client
	store   idmap.Store
	errs    *errorlog.Handler
	tracker *progress.Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := core.DefaultRegistry()
	fake := remote.NewFakeTransportFor(reg)
	mgr := remote.NewConnectionManager(fake, remote.ManagerConfig{
		MaxRetries:          1,
		MaxReauthAttempts:   1,
		InitialInterval:     time.Millisecond,
		MaxInterval:         time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0.1,
	}, quiet)

	errs, err := errorlog.New(errorlog.Config{MaxRetries: 2, Logger: quiet})
	require.NoError(t, err)
	tracker, err := progress.New(progress.Config{Logger: quiet})
	require.NoError(t, err)

	return &harness{
		reg:     reg,
		fake:    fake,
		mgr:     mgr,
		client:  remote.NewClient(mgr, reg),
		store:   idmap.NewMemoryStore(),
		errs:    errs,
		tracker: tracker,
	}
}

func (h *harness) orchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Registry:      h.reg,
		Client:        h.client,
		Store:         h.store,
		Errors:        h.errs,
		Tracker:       h.tracker,
		Batch:         batch.Config{BatchSize: 3, MaxWorkers: 3},
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		RunID:         "run-test",
		Logger:        quiet,
		RemoteStats:   h.mgr.Stats,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func customer(key string) core.ImportRecord {
	return core.ImportRecord{Kind: core.KindCustomer, NaturalKey: key, Payload: map[string]any{"name": "Customer " + key}}
}

func order(key, customerRef string) core.ImportRecord {
	return core.ImportRecord{Kind: core.KindOrder, NaturalKey: key, Payload: map[string]any{"customer_ref": customerRef}}
}

func orderLine(key, orderRef string) core.ImportRecord {
	return core.ImportRecord{Kind: core.KindOrderLine, NaturalKey: key, Payload: map[string]any{
		"order_ref": orderRef, "name": "Widget", "product_uom_qty": 2, "price_unit": 4.5,
	}}
}

func errorsFor(h *harness, recordKey string) []errorlog.ErrorRecord {
	var out []errorlog.ErrorRecord
	for _, rec := range h.errs.Records() {
		if rec.RecordKey == recordKey {
			out = append(out, rec)
		}
	}
	return out
}

func modes() []bool { return []bool{false, true} }

func TestRun_DuplicateKeysAndRerunAreIdempotent(t *testing.T) {
	for _, parallel := range modes() {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			h := newHarness(t)
			var recs []core.ImportRecord
			for i := range 9 {
				recs = append(recs, customer(fmt.Sprintf("C%02d", i)))
			}
			recs = append(recs, customer("C03"))

			o := h.orchestrator(t, func(c *Config) { c.Parallel = parallel })
			rep, err := o.Run(context.Background(), source.NewSet(recs...))
			require.NoError(t, err)

			pr, ok := rep.Phase(core.KindCustomer)
			require.True(t, ok)
			assert.Equal(t, 10, pr.Processed)
			assert.Equal(t, 9, pr.Successful)
			assert.Equal(t, 1, pr.Duplicate)
			assert.Equal(t, 0, pr.Failed)

			n, err := h.store.Count(context.Background(), core.KindCustomer)
			require.NoError(t, err)
			assert.Equal(t, 9, n)
			assert.Equal(t, 9, h.fake.Count("res.partner"))

			creates := h.fake.Creates()
			o2 := h.orchestrator(t, func(c *Config) { c.Parallel = parallel; c.RunID = "run-again" })
			rep2, err := o2.Run(context.Background(), source.NewSet(recs...))
			require.NoError(t, err)

			pr2, _ := rep2.Phase(core.KindCustomer)
			assert.Equal(t, 10, pr2.Duplicate)
			assert.Equal(t, 0, pr2.Successful)
			assert.Equal(t, creates, h.fake.Creates(), "second run writes nothing")
		})
	}
}

func TestRun_ExistingRemoteRecordIsDuplicate(t *testing.T) {
	h := newHarness(t)
	existing := h.fake.Put("res.partner", map[string]any{"ref": "C01", "name": "Already there"})

	o := h.orchestrator(t, nil)
	rep, err := o.Run(context.Background(), source.NewSet(customer("C01"), customer("C02")))
	require.NoError(t, err)

	pr, _ := rep.Phase(core.KindCustomer)
	assert.Equal(t, 1, pr.Duplicate)
	assert.Equal(t, 1, pr.Successful)

	id, ok, err := h.store.Get(context.Background(), core.KindCustomer, "C01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, existing, id, "mapping points at the existing record")
	assert.Equal(t, 2, h.fake.Count("res.partner"))
}

func TestRun_ResolvesDependenciesAcrossPhases(t *testing.T) {
	h := newHarness(t)
	set := source.NewSet(
		// Deliberately out of phase order in the input.
		orderLine("SO1/1", "SO1"),
		orderLine("SO1/2", "SO1"),
		order("SO1", "C01"),
		customer("C01"),
	)

	o := h.orchestrator(t, nil)
	rep, err := o.Run(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Totals.Successful)

	custID, _, _ := h.store.Get(context.Background(), core.KindCustomer, "C01")
	orderID, ok, _ := h.store.Get(context.Background(), core.KindOrder, "SO1")
	require.True(t, ok)

	so, ok := h.fake.Record("sale.order", orderID)
	require.True(t, ok)
	assert.Equal(t, custID, so["partner_id"])
	assert.Equal(t, "SO1", so["client_order_ref"])
	assert.NotContains(t, so, "customer_ref")

	lineID, ok, _ := h.store.Get(context.Background(), core.KindOrderLine, "SO1/1")
	require.True(t, ok)
	line, _ := h.fake.Record("sale.order.line", lineID)
	assert.Equal(t, orderID, line["order_id"])
	assert.Equal(t, "SO1/1", line["x_natural_key"])
}

func TestRun_MissingDependencyIsTerminalDataIntegrity(t *testing.T) {
	h := newHarness(t)
	set := source.NewSet(
		customer("C01"),
		order("SO1", "C01"),
		orderLine("SO1/1", "SO1"),
		orderLine("SO9/1", "SO9"),
	)

	o := h.orchestrator(t, nil)
	rep, err := o.Run(context.Background(), set)
	require.NoError(t, err, "data integrity failures never abort")

	pr, _ := rep.Phase(core.KindOrderLine)
	assert.Equal(t, 1, pr.Successful)
	assert.Equal(t, 1, pr.Failed)

	errs := errorsFor(h, core.RecordKey(core.KindOrderLine, "SO9/1"))
	require.Len(t, errs, 1, "never retried")
	assert.Equal(t, core.CategoryDataIntegrity, errs[0].Category)
	assert.Equal(t, "DATA002", errs[0].Code)
	assert.Equal(t, 0, errs[0].RetryCount)
	assert.False(t, h.errs.ShouldRetry(errs[0]))
}

func TestRun_RetryIsBounded(t *testing.T) {
	h := newHarness(t)
	attempts := 0
	h.fake.FailCreate = func(model string, values map[string]any, attempt int) error {
		if values["ref"] == "C02" {
			attempts = attempt
			return remote.NewError("create", remote.ErrServer, "Internal Server Error")
		}
		return nil
	}

	o := h.orchestrator(t, func(c *Config) { c.MaxRetries = 2 })
	rep, err := o.Run(context.Background(), source.NewSet(customer("C01"), customer("C02")))
	require.NoError(t, err)

	pr, _ := rep.Phase(core.KindCustomer)
	assert.Equal(t, 1, pr.Failed)
	assert.Equal(t, 3, attempts, "first try plus two retries")

	errs := errorsFor(h, "customer:C02")
	require.Len(t, errs, 3)
	for i, e := range errs {
		assert.Equal(t, core.CategoryServerError, e.Category)
		assert.Equal(t, i, e.RetryCount)
		assert.LessOrEqual(t, e.RetryCount, 2)
		assert.False(t, e.Resolved)
	}
	assert.False(t, h.errs.ShouldRetry(errs[2]))
}

func TestRun_TransientFailureRecoversAndResolves(t *testing.T) {
	h := newHarness(t)
	h.fake.FailCreate = func(model string, values map[string]any, attempt int) error {
		if attempt == 1 {
			return remote.NewError("create", remote.ErrServer, "server error, please retry")
		}
		return nil
	}

	o := h.orchestrator(t, nil)
	rep, err := o.Run(context.Background(), source.NewSet(customer("C01")))
	require.NoError(t, err)

	pr, _ := rep.Phase(core.KindCustomer)
	assert.Equal(t, 1, pr.Successful)

	errs := errorsFor(h, "customer:C01")
	require.Len(t, errs, 1)
	assert.True(t, errs[0].Resolved)
	assert.NotNil(t, errs[0].ResolvedAt)
	assert.Equal(t, 0, rep.UnresolvedErrors)
}

func TestRun_AmbiguousCreateCountsAsSuccess(t *testing.T) {
	h := newHarness(t)
	h.fake.LoseCreate = func(model string, values map[string]any, attempt int) error {
		if attempt == 1 {
			return remote.NewError("create", remote.ErrServer, "gateway closed before the response")
		}
		return nil
	}

	o := h.orchestrator(t, nil)
	rep, err := o.Run(context.Background(), source.NewSet(customer("C01")))
	require.NoError(t, err)

	pr, _ := rep.Phase(core.KindCustomer)
	assert.Equal(t, 1, pr.Successful, "the lost create was ours")
	assert.Equal(t, 0, pr.Duplicate)
	assert.Equal(t, 1, h.fake.Count("res.partner"), "no second record")
	assert.Equal(t, 1, h.fake.Creates())
}

func TestRun_PermissionFailureAbortsRun(t *testing.T) {
	for _, parallel := range modes() {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			h := newHarness(t)
			h.fake.FailCreate = func(string, map[string]any, int) error {
				return remote.NewError("create", remote.ErrPermission, "You are not allowed to create partners")
			}

			var recs []core.ImportRecord
			for i := range 12 {
				recs = append(recs, customer(fmt.Sprintf("C%02d", i)))
			}
			recs = append(recs, order("SO1", "C00"), order("SO2", "C01"))

			o := h.orchestrator(t, func(c *Config) {
				c.Parallel = parallel
				c.Batch = batch.Config{BatchSize: 2, MaxWorkers: 1}
			})
			rep, err := o.Run(context.Background(), source.NewSet(recs...))
			require.ErrorIs(t, err, ErrPhaseAborted)
			assert.True(t, rep.Aborted)

			pr, _ := rep.Phase(core.KindCustomer)
			assert.True(t, pr.Aborted)
			assert.Equal(t, core.CategoryPermission, pr.AbortCategory)
			assert.Equal(t, 0, pr.Successful)
			assert.Equal(t, pr.Processed, pr.Failed)
			assert.Equal(t, 12, pr.Processed+pr.NotAttempted)
			assert.Less(t, pr.Processed, 12, "no new batches after the abort")
			assert.Len(t, errorsFor(h, "customer:C00"), 1, "permission errors are not retried")

			orders, _ := rep.Phase(core.KindOrder)
			assert.True(t, orders.Skipped)
			assert.Equal(t, 2, orders.NotAttempted)
			assert.Equal(t, 0, h.fake.Count("sale.order"))
		})
	}
}

func TestRun_ConservationAcrossModes(t *testing.T) {
	for _, parallel := range modes() {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			h := newHarness(t)
			h.fake.FailCreate = func(model string, values map[string]any, attempt int) error {
				if model == "res.partner" && values["ref"] == "C04" {
					return remote.NewError("create", remote.ErrValidation, "missing required field email")
				}
				return nil
			}

			var recs []core.ImportRecord
			for i := range 8 {
				recs = append(recs, customer(fmt.Sprintf("C%02d", i)))
			}
			recs = append(recs, customer("C01"))
			for i := range 8 {
				recs = append(recs, order(fmt.Sprintf("SO%02d", i), fmt.Sprintf("C%02d", i)))
			}
			for i := range 8 {
				recs = append(recs, orderLine(fmt.Sprintf("SO%02d/1", i), fmt.Sprintf("SO%02d", i)))
			}

			o := h.orchestrator(t, func(c *Config) { c.Parallel = parallel })
			rep, err := o.Run(context.Background(), source.NewSet(recs...))
			require.NoError(t, err)

			for _, pr := range rep.Phases {
				assert.True(t, pr.Balanced(), "%s: %+v", pr.Kind, pr.BatchResult)
				assert.Equal(t, pr.Total, pr.Processed+pr.NotAttempted)

				op, ok := h.tracker.Get(pr.OperationID)
				require.True(t, ok)
				assert.Equal(t, pr.BatchResult, op.Counts(), "tracker agrees with the phase")
				assert.Equal(t, progress.StatusCompleted, op.Status)
			}

			customers, _ := rep.Phase(core.KindCustomer)
			assert.Equal(t, core.BatchResult{Processed: 9, Successful: 7, Failed: 1, Duplicate: 1}, customers.BatchResult)
			orders, _ := rep.Phase(core.KindOrder)
			assert.Equal(t, core.BatchResult{Processed: 8, Successful: 7, Failed: 1}, orders.BatchResult)
			lines, _ := rep.Phase(core.KindOrderLine)
			assert.Equal(t, core.BatchResult{Processed: 8, Successful: 7, Failed: 1}, lines.BatchResult)

			assert.Equal(t, 25, rep.Totals.Processed)
			assert.InDelta(t, 12.0, rep.ErrorRate, 1e-9)
		})
	}
}

func TestRun_ValidationFailsBeforeAnyRemoteCall(t *testing.T) {
	h := newHarness(t)
	v, err := validate.New()
	require.NoError(t, err)

	bad := core.ImportRecord{Kind: core.KindCustomer, NaturalKey: "C99", Payload: map[string]any{"email": "x@y.test"}}
	o := h.orchestrator(t, func(c *Config) { c.Validator = v })
	rep, err := o.Run(context.Background(), source.NewSet(bad))
	require.NoError(t, err)

	pr, _ := rep.Phase(core.KindCustomer)
	assert.Equal(t, 1, pr.Failed)
	assert.Equal(t, 0, h.fake.Searches())
	assert.Equal(t, 0, h.fake.AuthAttempts())

	errs := errorsFor(h, "customer:C99")
	require.Len(t, errs, 1)
	assert.Equal(t, core.CategoryValidation, errs[0].Category)
}

func TestRun_WritesReport(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "state", ReportFile)

	o := h.orchestrator(t, func(c *Config) { c.ReportPath = path })
	_, err := o.Run(context.Background(), source.NewSet(customer("C01"), customer("C02"), order("SO1", "C01")))
	require.NoError(t, err)

	rep, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, "run-test", rep.RunID)
	require.Len(t, rep.Phases, 3)
	assert.Equal(t, 3, rep.Totals.Successful)
	assert.False(t, rep.Aborted)
	require.NotNil(t, rep.Remote)
	assert.Positive(t, rep.Remote.Calls)

	lines, _ := rep.Phase(core.KindOrderLine)
	assert.Equal(t, 0, lines.Total)
}

func TestRun_ResetMappings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, core.KindCustomer, "STALE", 999))

	o := h.orchestrator(t, func(c *Config) { c.ResetMappings = true })
	_, err := o.Run(ctx, source.NewSet(customer("C01")))
	require.NoError(t, err)

	_, ok, err := h.store.Get(ctx, core.KindCustomer, "STALE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_CancelledContextStopsBeforeLaterPhases(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := h.orchestrator(t, nil)
	rep, err := o.Run(ctx, source.NewSet(customer("C01"), order("SO1", "C01")))
	require.ErrorIs(t, err, context.Canceled)

	customers, _ := rep.Phase(core.KindCustomer)
	assert.Equal(t, 1, customers.NotAttempted)
	orders, _ := rep.Phase(core.KindOrder)
	assert.True(t, orders.Skipped)
	assert.Equal(t, 0, h.fake.Creates())
}

func TestLogBatchFailure(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, nil)

	ctx := logging.WithPhase(context.Background(), "order")
	o.logBatchFailure(ctx, 4, []core.ImportRecord{order("SO1", "C1"), order("SO2", "C1")}, errors.New("batch 4 panicked: boom"))

	recs := h.errs.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "batch:order", recs[0].Operation)
	assert.Equal(t, core.CategoryUnknown, recs[0].Category)
	assert.Equal(t, []string{"order:SO1", "order:SO2"}, recs[0].Context["record_keys"])
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Batch: batch.Config{BatchSize: 1}})
	require.Error(t, err)
	assert.ErrorContains(t, err, "registry")
	assert.ErrorContains(t, err, "remote client")
	assert.ErrorContains(t, err, "mapping store")
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(100*time.Millisecond, time.Second, 2, 0, tt.attempt), "attempt %d", tt.attempt)
	}

	for range 50 {
		d := retryDelay(100*time.Millisecond, time.Second, 2, 0.5, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
	assert.Zero(t, retryDelay(0, time.Second, 2, 0.5, 3))
}
