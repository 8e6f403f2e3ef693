package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/erpseed/internal/batch"
	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/progress"
)

var quiet = slog.New(slog.DiscardHandler)

type fixture struct {
	tracker *progress.Tracker
	errs    *errorlog.Handler
	workers *batch.WorkerLimiter
	srv     *Server
}

func newFixture(t *testing.T, keys ...string) *fixture {
	t.Helper()
	tracker, err := progress.New(progress.Config{Logger: quiet})
	require.NoError(t, err)
	errs, err := errorlog.New(errorlog.Config{MaxRetries: 3, Logger: quiet})
	require.NoError(t, err)
	workers := batch.NewWorkerLimiter(4)

	srv, err := NewServer(Config{
		Progress: tracker,
		Errors:   errs,
		Workers:  workers,
		APIKeys:  keys,
		Logger:   quiet,
	})
	require.NoError(t, err)
	return &fixture{tracker: tracker, errs: errs, workers: workers, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) logError(t *testing.T, key string, category core.Category) string {
	t.Helper()
	id, err := f.errs.LogError(context.Background(), errorlog.Entry{
		Operation: "create:customer",
		Message:   "boom",
		RecordKey: key,
		Category:  category,
	})
	require.NoError(t, err)
	return id
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.StartOperation("run-1/customer", "customer", 10)
	require.NoError(t, err)

	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	body := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.ActiveOperations)
}

func TestProgress(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.StartOperation("run-1/customer", "customer", 4)
	require.NoError(t, err)
	_, err = f.tracker.Advance("run-1/customer", core.BatchResult{Processed: 2, Successful: 1, Duplicate: 1}, "customer")
	require.NoError(t, err)
	_, err = f.tracker.StartOperation("run-0/customer", "customer", 1)
	require.NoError(t, err)
	_, err = f.tracker.CompleteOperation("run-0/customer", &core.BatchResult{Processed: 1, Successful: 1})
	require.NoError(t, err)

	rec := f.get(t, "/api/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[progressResponse](t, rec)
	require.Len(t, body.Active, 1)
	assert.Equal(t, 2, body.Active[0].Processed)
	assert.InDelta(t, 50.0, body.Active[0].Percent, 1e-9)
	require.Len(t, body.Completed, 1)
	assert.Equal(t, progress.StatusCompleted, body.Completed[0].Status)
	assert.Equal(t, 1, body.Summary.ActiveOperations)
}

func TestOperation(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.StartOperation("run-1/order_line", "order_line", 8)
	require.NoError(t, err)

	rec := f.get(t, "/api/progress/run-1/order_line")
	require.Equal(t, http.StatusOK, rec.Code)
	op := decode[OperationView](t, rec)
	assert.Equal(t, "run-1/order_line", op.ID)
	assert.Equal(t, 8, op.Total)

	rec = f.get(t, "/api/progress/run-9/order")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "OPERATION_NOT_FOUND", decode[ErrorResponse](t, rec).Code)
}

func TestErrors_Filters(t *testing.T) {
	f := newFixture(t)
	f.logError(t, "customer:C1", core.CategoryValidation)
	f.logError(t, "customer:C2", core.CategoryServerError)
	f.logError(t, "customer:C3", core.CategoryServerError)
	_, err := f.errs.MarkResolved(context.Background(), "customer:C3")
	require.NoError(t, err)

	tests := []struct {
		name    string
		query   url.Values
		matched int
		first   string
	}{
		{"all newest first", nil, 3, "customer:C3"},
		{"by category", url.Values{"category": {"server_error"}}, 2, "customer:C3"},
		{"unresolved only", url.Values{"unresolved": {"true"}}, 2, "customer:C2"},
		{"by record key", url.Values{"record_key": {"customer:C1"}}, 1, "customer:C1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, "/api/errors?"+tt.query.Encode())
			require.Equal(t, http.StatusOK, rec.Code)
			body := decode[errorsResponse](t, rec)
			assert.Equal(t, tt.matched, body.Matched)
			assert.Equal(t, tt.matched, body.Count)
			require.NotEmpty(t, body.Errors)
			assert.Equal(t, tt.first, body.Errors[0].RecordKey)
		})
	}

	rec := f.get(t, "/api/errors?limit=1")
	body := decode[errorsResponse](t, rec)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 3, body.Matched)
}

func TestErrors_BadQuery(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"limit=0", "limit=x", "unresolved=maybe", "category=flaky"} {
		rec := f.get(t, "/api/errors?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestErrorReport(t *testing.T) {
	f := newFixture(t)
	f.logError(t, "customer:C1", core.CategoryValidation)
	f.logError(t, "customer:C2", core.CategoryTimeout)

	rec := f.get(t, "/api/errors/report")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[errorlog.Report](t, rec)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.ByCategory[core.CategoryTimeout])
}

func TestStrategy(t *testing.T) {
	f := newFixture(t)
	id := f.logError(t, "customer:C1", core.CategoryTimeout)

	rec := f.get(t, "/api/errors/"+id+"/strategy")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[strategyResponse](t, rec)
	assert.Equal(t, id, body.Error.ID)
	assert.True(t, body.Strategy.AutoRetry)
	assert.NotEmpty(t, body.Strategy.Action)

	rec = f.get(t, "/api/errors/nope/strategy")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workers.Acquire(context.Background()))
	defer f.workers.Release()

	rec := f.get(t, "/api/workers")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[batch.LimiterStatus](t, rec)
	assert.Equal(t, 4, status.MaxWorkers)
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 3, status.Available)
}

func TestAPIKeyProtectsAPIOnly(t *testing.T) {
	f := newFixture(t, "secret")

	assert.Equal(t, http.StatusOK, f.get(t, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/progress").Code)
	assert.Equal(t, http.StatusForbidden, f.get(t, "/api/progress", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/progress", "X-API-Key", "secret").Code)
}

func TestNotFoundCarriesRequestID(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "NOT_FOUND", body.Code)
	assert.NotEmpty(t, body.RequestID)
}

func TestNewServer_RequiresSources(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}
