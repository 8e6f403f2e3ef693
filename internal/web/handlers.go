package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/erpseed/internal/batch"
	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/errorlog"
	"github.com/JonMunkholm/erpseed/internal/progress"
)

// Default and maximum page sizes for /api/errors.
const (
	defaultErrorLimit = 100
	maxErrorLimit     = 1000
)

type healthResponse struct {
	Status           string `json:"status"`
	ActiveOperations int    `json:"active_operations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, healthResponse{
		Status:           "ok",
		ActiveOperations: len(s.cfg.Progress.Active()),
	})
}

// OperationView is an operation with its completion percentage.
type OperationView struct {
	progress.Operation
	Percent float64 `json:"percent"`
}

func view(op progress.Operation) OperationView {
	return OperationView{Operation: op, Percent: op.Percent()}
}

func views(ops []progress.Operation) []OperationView {
	out := make([]OperationView, len(ops))
	for i, op := range ops {
		out[i] = view(op)
	}
	return out
}

type progressResponse struct {
	Summary   progress.Summary `json:"summary"`
	Active    []OperationView  `json:"active"`
	Completed []OperationView  `json:"completed"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, progressResponse{
		Summary:   s.cfg.Progress.Summary(),
		Active:    views(s.cfg.Progress.Active()),
		Completed: views(s.cfg.Progress.Completed()),
	})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(chi.URLParam(r, "*"), "/")
	if id == "" {
		respondError(w, r, http.StatusBadRequest, "MISSING_ID", "operation id is required")
		return
	}
	op, ok := s.cfg.Progress.Get(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, "OPERATION_NOT_FOUND", "unknown operation "+id)
		return
	}
	writeJSON(w, r, view(op))
}

type errorsResponse struct {
	Count   int                    `json:"count"`
	Matched int                    `json:"matched"`
	Errors  []errorlog.ErrorRecord `json:"errors"`
}

// handleErrors lists error records, newest first. Query parameters:
// category, record_key, unresolved=true, limit.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultErrorLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxErrorLimit)
	}

	var unresolvedOnly bool
	if v := q.Get("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "INVALID_FILTER", "unresolved must be a boolean")
			return
		}
		unresolvedOnly = b
	}

	var category core.Category
	if v := q.Get("category"); v != "" {
		c, err := core.ParseCategory(v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "INVALID_FILTER", err.Error())
			return
		}
		category = c
	}
	recordKey := q.Get("record_key")

	records := s.cfg.Errors.Records()
	resp := errorsResponse{Errors: []errorlog.ErrorRecord{}}
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if unresolvedOnly && rec.Resolved {
			continue
		}
		if category != "" && rec.Category != category {
			continue
		}
		if recordKey != "" && rec.RecordKey != recordKey {
			continue
		}
		resp.Matched++
		if len(resp.Errors) < limit {
			resp.Errors = append(resp.Errors, rec)
		}
	}
	resp.Count = len(resp.Errors)
	writeJSON(w, r, resp)
}

func (s *Server) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.cfg.Errors.Report())
}

type strategyResponse struct {
	Error    errorlog.ErrorRecord `json:"error"`
	Strategy errorlog.Strategy    `json:"strategy"`
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.cfg.Errors.Get(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, "ERROR_NOT_FOUND", "unknown error "+id)
		return
	}
	writeJSON(w, r, strategyResponse{Error: rec, Strategy: s.cfg.Errors.RecoveryStrategy(rec)})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	var status batch.LimiterStatus
	if s.cfg.Workers != nil {
		status = s.cfg.Workers.Status()
	}
	writeJSON(w, r, status)
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}
