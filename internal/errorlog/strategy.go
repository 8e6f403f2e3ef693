package errorlog

import (
	"fmt"
	"sort"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// Strategy is advisory recovery guidance for an error record. Nothing in the
// pipeline executes it.
type Strategy struct {
	Action    string   `json:"action"`
	AutoRetry bool     `json:"auto_retry"`
	Steps     []string `json:"steps"`
}

// RecoveryStrategy returns the recovery guidance for rec.
func (h *Handler) RecoveryStrategy(rec ErrorRecord) Strategy {
	s := strategyFor(rec.Category)
	s.AutoRetry = h.ShouldRetry(rec)
	if path := h.FailedRecordPath(rec.ID); path != "" && rec.Context != nil {
		s.Steps = append(s.Steps, "Replay the payload saved in "+path)
	}
	return s
}

func strategyFor(c core.Category) Strategy {
	switch c {
	case core.CategoryValidation:
		return Strategy{Action: "fix_payload", Steps: []string{
			"Inspect the failed payload for missing or malformed fields",
			"Correct the upstream generator or the source file",
			"Re-run the import; records already imported are skipped",
		}}
	case core.CategoryConnection:
		return Strategy{Action: "retry_later", Steps: []string{
			"Check network reachability of the remote endpoint",
			"Lower max_workers or raise chunk_delay if the remote is throttling",
			"Re-run the import once the remote is reachable",
		}}
	case core.CategoryTimeout:
		return Strategy{Action: "retry_smaller", Steps: []string{
			"Lower batch_size and max_workers",
			"Raise the remote call timeout",
			"Re-run the import",
		}}
	case core.CategoryServerError:
		return Strategy{Action: "retry_later", Steps: []string{
			"Check the remote server logs for the traceback",
			"Re-run the import once the remote is healthy",
		}}
	case core.CategoryAuthentication:
		return Strategy{Action: "fix_credentials", Steps: []string{
			"Verify REMOTE_USERNAME, REMOTE_PASSWORD and REMOTE_DATABASE",
			"Confirm the account is active and not locked",
			"Re-run the import",
		}}
	case core.CategoryPermission:
		return Strategy{Action: "grant_access", Steps: []string{
			"Grant the import user create and read rights on the affected model",
			"Re-run the import",
		}}
	case core.CategoryDataIntegrity:
		return Strategy{Action: "fix_references", Steps: []string{
			"Confirm the referenced parent record was imported successfully",
			"Import the parent phase first, then re-run this phase",
			"Check the remote for conflicting unique values",
		}}
	default:
		return Strategy{Action: "investigate", Steps: []string{
			"Review the error message and the application logs",
			"Re-run the import after addressing the cause",
		}}
	}
}

// Report aggregates the error log.
type Report struct {
	Total           int                   `json:"total"`
	Unresolved      int                   `json:"unresolved"`
	ByCategory      map[core.Category]int `json:"by_category"`
	BySeverity      map[core.Severity]int `json:"by_severity"`
	ByOperation     map[string]int        `json:"by_operation"`
	TopCodes        []CodeCount           `json:"top_codes,omitempty"`
	Recommendations []string              `json:"recommendations"`
}

// CodeCount is the number of errors for one error code.
type CodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// Recommendation thresholds.
const (
	validationThreshold = 10
	transientThreshold  = 5
	serverThreshold     = 5
)

// Report counts every unresolved error by category, severity and operation
// and adds recommendations when a category crosses its threshold.
func (h *Handler) Report() Report {
	records := h.Records()

	r := Report{
		Total:       len(records),
		ByCategory:  make(map[core.Category]int),
		BySeverity:  make(map[core.Severity]int),
		ByOperation: make(map[string]int),
	}

	codes := make(map[string]int)
	for _, rec := range records {
		if rec.Resolved {
			continue
		}
		r.Unresolved++
		r.ByCategory[rec.Category]++
		r.BySeverity[rec.Severity]++
		r.ByOperation[rec.Operation]++
		if rec.Code != "" {
			codes[rec.Code]++
		}
	}

	for code, n := range codes {
		r.TopCodes = append(r.TopCodes, CodeCount{Code: code, Count: n})
	}
	sort.Slice(r.TopCodes, func(i, j int) bool {
		if r.TopCodes[i].Count != r.TopCodes[j].Count {
			return r.TopCodes[i].Count > r.TopCodes[j].Count
		}
		return r.TopCodes[i].Code < r.TopCodes[j].Code
	})

	r.Recommendations = recommendations(r)
	return r
}

func recommendations(r Report) []string {
	var recs []string

	if n := r.ByCategory[core.CategoryValidation]; n >= validationThreshold {
		recs = append(recs, fmt.Sprintf("%d validation errors: add pre-import validation of generated payloads", n))
	}
	if n := r.ByCategory[core.CategoryConnection] + r.ByCategory[core.CategoryTimeout]; n >= transientThreshold {
		recs = append(recs, fmt.Sprintf("%d connection or timeout errors: reduce max_workers or increase retry_delay and chunk_delay", n))
	}
	if n := r.ByCategory[core.CategoryServerError]; n >= serverThreshold {
		recs = append(recs, fmt.Sprintf("%d server errors: reduce batch_size and check remote server health", n))
	}
	if r.ByCategory[core.CategoryAuthentication] > 0 {
		recs = append(recs, "authentication failures: verify remote credentials before re-running")
	}
	if r.ByCategory[core.CategoryPermission] > 0 {
		recs = append(recs, "permission failures: grant the import user access to the affected models")
	}
	if n := r.ByCategory[core.CategoryDataIntegrity]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d data integrity errors: import parent records first and check for conflicting keys", n))
	}
	if n := r.ByCategory[core.CategoryUnknown]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d unclassified errors: review the error log and extend the error patterns", n))
	}
	if len(recs) == 0 && r.Unresolved == 0 {
		recs = append(recs, "no unresolved errors")
	}
	return recs
}
