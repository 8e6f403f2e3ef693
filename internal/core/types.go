package core

import (
	"fmt"
	"strings"
)

// Kind identifies the entity type of an import record.
type Kind string

const (
	KindCustomer  Kind = "customer"
	KindOrder     Kind = "order"
	KindOrderLine Kind = "order_line"
)

// ParseKind converts a string to a Kind, accepting the common spellings
// emitted by the generators ("order-line", "orderline", "ORDER_LINE").
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "customer", "customers":
		return KindCustomer, nil
	case "order", "orders":
		return KindOrder, nil
	case "order_line", "order_lines", "orderline", "orderlines":
		return KindOrderLine, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// ImportRecord is a single business record to be written to the remote system.
type ImportRecord struct {
	Kind       Kind           `json:"kind"`
	NaturalKey string         `json:"natural_key"`
	Payload    map[string]any `json:"payload"`
}

// Key returns the "kind:natural_key" identity of the record. It is unique per
// logical record and is used to correlate errors, retries and mappings.
func (r ImportRecord) Key() string {
	return RecordKey(r.Kind, r.NaturalKey)
}

// RecordKey builds the identity string for a kind and natural key.
func RecordKey(kind Kind, naturalKey string) string {
	return string(kind) + ":" + naturalKey
}

// Category classifies a failure. The category alone decides retry eligibility.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryPermission     Category = "permission"
	CategoryDataIntegrity  Category = "data_integrity"
	CategoryServerError    Category = "server_error"
	CategoryTimeout        Category = "timeout"
	CategoryUnknown        Category = "unknown"
)

// AllCategories lists every category in report order.
var AllCategories = []Category{
	CategoryValidation,
	CategoryConnection,
	CategoryAuthentication,
	CategoryPermission,
	CategoryDataIntegrity,
	CategoryServerError,
	CategoryTimeout,
	CategoryUnknown,
}

// ParseCategory converts a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	norm := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range AllCategories {
		if c == norm {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown error category %q", s)
}

// Retryable reports whether failures of this category are transient.
// Only connection, timeout and server errors qualify.
func (c Category) Retryable() bool {
	switch c {
	case CategoryConnection, CategoryTimeout, CategoryServerError:
		return true
	default:
		return false
	}
}

// AbortsPhase reports whether a failure of this category must stop the
// current phase. Retrying bad credentials or missing rights cannot help.
func (c Category) AbortsPhase() bool {
	return c == CategoryAuthentication || c == CategoryPermission
}

// Severity is the severity level attached to an error record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DefaultSeverity returns the severity used when a caller does not set one.
func DefaultSeverity(c Category) Severity {
	switch c {
	case CategoryAuthentication, CategoryPermission:
		return SeverityCritical
	case CategoryDataIntegrity, CategoryServerError:
		return SeverityHigh
	case CategoryValidation, CategoryConnection, CategoryTimeout:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// OutcomeStatus is the terminal state of one record.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the tagged result of importing one record.
type Outcome struct {
	Status    OutcomeStatus
	RemoteID  int64    // set for Success and Duplicate
	Category  Category // set for Failed
	Retryable bool     // set for Failed
	Attempts  int      // number of create/find attempts made
	ErrorID   string   // id of the last error record logged, if any
	Err       error    // set for Failed
}

// Success returns a Success outcome for the given remote id.
func Success(remoteID int64) Outcome {
	return Outcome{Status: OutcomeSuccess, RemoteID: remoteID}
}

// Duplicate returns a Duplicate outcome pointing at the existing remote id.
func Duplicate(remoteID int64) Outcome {
	return Outcome{Status: OutcomeDuplicate, RemoteID: remoteID}
}

// Failed returns a Failed outcome. Retryable is derived from the category.
func Failed(category Category, err error) Outcome {
	return Outcome{
		Status:    OutcomeFailed,
		Category:  category,
		Retryable: category.Retryable(),
		Err:       err,
	}
}

// String formats the outcome for log lines.
func (o Outcome) String() string {
	switch o.Status {
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s): %v", o.Category, o.Err)
	default:
		return fmt.Sprintf("%s(%d)", o.Status, o.RemoteID)
	}
}

// BatchResult is the typed result of processing a batch of records.
type BatchResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Duplicate  int `json:"duplicate"`
}

// Record folds one outcome into the result.
func (r *BatchResult) Record(o Outcome) {
	r.Processed++
	switch o.Status {
	case OutcomeSuccess:
		r.Successful++
	case OutcomeDuplicate:
		r.Duplicate++
	default:
		r.Failed++
	}
}

// Add returns the sum of two results.
func (r BatchResult) Add(o BatchResult) BatchResult {
	return BatchResult{
		Processed:  r.Processed + o.Processed,
		Successful: r.Successful + o.Successful,
		Failed:     r.Failed + o.Failed,
		Duplicate:  r.Duplicate + o.Duplicate,
	}
}

// AllFailed returns a result in which every one of n records failed.
func AllFailed(n int) BatchResult {
	return BatchResult{Processed: n, Failed: n}
}

// Balanced reports whether Processed == Successful + Failed + Duplicate.
func (r BatchResult) Balanced() bool {
	return r.Processed == r.Successful+r.Failed+r.Duplicate
}

// ErrorRate returns failed records as a percentage of processed records.
func (r BatchResult) ErrorRate() float64 {
	if r.Processed == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Processed) * 100
}
